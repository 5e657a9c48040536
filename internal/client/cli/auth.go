package cli

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/famsync/internal/common"
)

// fail reports err to the user and returns it unchanged.
func (a *App) fail(err error) error {
	if err == nil {
		return nil
	}
	msg := common.MessageOf(err)
	switch common.KindOf(err) {
	case common.KindConnectivity:
		printlnFn("Can't reach the server, check your connection:", msg)
	case common.KindAuth:
		printlnFn("Authentication problem:", msg)
	default:
		printlnFn("Error:", msg)
	}
	return err
}

const prefLastEmail = "last_email"

// credentials takes the email from args or a prompt that defaults to the
// last address used, and the password from the terminal. The returned wipe
// func clears the password bytes.
func (a *App) credentials(ctx context.Context, args []string) (string, string, func(), error) {
	var email string
	if len(args) > 0 {
		email = args[0]
	} else {
		last := a.preference(ctx, prefLastEmail)
		prompt := "Email"
		if last != "" {
			prompt = fmt.Sprintf("Email [%s]", last)
		}
		var err error
		if email, err = getSimpleText(a.reader, prompt, a.out); err != nil {
			return "", "", nil, err
		}
		if email == "" {
			email = last
		}
	}
	pw, err := getPassword("Password", a.out)
	if err != nil {
		return "", "", nil, err
	}
	return email, string(pw), func() { common.WipeByteArray(pw) }, nil
}

func (a *App) preference(ctx context.Context, name string) string {
	if a.prefs == nil {
		return ""
	}
	v, err := a.prefs.Get(ctx, common.PreferenceKey(a.namespace(), name))
	if err != nil {
		a.logger.Debug(ctx, "reading preference failed", "name", name, "error", err)
		return ""
	}
	return string(v)
}

func (a *App) remember(ctx context.Context, name, value string) {
	if a.prefs == nil {
		return
	}
	if err := a.prefs.Set(ctx, common.PreferenceKey(a.namespace(), name), []byte(value)); err != nil {
		a.logger.Debug(ctx, "saving preference failed", "name", name, "error", err)
	}
}

func (a *App) namespace() string {
	if a.config == nil || a.config.Namespace == "" {
		return common.DefaultNamespace
	}
	return a.config.Namespace
}

// SignUp: signup [email]
func (a *App) SignUp(ctx context.Context, args []string) error {
	email, password, wipe, err := a.credentials(ctx, args)
	if err != nil {
		return a.fail(err)
	}
	defer wipe()

	sess, err := a.sessions.SignUp(ctx, email, password)
	if err != nil {
		return a.fail(err)
	}
	if sess == nil || sess.AccessToken == "" {
		a.remember(ctx, prefLastEmail, email)
		printlnFn("Account created. Check your inbox for the confirmation link, then sign in.")
		return nil
	}
	a.remember(ctx, prefLastEmail, email)
	printlnFn("Welcome,", email)
	return nil
}

// SignIn: signin [email]
func (a *App) SignIn(ctx context.Context, args []string) error {
	email, password, wipe, err := a.credentials(ctx, args)
	if err != nil {
		return a.fail(err)
	}
	defer wipe()

	if _, err := a.sessions.SignIn(ctx, email, password); err != nil {
		return a.fail(err)
	}
	a.remember(ctx, prefLastEmail, email)
	printlnFn("Signed in as", email)
	return nil
}

// SignOut: signout [force]. On a protected screen the credential is kept
// unless force is given.
func (a *App) SignOut(ctx context.Context, args []string) error {
	force := len(args) > 0 && (args[0] == "force" || args[0] == "-f")
	if err := a.sessions.SignOut(ctx, force); err != nil {
		return a.fail(err)
	}
	if !force && a.state.HasLiveSession() {
		printlnFn(fmt.Sprintf("Still signed in: %q is a setup screen. Use 'signout force' to leave anyway.", a.state.Route()))
		return nil
	}
	printlnFn("Signed out")
	return nil
}

// ResetPassword: reset-password [email]
func (a *App) ResetPassword(ctx context.Context, args []string) error {
	email, err := argOrPrompt(args, 0, a.reader, "Email", a.out)
	if err != nil {
		return a.fail(err)
	}
	if err := a.sessions.RequestPasswordReset(ctx, email); err != nil {
		return a.fail(err)
	}
	printlnFn("If the address is registered, a reset link is on its way.")
	return nil
}
