package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/famsync/internal/client/models"
)

// Status prints who is signed in and where.
func (a *App) Status(ctx context.Context) error {
	snap := a.state.Snapshot()
	printlnFn("State:", string(snap.Auth))
	if snap.Session != nil && snap.Session.User != nil {
		printlnFn("User: ", snap.Session.User.Email)
		if !snap.Session.ExpiresAt.IsZero() {
			printlnFn("Token expires:", snap.Session.ExpiresAt.Local().Format("2006-01-02 15:04:05"))
		}
	}
	if snap.Profile != nil {
		printlnFn("Name: ", snap.Profile.Name)
	}
	if snap.Group != nil {
		printlnFn("Family:", snap.Group.Name, "as", string(snap.Role))
	}
	if snap.Route != "" {
		printlnFn("Screen:", string(snap.Route))
	}
	return nil
}

// Profile shows the profile, or with "<field> <value...>" updates one field.
// Fields: name, avatar, role, phone, org, interests (comma separated).
func (a *App) Profile(ctx context.Context, args []string) error {
	if len(args) == 0 {
		p := a.state.Snapshot().Profile
		if p == nil {
			printlnFn("No profile loaded")
			return nil
		}
		printProfile(p)
		return nil
	}

	patch, err := profilePatch(args[0], strings.Join(args[1:], " "))
	if err != nil {
		return a.fail(err)
	}
	p, err := a.sessions.UpdateProfile(ctx, patch)
	if err != nil {
		return a.fail(err)
	}
	printProfile(p)
	return nil
}

func profilePatch(field, value string) (models.ProfileUpdate, error) {
	var u models.ProfileUpdate
	value = strings.TrimSpace(value)
	switch strings.ToLower(field) {
	case "name":
		u.Name = &value
	case "avatar":
		u.AvatarURL = &value
	case "role":
		u.Role = &value
	case "phone":
		u.Phone = &value
	case "org":
		u.OrganizationID = &value
	case "interests":
		items := []string{}
		for _, s := range strings.Split(value, ",") {
			if s = strings.TrimSpace(s); s != "" {
				items = append(items, s)
			}
		}
		u.Interests = &items
	default:
		return u, fmt.Errorf("unknown profile field %q (name, avatar, role, phone, org, interests)", field)
	}
	return u, nil
}

func printProfile(p *models.Profile) {
	printlnFn("Name:     ", p.Name)
	if p.AvatarURL != "" {
		printlnFn("Avatar:   ", p.AvatarURL)
	}
	if p.Role != "" {
		printlnFn("Role:     ", p.Role)
	}
	if p.Phone != nil {
		printlnFn("Phone:    ", *p.Phone)
	}
	if len(p.Interests) > 0 {
		printlnFn("Interests:", strings.Join(p.Interests, ", "))
	}
}

// Route: route [name]. Shows or sets the current screen; setup screens keep
// the credential safe from a non-forced sign-out.
func (a *App) Route(ctx context.Context, args []string) error {
	if len(args) == 0 {
		r := a.state.Route()
		if r == "" {
			r = "home"
		}
		printlnFn("Screen:", string(r))
		return nil
	}
	a.state.SetRoute(models.Route(args[0]))
	return nil
}
