package cli

import (
	"bufio"
	"context"
	"fmt"
	"strings"
)

// printlnFn is a test seam for user-facing output. In tests, replace it with a stub.
var printlnFn = fmt.Println

// execIface is the command surface the REPL dispatches to. *App satisfies
// it; tests provide a recording stub.
type execIface interface {
	isSignedIn() bool
	SignUp(ctx context.Context, args []string) error
	SignIn(ctx context.Context, args []string) error
	SignOut(ctx context.Context, args []string) error
	ResetPassword(ctx context.Context, args []string) error
	Status(ctx context.Context) error
	Profile(ctx context.Context, args []string) error
	Family(ctx context.Context) error
	CreateFamily(ctx context.Context, args []string) error
	JoinFamily(ctx context.Context, args []string) error
	LeaveFamily(ctx context.Context) error
	RegenerateCode(ctx context.Context) error
	RemoveMember(ctx context.Context, args []string) error
	Search(ctx context.Context, args []string) error
	Sync(ctx context.Context) error
	Route(ctx context.Context, args []string) error
}

const (
	helpSignedOut = "Available commands: signup, signin, reset-password, status, route, exit"
	helpSignedIn  = "Available commands: status, profile [field value], family, create <name>, join <code>, " +
		"leave, regen, remove <member>, search <term>, sync, route [name], signout [force], exit"
)

// runREPL reads commands from scanner until EOF, "exit" or "quit", or until
// ctx is done. The first token selects the command and the rest are its
// arguments. Handlers report their own errors, so the loop ignores them.
// Family and profile commands need a signed-in session.
func runREPL(ctx context.Context, a execIface, statusFn func() string, scanner *bufio.Scanner) {
	for {
		if ctx.Err() != nil {
			return
		}
		printlnFn(fmt.Sprintf("famsync %s> ", statusFn()))
		if !scanner.Scan() {
			return
		}
		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			continue
		}
		cmd, args := strings.ToLower(parts[0]), parts[1:]

		switch cmd {
		case "help", "?":
			if a.isSignedIn() {
				printlnFn(helpSignedIn)
			} else {
				printlnFn(helpSignedOut)
			}
			continue
		case "exit", "quit":
			printlnFn("Bye!")
			return
		case "signup", "register":
			_ = a.SignUp(ctx, args)
			continue
		case "signin", "login":
			_ = a.SignIn(ctx, args)
			continue
		case "reset-password":
			_ = a.ResetPassword(ctx, args)
			continue
		case "status":
			_ = a.Status(ctx)
			continue
		case "route":
			_ = a.Route(ctx, args)
			continue
		}

		if !a.isSignedIn() {
			if isMemberCommand(cmd) {
				printlnFn("Please sign in first")
			} else {
				printlnFn("Unknown command:", cmd)
			}
			continue
		}

		switch cmd {
		case "signout", "logout":
			_ = a.SignOut(ctx, args)
		case "profile":
			_ = a.Profile(ctx, args)
		case "family", "roster":
			_ = a.Family(ctx)
		case "create":
			_ = a.CreateFamily(ctx, args)
		case "join":
			_ = a.JoinFamily(ctx, args)
		case "leave":
			_ = a.LeaveFamily(ctx)
		case "regen":
			_ = a.RegenerateCode(ctx)
		case "remove":
			_ = a.RemoveMember(ctx, args)
		case "search":
			_ = a.Search(ctx, args)
		case "sync":
			_ = a.Sync(ctx)
		default:
			printlnFn("Unknown command:", cmd)
		}
	}
}

func isMemberCommand(cmd string) bool {
	switch cmd {
	case "signout", "logout", "profile", "family", "roster", "create", "join",
		"leave", "regen", "remove", "search", "sync":
		return true
	}
	return false
}
