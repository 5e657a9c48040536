package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/dmitrijs2005/famsync/internal/client/models"
)

// Family prints the active family and its roster.
func (a *App) Family(ctx context.Context) error {
	snap := a.state.Snapshot()
	if snap.Group == nil {
		printlnFn("You are not in a family yet. Use 'create <name>' or 'join <code>'.")
		return nil
	}
	printlnFn(fmt.Sprintf("%s (you are %s)", snap.Group.Name, snap.Role))
	printlnFn("Invite code:", snap.Group.Code)
	for i, m := range snap.Roster {
		me := ""
		if m.UserID == snap.UserID() {
			me = " (you)"
		}
		printlnFn(fmt.Sprintf("%2d. %-24s %-6s joined %s%s", i+1, m.Name, m.Role, m.JoinedAt.Format("2006-01-02"), me))
	}
	return nil
}

// CreateFamily: create <name...>
func (a *App) CreateFamily(ctx context.Context, args []string) error {
	name := strings.Join(args, " ")
	if name == "" {
		var err error
		if name, err = getSimpleText(a.reader, "Family name", a.out); err != nil {
			return a.fail(err)
		}
	}
	g, err := a.family.CreateGroup(ctx, name)
	if err != nil {
		return a.fail(err)
	}
	printlnFn(fmt.Sprintf("Created %q. Share the code %s to invite others.", g.Name, g.Code))
	return nil
}

// JoinFamily: join <code>
func (a *App) JoinFamily(ctx context.Context, args []string) error {
	code, err := argOrPrompt([]string{strings.Join(args, "")}, 0, a.reader, "Invite code", a.out)
	if err != nil {
		return a.fail(err)
	}
	g, err := a.family.JoinGroup(ctx, code)
	if err != nil {
		return a.fail(err)
	}
	printlnFn(fmt.Sprintf("Joined %q", g.Name))
	return nil
}

// LeaveFamily asks for confirmation before leaving.
func (a *App) LeaveFamily(ctx context.Context) error {
	snap := a.state.Snapshot()
	if snap.Group != nil {
		ok, err := GetConfirmation(a.reader, fmt.Sprintf("Leave %q?", snap.Group.Name), a.out)
		if err != nil {
			return a.fail(err)
		}
		if !ok {
			return nil
		}
	}
	if err := a.family.LeaveGroup(ctx); err != nil {
		return a.fail(err)
	}
	printlnFn("You left the family")
	return nil
}

// RegenerateCode replaces the invite code (admins only).
func (a *App) RegenerateCode(ctx context.Context) error {
	code, err := a.family.RegenerateCode(ctx)
	if err != nil {
		return a.fail(err)
	}
	printlnFn("New invite code:", code)
	return nil
}

// RemoveMember: remove <user id | name | roster number>
func (a *App) RemoveMember(ctx context.Context, args []string) error {
	who, err := argOrPrompt([]string{strings.Join(args, " ")}, 0, a.reader, "Member to remove", a.out)
	if err != nil {
		return a.fail(err)
	}
	m, ok := findMember(a.state.Snapshot().Roster, who)
	if !ok {
		printlnFn("No such member:", who)
		return nil
	}
	if err := a.family.RemoveMember(ctx, m.UserID); err != nil {
		return a.fail(err)
	}
	printlnFn("Removed", m.Name)
	return nil
}

func findMember(roster []models.RosterEntry, who string) (models.RosterEntry, bool) {
	if n, err := strconv.Atoi(who); err == nil && n >= 1 && n <= len(roster) {
		return roster[n-1], true
	}
	for _, m := range roster {
		if m.UserID == who || strings.EqualFold(m.Name, who) {
			return m, true
		}
	}
	return models.RosterEntry{}, false
}

// Search: search <term...>
func (a *App) Search(ctx context.Context, args []string) error {
	groups, err := a.family.SearchGroups(ctx, strings.Join(args, " "))
	if err != nil {
		return a.fail(err)
	}
	if len(groups) == 0 {
		printlnFn("No families found")
		return nil
	}
	for _, g := range groups {
		printlnFn(fmt.Sprintf("%-30s %s  %s", g.Name, g.Code, g.ID))
	}
	return nil
}

// Sync reloads the family from the backend.
func (a *App) Sync(ctx context.Context) error {
	if err := a.family.Resync(ctx); err != nil {
		return a.fail(err)
	}
	printlnFn("Family is up to date")
	return nil
}
