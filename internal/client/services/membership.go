package services

import (
	"context"
	"time"

	"github.com/dmitrijs2005/famsync/internal/client/client"
	"github.com/dmitrijs2005/famsync/internal/client/models"
	"github.com/dmitrijs2005/famsync/internal/client/state"
	"github.com/dmitrijs2005/famsync/internal/common"
	"github.com/dmitrijs2005/famsync/internal/logging"
	"github.com/dmitrijs2005/famsync/internal/retry"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

const (
	defaultOperationTimeout = 30 * time.Second
	codeAttempts            = 3
	searchLimit             = 10
)

// MembershipSynchronizer keeps the active family, the caller's role and the
// roster in the state store in line with the backend, and performs the
// family operations that change them.
type MembershipSynchronizer struct {
	data      client.Transport
	lookup    client.Selector
	state     *state.Store
	exec      *retry.Executor
	logger    logging.Logger
	opTimeout time.Duration
	newCode   func() (string, error)

	flight singleflight.Group
}

// NewMembershipSynchronizer wires a MembershipSynchronizer. lookup resolves
// join codes and is normally a client.Chain; opTimeout bounds create and
// join end to end.
func NewMembershipSynchronizer(
	data client.Transport,
	lookup client.Selector,
	st *state.Store,
	exec *retry.Executor,
	logger logging.Logger,
	opTimeout time.Duration,
) *MembershipSynchronizer {
	if opTimeout <= 0 {
		opTimeout = defaultOperationTimeout
	}
	return &MembershipSynchronizer{
		data:      data,
		lookup:    lookup,
		state:     st,
		exec:      exec,
		logger:    logger.With("component", "membership"),
		opTimeout: opTimeout,
		newCode:   common.GenerateCode,
	}
}

// LoadMembership fetches the user's membership, family and roster into the
// state store. No membership is not an error: the family view is cleared.
//
// Concurrent non-forced calls for the same user share one fetch, which is
// not cancelled when one of its callers gives up. Forced calls always fetch
// and may overlap; the last one to finish wins.
func (s *MembershipSynchronizer) LoadMembership(ctx context.Context, userID string, force bool) error {
	if userID == "" {
		s.state.ClearMembership()
		return nil
	}
	if force {
		return s.load(ctx, userID)
	}
	// The shared fetch outlives any single caller; each caller stops
	// waiting when its own ctx ends.
	shared := context.WithoutCancel(ctx)
	ch := s.flight.DoChan(userID, func() (any, error) {
		return nil, s.load(shared, userID)
	})
	select {
	case res := <-ch:
		if res.Shared {
			s.logger.Debug(ctx, "membership load coalesced", "user_id", userID)
		}
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resync reloads the membership of the signed-in user.
func (s *MembershipSynchronizer) Resync(ctx context.Context) error {
	return s.LoadMembership(ctx, s.state.Snapshot().UserID(), true)
}

func (s *MembershipSynchronizer) load(ctx context.Context, userID string) error {
	mine, err := s.selectMemberships(ctx, "load membership",
		client.From(common.TableMemberships).Eq("user_id", userID).Order("joined_at", false).Take(1))
	if err != nil {
		return err
	}
	if len(mine) == 0 {
		s.apply(userID, func() { s.state.ClearMembership() })
		return nil
	}
	ms := mine[0]

	groups, err := retry.Do(ctx, s.exec, "load group", func(ctx context.Context) ([]models.Group, error) {
		return client.SelectInto[models.Group](ctx, s.data, client.From(common.TableGroups).Eq("id", ms.GroupID).Take(1))
	})
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		s.logger.Warn(ctx, "membership points at a missing family", "group_id", ms.GroupID)
		s.apply(userID, func() { s.state.ClearMembership() })
		return nil
	}

	roster, err := s.loadRoster(ctx, ms.GroupID)
	if err != nil {
		return err
	}

	s.apply(userID, func() { s.state.SetMembership(&groups[0], ms.Role, roster) })
	s.logger.Debug(ctx, "membership loaded", "group_id", ms.GroupID, "members", len(roster))
	return nil
}

// apply runs fn unless the signed-in user changed while the fetch ran.
func (s *MembershipSynchronizer) apply(userID string, fn func()) {
	if s.state.Snapshot().UserID() != userID {
		return
	}
	fn()
}

func (s *MembershipSynchronizer) loadRoster(ctx context.Context, groupID string) ([]models.RosterEntry, error) {
	members, err := s.selectMemberships(ctx, "load roster",
		client.From(common.TableMemberships).Eq("group_id", groupID).Order("joined_at", false))
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.UserID
	}
	profiles, err := retry.Do(ctx, s.exec, "load roster profiles", func(ctx context.Context) ([]models.Profile, error) {
		return client.SelectInto[models.Profile](ctx, s.data, client.From(common.TableProfiles).In("id", ids))
	})
	if err != nil {
		return nil, err
	}
	byID := make(map[string]models.Profile, len(profiles))
	for _, p := range profiles {
		byID[p.ID] = p
	}

	roster := make([]models.RosterEntry, 0, len(members))
	for _, m := range members {
		p := byID[m.UserID]
		roster = append(roster, models.RosterEntry{
			UserID:    m.UserID,
			Name:      p.Name,
			AvatarURL: p.AvatarURL,
			Role:      m.Role,
			JoinedAt:  m.JoinedAt,
		})
	}
	return roster, nil
}

func (s *MembershipSynchronizer) selectMemberships(ctx context.Context, op string, q client.Query) ([]models.Membership, error) {
	return retry.Do(ctx, s.exec, op, func(ctx context.Context) ([]models.Membership, error) {
		return client.SelectInto[models.Membership](ctx, s.data, q)
	})
}

func (s *MembershipSynchronizer) currentUser(op string) (string, error) {
	uid := s.state.Snapshot().UserID()
	if uid == "" {
		return "", common.Auth(op, common.ErrNoSession)
	}
	return uid, nil
}

// CreateGroup creates a family named name with the caller as its admin.
// If the admin membership cannot be written the family is deleted again.
func (s *MembershipSynchronizer) CreateGroup(ctx context.Context, name string) (*models.Group, error) {
	const op = "create family"
	uid, err := s.currentUser(op)
	if err != nil {
		return nil, err
	}
	name = sanitizeName(name)
	if err := check(op, familyNameInput{Name: name}); err != nil {
		return nil, err
	}

	g, err := retry.RaceValue(ctx, s.opTimeout, func(ctx context.Context) (*models.Group, error) {
		return s.createGroup(ctx, uid, name)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info(ctx, "family created", "group_id", g.ID)

	if err := s.LoadMembership(ctx, uid, true); err != nil {
		s.logger.Warn(ctx, "reload after create failed", "error", err)
	}
	return g, nil
}

func (s *MembershipSynchronizer) createGroup(ctx context.Context, uid, name string) (*models.Group, error) {
	const op = "create family"

	mine, err := s.selectMemberships(ctx, "check membership",
		client.From(common.TableMemberships).Eq("user_id", uid).Take(1))
	if err != nil {
		return nil, err
	}
	if len(mine) > 0 {
		return nil, common.Conflict(op, common.ErrAlreadyInOtherGroup)
	}

	g, err := s.insertGroup(ctx, uid, name)
	if err != nil {
		return nil, err
	}

	_, err = retry.Do(ctx, s.exec, "create admin membership", func(ctx context.Context) ([]byte, error) {
		return s.data.Insert(ctx, common.TableMemberships, client.Row{
			"id":       uuid.NewString(),
			"group_id": g.ID,
			"user_id":  uid,
			"role":     string(models.RoleAdmin),
		})
	})
	if err != nil {
		s.logger.Warn(ctx, "admin membership failed, removing family", "group_id", g.ID, "error", err)
		cerr := s.exec.Execute(context.WithoutCancel(ctx), "remove orphan family", func(ctx context.Context) error {
			_, err := s.data.Delete(ctx, client.From(common.TableGroups).Eq("id", g.ID))
			return err
		})
		if cerr != nil {
			s.logger.Error(ctx, "orphan family left behind", "group_id", g.ID, "error", cerr)
		}
		return nil, err
	}
	return g, nil
}

// insertGroup inserts the family row, drawing a new join code when the
// previous one collided.
func (s *MembershipSynchronizer) insertGroup(ctx context.Context, uid, name string) (*models.Group, error) {
	var lastErr error
	for range codeAttempts {
		code, err := s.newCode()
		if err != nil {
			return nil, err
		}
		row := client.Row{
			"id":         uuid.NewString(),
			"name":       name,
			"code":       code,
			"created_by": uid,
		}
		data, err := retry.Do(ctx, s.exec, "insert family", func(ctx context.Context) ([]byte, error) {
			return s.data.Insert(ctx, common.TableGroups, row)
		})
		if common.KindOf(err) == common.KindConflict {
			s.logger.Debug(ctx, "join code collision", "code", code)
			lastErr = err
			continue
		}
		if err != nil {
			return nil, err
		}

		g, err := client.First[models.Group](data)
		if err != nil {
			return nil, err
		}
		if g == nil {
			g = &models.Group{ID: row["id"].(string), Name: name, Code: code, CreatedBy: uid}
		}
		return g, nil
	}
	return nil, lastErr
}

// JoinGroup joins the family identified by code. The code is resolved
// through the fallback chain; the caller must not already belong to this
// or any other family.
func (s *MembershipSynchronizer) JoinGroup(ctx context.Context, code string) (*models.Group, error) {
	const op = "join family"
	uid, err := s.currentUser(op)
	if err != nil {
		return nil, err
	}
	code = normalizeCode(code)
	if err := check(op, joinCodeInput{Code: code}); err != nil {
		return nil, err
	}

	g, err := retry.RaceValue(ctx, s.opTimeout, func(ctx context.Context) (*models.Group, error) {
		return s.joinGroup(ctx, uid, code)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info(ctx, "joined family", "group_id", g.ID)

	if err := s.LoadMembership(ctx, uid, true); err != nil {
		s.logger.Warn(ctx, "reload after join failed", "error", err)
	}
	return g, nil
}

func (s *MembershipSynchronizer) joinGroup(ctx context.Context, uid, code string) (*models.Group, error) {
	const op = "join family"

	g, err := s.resolveCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, common.Validation(op, common.ErrInvalidCode)
	}

	checks := s.exec.With(func(o *retry.Options) { o.MaxRetries = 1 })

	here, err := retry.Do(ctx, checks, "check family membership", func(ctx context.Context) ([]models.Membership, error) {
		return client.SelectInto[models.Membership](ctx, s.data,
			client.From(common.TableMemberships).Eq("user_id", uid).Eq("group_id", g.ID).Take(1))
	})
	if err != nil {
		return nil, err
	}
	if len(here) > 0 {
		return nil, common.Conflict(op, common.ErrAlreadyMember)
	}

	other, err := retry.Do(ctx, checks, "check other membership", func(ctx context.Context) ([]models.Membership, error) {
		return client.SelectInto[models.Membership](ctx, s.data,
			client.From(common.TableMemberships).Eq("user_id", uid).Take(1))
	})
	if err != nil {
		return nil, err
	}
	if len(other) > 0 {
		return nil, common.Conflict(op, common.ErrAlreadyInOtherGroup)
	}

	_, err = retry.Do(ctx, checks, "insert membership", func(ctx context.Context) ([]byte, error) {
		return s.data.Insert(ctx, common.TableMemberships, client.Row{
			"id":       uuid.NewString(),
			"group_id": g.ID,
			"user_id":  uid,
			"role":     string(models.RoleMember),
		})
	})
	if common.KindOf(err) == common.KindConflict {
		return nil, common.Conflict(op, common.ErrAlreadyMember).WithMsg(common.MessageOf(err))
	}
	if err != nil {
		return nil, err
	}
	return g, nil
}

func (s *MembershipSynchronizer) resolveCode(ctx context.Context, code string) (*models.Group, error) {
	data, err := s.lookup.Select(ctx, client.From(common.TableGroups).Eq("code", code).Take(1))
	if err != nil {
		return nil, err
	}
	return client.First[models.Group](data)
}

// LeaveGroup removes the caller's membership of the active family.
func (s *MembershipSynchronizer) LeaveGroup(ctx context.Context) error {
	const op = "leave family"
	snap := s.state.Snapshot()
	uid, gid := snap.UserID(), snap.GroupID()
	if uid == "" {
		return common.Auth(op, common.ErrNoSession)
	}
	if gid == "" {
		return common.Validation(op, common.ErrNoGroup)
	}

	err := s.exec.Execute(ctx, op, func(ctx context.Context) error {
		_, err := s.data.Delete(ctx, client.From(common.TableMemberships).Eq("user_id", uid).Eq("group_id", gid))
		return err
	})
	if err != nil {
		return err
	}
	s.logger.Info(ctx, "left family", "group_id", gid)
	return s.LoadMembership(ctx, uid, true)
}

// RegenerateCode gives the active family a new join code. Admin only.
func (s *MembershipSynchronizer) RegenerateCode(ctx context.Context) (string, error) {
	const op = "regenerate code"
	gid, err := s.requireAdmin(op)
	if err != nil {
		return "", err
	}

	var lastErr error
	for range codeAttempts {
		code, err := s.newCode()
		if err != nil {
			return "", err
		}
		err = s.exec.Execute(ctx, op, func(ctx context.Context) error {
			_, err := s.data.Update(ctx, client.From(common.TableGroups).Eq("id", gid), client.Row{"code": code})
			return err
		})
		if common.KindOf(err) == common.KindConflict {
			lastErr = err
			continue
		}
		if err != nil {
			return "", err
		}
		s.state.SetGroupCode(gid, code)
		return code, nil
	}
	return "", lastErr
}

// RemoveMember removes another member from the active family. Admin only.
func (s *MembershipSynchronizer) RemoveMember(ctx context.Context, userID string) error {
	const op = "remove member"
	gid, err := s.requireAdmin(op)
	if err != nil {
		return err
	}
	if userID == "" || userID == s.state.Snapshot().UserID() {
		return common.Validation(op, common.ErrValidation).WithMsg("choose another member; use leave to exit the family")
	}

	err = s.exec.Execute(ctx, op, func(ctx context.Context) error {
		_, err := s.data.Delete(ctx, client.From(common.TableMemberships).Eq("user_id", userID).Eq("group_id", gid))
		return err
	})
	if err != nil {
		return err
	}
	return s.Resync(ctx)
}

func (s *MembershipSynchronizer) requireAdmin(op string) (string, error) {
	snap := s.state.Snapshot()
	if snap.UserID() == "" {
		return "", common.Auth(op, common.ErrNoSession)
	}
	if snap.GroupID() == "" {
		return "", common.Validation(op, common.ErrNoGroup)
	}
	if snap.Role != models.RoleAdmin {
		return "", common.Validation(op, common.ErrNotAdmin)
	}
	return snap.GroupID(), nil
}

// SearchGroups finds families by id, or by a case-insensitive partial
// match on name or code.
func (s *MembershipSynchronizer) SearchGroups(ctx context.Context, term string) ([]models.Group, error) {
	const op = "search families"
	term = sanitizeName(term)
	if err := check(op, searchInput{Term: term}); err != nil {
		return nil, err
	}

	q := client.From(common.TableGroups).Take(searchLimit)
	if id, err := uuid.Parse(term); err == nil {
		q = q.Eq("id", id.String())
	} else {
		clean := sanitizeTerm(term)
		if err := check(op, searchInput{Term: clean}); err != nil {
			return nil, err
		}
		pattern := "%" + clean + "%"
		q = q.AnyOf(
			client.Filter{Column: "name", Op: client.OpILike, Value: pattern},
			client.Filter{Column: "code", Op: client.OpILike, Value: pattern},
		).Order("name", false)
	}

	return retry.Do(ctx, s.exec, op, func(ctx context.Context) ([]models.Group, error) {
		return client.SelectInto[models.Group](ctx, s.data, q)
	})
}
