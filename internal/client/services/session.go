// Package services contains the famsync client's application services:
// the session lifecycle, family membership synchronization and the
// realtime reconciler that keeps the membership view current.
package services

import (
	"context"
	"errors"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/famsync/internal/client/client"
	"github.com/dmitrijs2005/famsync/internal/client/models"
	"github.com/dmitrijs2005/famsync/internal/client/state"
	"github.com/dmitrijs2005/famsync/internal/client/storage"
	"github.com/dmitrijs2005/famsync/internal/common"
	"github.com/dmitrijs2005/famsync/internal/logging"
	"github.com/dmitrijs2005/famsync/internal/retry"
	"github.com/golang-jwt/jwt/v5"
)

// SessionOptions tunes SessionManager timing. Zero values take defaults.
type SessionOptions struct {
	// FallbackTimeout forces the auth state out of loading at startup.
	FallbackTimeout time.Duration
	// RefreshLeeway is how long before expiry the access token is refreshed.
	RefreshLeeway time.Duration
}

const (
	defaultFallbackTimeout = 8 * time.Second
	defaultRefreshLeeway   = time.Minute
)

// SessionManager owns the authentication lifecycle.
//
// Contract:
//   - LoadInitialSession: restore the persisted session once at startup.
//   - HandleAuthEvent: apply a session change; unverified users are signed out.
//   - SignUp / SignIn: validate locally, then call the auth API.
//   - SignOut: revoke and forget the session, honoring protected routes.
//   - UpdateProfile / EnsureProfile: maintain the user's profile row.
//   - RunTokenRefresher: keep the access token fresh until ctx is done.
//
// Only SessionManager writes the session, auth state and profile of the
// state store.
type SessionManager struct {
	auth     client.AuthAPI
	data     client.Transport
	raw      client.Transport
	sessions *storage.SessionStore
	store    *storage.ProtectedStore
	state    *state.Store
	exec     *retry.Executor
	logger   logging.Logger

	fallback time.Duration
	leeway   time.Duration
	now      func() time.Time

	mu        sync.Mutex
	listeners []func(ctx context.Context, userID string)
}

// NewSessionManager wires a SessionManager. raw may be nil, in which case
// profile updates have no fallback path.
func NewSessionManager(
	auth client.AuthAPI,
	data, raw client.Transport,
	sessions *storage.SessionStore,
	store *storage.ProtectedStore,
	st *state.Store,
	exec *retry.Executor,
	logger logging.Logger,
	opts SessionOptions,
) *SessionManager {
	if opts.FallbackTimeout <= 0 {
		opts.FallbackTimeout = defaultFallbackTimeout
	}
	if opts.RefreshLeeway <= 0 {
		opts.RefreshLeeway = defaultRefreshLeeway
	}
	return &SessionManager{
		auth:     auth,
		data:     data,
		raw:      raw,
		sessions: sessions,
		store:    store,
		state:    st,
		exec:     exec,
		logger:   logger.With("component", "session"),
		fallback: opts.FallbackTimeout,
		leeway:   opts.RefreshLeeway,
		now:      time.Now,
	}
}

// OnAuthenticated registers fn to run after a sign-in or a restored session.
func (m *SessionManager) OnAuthenticated(fn func(ctx context.Context, userID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *SessionManager) notify(ctx context.Context, userID string) {
	m.mu.Lock()
	ls := append([]func(context.Context, string){}, m.listeners...)
	m.mu.Unlock()
	for _, fn := range ls {
		fn(ctx, userID)
	}
}

// LoadInitialSession restores the persisted session, refreshing it when
// expired and verifying the user with the auth API.
//
// A connectivity failure, an auth failure or a corrupt credential removes
// the stored credential and resolves to unauthenticated; only the
// connectivity failure is returned. A fallback timer moves the state out of
// loading if restoring takes too long; it resolves to authenticated when a
// live session is already in memory and never clears one.
func (m *SessionManager) LoadInitialSession(ctx context.Context) error {
	m.state.SetAuthState(models.AuthLoading)

	timer := time.AfterFunc(m.fallback, func() {
		m.resolveLoading(ctx, "fallback timer")
	})
	defer timer.Stop()

	sess, err := retry.Do(ctx, m.exec, "restore session", m.restore)
	if err == nil {
		if sess == nil {
			m.resolveLoading(ctx, "no stored session")
			return nil
		}
		return m.HandleAuthEvent(ctx, models.EventInitialSession, sess)
	}

	kind := common.KindOf(err)
	if errors.Is(err, common.ErrCorruptCredential) || kind == common.KindAuth || kind == common.KindConnectivity {
		m.logger.Warn(ctx, "stored session unusable", "error", err)
		if !m.state.HasLiveSession() {
			if cerr := m.purgeCredentials(ctx); cerr != nil {
				m.logger.Error(ctx, "credential cleanup failed", "error", cerr)
			}
		}
		m.resolveLoading(ctx, "restore failed")
		if kind == common.KindConnectivity {
			return err
		}
		return nil
	}

	m.state.CompareAndSetAuthState(models.AuthLoading, models.AuthError)
	return err
}

// resolveLoading leaves the loading state, preferring authenticated when a
// live session is in memory.
func (m *SessionManager) resolveLoading(ctx context.Context, reason string) {
	next := models.AuthUnauthenticated
	if m.state.HasLiveSession() {
		next = models.AuthAuthenticated
	}
	if m.state.CompareAndSetAuthState(models.AuthLoading, next) {
		m.logger.Info(ctx, "auth state resolved", "state", next, "reason", reason)
	}
}

func (m *SessionManager) restore(ctx context.Context) (*models.Session, error) {
	sess, err := m.sessions.Load(ctx)
	if err != nil || sess == nil {
		return nil, err
	}
	applyClaims(sess)

	if sess.Expired(m.now()) {
		if sess.RefreshToken == "" {
			return nil, common.Auth("restore session", common.ErrNoSession).WithMsg("session expired")
		}
		refreshed, err := m.auth.Refresh(ctx, sess.RefreshToken)
		if err != nil {
			return nil, err
		}
		if refreshed.User == nil {
			refreshed.User = sess.User
		}
		sess = refreshed
		// The old refresh token is spent; keep the new one even if the
		// user lookup below fails and the attempt is retried.
		if err := m.sessions.Save(ctx, sess); err != nil {
			m.logger.Warn(ctx, "persist refreshed session failed", "error", err)
		}
	}

	user, err := m.auth.User(ctx, sess.AccessToken)
	if err != nil {
		return nil, err
	}
	sess.User = user
	return sess, nil
}

// HandleAuthEvent applies a session change. signed_out clears in-memory
// state at once. A session whose user is unverified triggers a forced
// sign-out and the event is discarded with ErrEmailNotVerified.
func (m *SessionManager) HandleAuthEvent(ctx context.Context, event models.AuthEvent, sess *models.Session) error {
	m.logger.Debug(ctx, "auth event", "event", event)

	if event == models.EventSignedOut {
		m.state.ClearSession()
		m.state.SetAuthState(models.AuthUnauthenticated)
		return nil
	}

	if sess == nil || sess.AccessToken == "" {
		if !m.state.HasLiveSession() {
			m.state.SetAuthState(models.AuthUnauthenticated)
		}
		return nil
	}

	prev := m.state.Session()
	if sess.User == nil && prev != nil {
		sess.User = prev.User
	}
	if sess.User == nil {
		user, err := retry.Do(ctx, m.exec, "load user", func(ctx context.Context) (*models.User, error) {
			return m.auth.User(ctx, sess.AccessToken)
		})
		if err != nil {
			return err
		}
		sess.User = user
	}

	if !sess.User.Verified() {
		m.logger.Warn(ctx, "unverified user, forcing sign-out", "event", event, "user_id", sess.UserID())
		if err := m.signOut(ctx, sess.AccessToken); err != nil {
			m.logger.Error(ctx, "forced sign-out cleanup failed", "error", err)
		}
		return common.Auth(string(event), common.ErrEmailNotVerified)
	}

	if event == models.EventSignedIn || event == models.EventInitialSession {
		m.state.SetAuthState(models.AuthLoading)
	}
	if err := m.sessions.Save(ctx, sess); err != nil {
		m.logger.Warn(ctx, "persist session failed", "error", err)
	}
	m.state.SetSession(sess)
	m.state.SetAuthState(models.AuthAuthenticated)

	switch {
	case event == models.EventSignedIn || event == models.EventInitialSession:
	case event == models.EventUserUpdated && prev.UserID() != sess.UserID():
	default:
		return nil
	}
	if _, err := m.EnsureProfile(ctx); err != nil {
		m.logger.Warn(ctx, "ensure profile failed", "error", err)
	}
	m.notify(ctx, sess.UserID())
	return nil
}

// SignUp registers a new account. When the backend requires email
// confirmation the returned session carries only the user.
func (m *SessionManager) SignUp(ctx context.Context, email, password string) (*models.Session, error) {
	const op = "sign up"
	email = strings.TrimSpace(email)
	if err := check(op, credentialsInput{Email: email, Password: password}); err != nil {
		return nil, err
	}

	sess, err := retry.Do(ctx, m.exec, op, func(ctx context.Context) (*models.Session, error) {
		return m.auth.SignUp(ctx, email, password)
	})
	if err != nil {
		return nil, mapAuthError(op, err)
	}
	if sess == nil || sess.AccessToken == "" {
		m.logger.Info(ctx, "sign-up pending email confirmation", "email", email)
		return sess, nil
	}
	if err := m.HandleAuthEvent(ctx, models.EventSignedIn, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// SignIn authenticates with email and password.
func (m *SessionManager) SignIn(ctx context.Context, email, password string) (*models.Session, error) {
	const op = "sign in"
	email = strings.TrimSpace(email)
	if err := check(op, credentialsInput{Email: email, Password: password}); err != nil {
		return nil, err
	}

	sess, err := retry.Do(ctx, m.exec, op, func(ctx context.Context) (*models.Session, error) {
		return m.auth.SignInWithPassword(ctx, email, password)
	})
	if err != nil {
		return nil, mapAuthError(op, err)
	}
	if err := m.HandleAuthEvent(ctx, models.EventSignedIn, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// RequestPasswordReset asks the backend to email a recovery link.
func (m *SessionManager) RequestPasswordReset(ctx context.Context, email string) error {
	const op = "password reset"
	email = strings.TrimSpace(email)
	if err := check(op, emailInput{Email: email}); err != nil {
		return err
	}
	err := m.exec.Execute(ctx, op, func(ctx context.Context) error {
		return m.auth.RecoverPassword(ctx, email)
	})
	if err != nil {
		return mapAuthError(op, err)
	}
	return nil
}

// SignOut ends the session. Unless force is set it does nothing while the
// user is on a protected route with a live session. Remote revocation is
// best effort; in-memory state is always cleared and the persisted
// credential keys are removed.
func (m *SessionManager) SignOut(ctx context.Context, force bool) error {
	if !force && m.store.Guarded() {
		m.logger.Info(ctx, "sign-out skipped on protected route", "route", m.state.Route())
		return nil
	}
	var token string
	if s := m.state.Session(); s != nil {
		token = s.AccessToken
	}
	return m.signOut(ctx, token)
}

func (m *SessionManager) signOut(ctx context.Context, token string) error {
	if token != "" {
		once := m.exec.With(func(o *retry.Options) { o.MaxRetries = 0 })
		err := once.Execute(ctx, "remote sign out", func(ctx context.Context) error {
			return m.auth.SignOut(ctx, token)
		})
		if err != nil {
			m.logger.Warn(ctx, "remote sign-out failed", "error", err)
		}
	}

	m.state.ClearSession()
	m.state.SetAuthState(models.AuthUnauthenticated)
	return m.purgeCredentials(ctx)
}

// purgeCredentials removes every credential key, checks each one is gone,
// and wipes the whole store only if a key survives.
func (m *SessionManager) purgeCredentials(ctx context.Context) error {
	keys := m.store.CredentialKeys()
	if err := m.store.RemoveMany(ctx, keys); err != nil {
		m.logger.Warn(ctx, "credential removal failed", "error", err)
	}

	survived := 0
	for _, k := range keys {
		v, err := m.store.Get(ctx, k)
		if err == nil && v == nil {
			continue
		}
		if err := m.store.Remove(ctx, k); err != nil {
			m.logger.Warn(ctx, "credential key removal failed", "key", k, "error", err)
			survived++
			continue
		}
		if v, err := m.store.Get(ctx, k); err != nil || v != nil {
			survived++
		}
	}
	if survived == 0 || m.store.Guarded() {
		return nil
	}

	m.logger.Warn(ctx, "credential keys survived removal, clearing store", "count", survived)
	return m.store.Clear(ctx)
}

// UpdateProfile writes patch to the user's profile row, creating the row if
// it does not exist. The primary transport is tried under the retry policy;
// on failure the raw transport is tried once. The in-memory profile is
// replaced with the row the backend returned.
func (m *SessionManager) UpdateProfile(ctx context.Context, patch models.ProfileUpdate) (*models.Profile, error) {
	const op = "update profile"
	sess := m.state.Session()
	if !sess.Valid(m.now()) {
		return nil, common.Auth(op, common.ErrNoSession)
	}
	if err := check(op, patch); err != nil {
		return nil, err
	}
	row := client.Row(patch.Fields())
	if len(row) == 0 {
		return nil, common.Validation(op, common.ErrValidation).WithMsg("nothing to update")
	}

	uid := sess.UserID()
	p, err := retry.Do(ctx, m.exec, op, func(ctx context.Context) (*models.Profile, error) {
		return upsertProfile(ctx, m.data, uid, row)
	})
	if err != nil && m.raw != nil {
		m.logger.Warn(ctx, "profile update failed, retrying over raw transport",
			"transport", m.data.Name(), "error", err)
		once := m.exec.With(func(o *retry.Options) { o.MaxRetries = 0 })
		var rawErr error
		p, rawErr = retry.Do(ctx, once, op+" (raw)", func(ctx context.Context) (*models.Profile, error) {
			return upsertProfile(ctx, m.raw, uid, row)
		})
		if rawErr == nil {
			err = nil
		} else {
			m.logger.Warn(ctx, "raw profile update failed", "error", rawErr)
		}
	}
	if err != nil {
		return nil, err
	}

	m.state.SetProfile(p)
	return p, nil
}

func upsertProfile(ctx context.Context, tr client.Transport, uid string, row client.Row) (*models.Profile, error) {
	byID := client.From(common.TableProfiles).Eq("id", uid)
	existing, err := client.SelectInto[models.Profile](ctx, tr, byID.Take(1))
	if err != nil {
		return nil, err
	}

	var data []byte
	if len(existing) > 0 {
		data, err = tr.Update(ctx, byID, row)
	} else {
		ins := maps.Clone(row)
		ins["id"] = uid
		data, err = tr.Insert(ctx, common.TableProfiles, ins)
	}
	if err != nil {
		return nil, err
	}

	p, err := client.First[models.Profile](data)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, common.NewError(common.KindBackend, "update profile", common.ErrBackend).WithMsg("no profile row returned")
	}
	return p, nil
}

// EnsureProfile loads the user's profile, creating it with a name taken
// from the email's local part when it does not exist yet.
func (m *SessionManager) EnsureProfile(ctx context.Context) (*models.Profile, error) {
	const op = "ensure profile"
	sess := m.state.Session()
	uid := sess.UserID()
	if uid == "" {
		return nil, common.Auth(op, common.ErrNoSession)
	}

	q := client.From(common.TableProfiles).Eq("id", uid).Take(1)
	load := func(ctx context.Context) ([]models.Profile, error) {
		return client.SelectInto[models.Profile](ctx, m.data, q)
	}
	rows, err := retry.Do(ctx, m.exec, "load profile", load)
	if err != nil {
		return nil, err
	}
	if len(rows) > 0 {
		m.state.SetProfile(&rows[0])
		return &rows[0], nil
	}

	name := defaultProfileName(sess.User.Email)
	data, err := retry.Do(ctx, m.exec, "create profile", func(ctx context.Context) ([]byte, error) {
		return m.data.Insert(ctx, common.TableProfiles, client.Row{"id": uid, "name": name})
	})
	if common.KindOf(err) == common.KindConflict {
		// Created concurrently by another client of the same user.
		rows, err = retry.Do(ctx, m.exec, "load profile", load)
		if err != nil {
			return nil, err
		}
		if len(rows) > 0 {
			m.state.SetProfile(&rows[0])
			return &rows[0], nil
		}
	}
	if err != nil {
		return nil, err
	}

	p, err := client.First[models.Profile](data)
	if err != nil {
		return nil, err
	}
	if p == nil {
		p = &models.Profile{ID: uid, Name: name}
	}
	m.logger.Info(ctx, "profile created", "user_id", uid)
	m.state.SetProfile(p)
	return p, nil
}

func defaultProfileName(email string) string {
	local, _, _ := strings.Cut(email, "@")
	if local == "" {
		return "Member"
	}
	return local
}

// RefreshSession exchanges the refresh token for a new session. An auth
// failure means the refresh token is dead and forces a sign-out.
func (m *SessionManager) RefreshSession(ctx context.Context) error {
	const op = "refresh session"
	cur := m.state.Session()
	if cur == nil || cur.RefreshToken == "" {
		return common.Auth(op, common.ErrNoSession)
	}

	sess, err := retry.Do(ctx, m.exec, op, func(ctx context.Context) (*models.Session, error) {
		return m.auth.Refresh(ctx, cur.RefreshToken)
	})
	if err != nil {
		if common.KindOf(err) == common.KindAuth {
			m.logger.Warn(ctx, "refresh rejected, signing out", "error", err)
			if serr := m.signOut(ctx, ""); serr != nil {
				m.logger.Error(ctx, "sign-out cleanup failed", "error", serr)
			}
		}
		return err
	}
	if sess.User == nil {
		sess.User = cur.User
	}
	return m.HandleAuthEvent(ctx, models.EventTokenRefreshed, sess)
}

// RunTokenRefresher refreshes the access token RefreshLeeway before it
// expires, for as long as ctx is alive. A failed refresh that is not an
// auth failure is retried after the executor's maximum delay.
func (m *SessionManager) RunTokenRefresher(ctx context.Context) error {
	snaps, stop := m.state.Watch()
	defer stop()

	for {
		var (
			timer *time.Timer
			due   <-chan time.Time
		)
		if s := m.state.Session(); s != nil && s.RefreshToken != "" && !s.ExpiresAt.IsZero() {
			timer = time.NewTimer(max(0, s.ExpiresAt.Add(-m.leeway).Sub(m.now())))
			due = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return ctx.Err()
		case <-snaps:
			stopTimer(timer)
		case <-due:
			err := m.RefreshSession(ctx)
			if err == nil || common.KindOf(err) == common.KindAuth {
				continue
			}
			m.logger.Warn(ctx, "token refresh failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.exec.Options().MaxDelay):
			}
		}
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

type accessClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
}

// applyClaims fills a missing expiry and user from the access token. The
// token is not verified; the backend does that on every request.
func applyClaims(sess *models.Session) {
	var c accessClaims
	if _, _, err := jwt.NewParser().ParseUnverified(sess.AccessToken, &c); err != nil {
		return
	}
	if sess.ExpiresAt.IsZero() && c.ExpiresAt != nil {
		sess.ExpiresAt = c.ExpiresAt.Time
	}
	if sess.User == nil && c.Subject != "" {
		sess.User = &models.User{ID: c.Subject, Email: c.Email}
	}
}

// mapAuthError translates auth backend messages into the client's error
// vocabulary. Unknown errors are returned unchanged.
func mapAuthError(op string, err error) error {
	msg := strings.ToLower(err.Error())
	detail := common.MessageOf(err)
	switch {
	case containsAny(msg, "already registered", "already been registered", "user already exists"):
		return common.Conflict(op, common.ErrAlreadyRegistered).WithMsg(detail)
	case containsAny(msg, "invalid login credentials", "invalid email or password", "invalid credentials"):
		return common.Auth(op, common.ErrInvalidCredentials).WithMsg(detail)
	case containsAny(msg, "email not confirmed", "email not verified"):
		return common.Auth(op, common.ErrEmailNotVerified).WithMsg(detail)
	case containsAny(msg, "rate limit", "too many requests", "for security purposes"):
		return common.NewError(common.KindBackend, op, common.ErrRateLimited).WithMsg(detail)
	}
	return err
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
