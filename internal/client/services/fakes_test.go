package services

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/famsync/internal/client/client"
	"github.com/dmitrijs2005/famsync/internal/client/models"
	"github.com/dmitrijs2005/famsync/internal/client/state"
	"github.com/dmitrijs2005/famsync/internal/client/storage"
	"github.com/dmitrijs2005/famsync/internal/common"
	"github.com/dmitrijs2005/famsync/internal/cryptox"
	"github.com/dmitrijs2005/famsync/internal/logging"
	"github.com/dmitrijs2005/famsync/internal/retry"
	"github.com/stretchr/testify/require"
)

const ns = "famsync-test"

// fakeAuth is a scripted client.AuthAPI that records its calls.
type fakeAuth struct {
	mu sync.Mutex

	SignUpSession  *models.Session
	SignUpErr      error
	SignInSession  *models.Session
	SignInErr      error
	RefreshSession *models.Session
	RefreshErr     error
	UserResult     *models.User
	UserErr        error
	UserGate       chan struct{}
	SignOutErr     error
	RecoverErr     error

	SignUpCalls      int
	SignInCalls      int
	RefreshCalls     int
	UserCalls        int
	SignOutCalls     int
	RecoverCalls     int
	LastRefreshToken string
	LastSignOutToken string
}

func (f *fakeAuth) SignUp(_ context.Context, email, password string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SignUpCalls++
	return f.SignUpSession, f.SignUpErr
}

func (f *fakeAuth) SignInWithPassword(_ context.Context, email, password string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SignInCalls++
	if f.SignInErr != nil {
		return nil, f.SignInErr
	}
	return cloneSession(f.SignInSession), nil
}

func (f *fakeAuth) Refresh(_ context.Context, refreshToken string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RefreshCalls++
	f.LastRefreshToken = refreshToken
	if f.RefreshErr != nil {
		return nil, f.RefreshErr
	}
	return cloneSession(f.RefreshSession), nil
}

func (f *fakeAuth) SignOut(_ context.Context, accessToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SignOutCalls++
	f.LastSignOutToken = accessToken
	return f.SignOutErr
}

func (f *fakeAuth) User(ctx context.Context, accessToken string) (*models.User, error) {
	f.mu.Lock()
	gate := f.UserGate
	f.UserCalls++
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.UserErr != nil {
		return nil, f.UserErr
	}
	u := *f.UserResult
	return &u, nil
}

func (f *fakeAuth) RecoverPassword(_ context.Context, email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RecoverCalls++
	return f.RecoverErr
}

func (f *fakeAuth) calls(get func(f *fakeAuth) int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return get(f)
}

func cloneSession(s *models.Session) *models.Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.User != nil {
		u := *s.User
		c.User = &u
	}
	return &c
}

// fakeTransport is an in-memory table store implementing client.Transport.
// Filters are evaluated the way the backend would for the operators the
// services use. Errors queued in Fail are returned, in order, before the
// operation touches the tables.
type fakeTransport struct {
	mu     sync.Mutex
	name   string
	tables map[string][]client.Row
	seq    int

	// Fail maps "op table" (e.g. "insert memberships") to queued errors.
	Fail map[string][]error
	// Always maps "op table" to an error returned on every call.
	Always map[string]error
	// Gate, when set, blocks every select on the table until closed.
	Gate      chan struct{}
	GateTable string
	Entered   chan struct{}

	Calls   []string
	Selects []client.Query
}

func newFakeTransport(name string) *fakeTransport {
	return &fakeTransport{
		name:   name,
		tables: map[string][]client.Row{},
		Fail:   map[string][]error{},
		Always: map[string]error{},
	}
}

func (f *fakeTransport) Name() string { return f.name }

func (f *fakeTransport) seed(table string, rows ...client.Row) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range rows {
		f.tables[table] = append(f.tables[table], maps.Clone(r))
	}
}

func (f *fakeTransport) rows(table string) []client.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]client.Row, len(f.tables[table]))
	for i, r := range f.tables[table] {
		out[i] = maps.Clone(r)
	}
	return out
}

func (f *fakeTransport) count(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if c == call {
			n++
		}
	}
	return n
}

// begin records the call and pops a scripted failure. Must hold f.mu.
func (f *fakeTransport) begin(call string) error {
	f.Calls = append(f.Calls, call)
	if err := f.Always[call]; err != nil {
		return err
	}
	if q := f.Fail[call]; len(q) > 0 {
		f.Fail[call] = q[1:]
		return q[0]
	}
	return nil
}

func (f *fakeTransport) Select(ctx context.Context, q client.Query) ([]byte, error) {
	f.mu.Lock()
	gate, entered := f.Gate, f.Entered
	if gate != nil && f.GateTable != "" && f.GateTable != q.Table {
		gate = nil
	}
	f.mu.Unlock()

	if gate != nil {
		if entered != nil {
			select {
			case entered <- struct{}{}:
			default:
			}
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.Selects = append(f.Selects, q)
	if err := f.begin("select " + q.Table); err != nil {
		return nil, err
	}

	var out []client.Row
	for _, r := range f.tables[q.Table] {
		if matches(r, q) {
			out = append(out, r)
		}
	}
	if q.OrderBy != "" {
		slices.SortStableFunc(out, func(a, b client.Row) int {
			c := strings.Compare(fmt.Sprint(a[q.OrderBy]), fmt.Sprint(b[q.OrderBy]))
			if q.Desc {
				return -c
			}
			return c
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return marshalRows(out)
}

func (f *fakeTransport) Insert(_ context.Context, table string, row client.Row) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("insert " + table); err != nil {
		return nil, err
	}

	r := maps.Clone(row)
	if table == common.TableGroups {
		for _, g := range f.tables[table] {
			if g["code"] == r["code"] {
				return nil, common.Conflict("insert", fmt.Errorf("duplicate code")).WithMsg("23505")
			}
		}
	}
	f.seq++
	stamp := time.Date(2025, 1, 1, 0, 0, f.seq, 0, time.UTC).Format(time.RFC3339Nano)
	if _, ok := r["id"]; !ok {
		r["id"] = fmt.Sprintf("%s-%d", table, f.seq)
	}
	if table == common.TableMemberships {
		if _, ok := r["joined_at"]; !ok {
			r["joined_at"] = stamp
		}
	}
	if _, ok := r["created_at"]; !ok {
		r["created_at"] = stamp
	}
	f.tables[table] = append(f.tables[table], r)
	return marshalRows([]client.Row{r})
}

func (f *fakeTransport) Update(_ context.Context, q client.Query, row client.Row) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("update " + q.Table); err != nil {
		return nil, err
	}
	var out []client.Row
	for _, r := range f.tables[q.Table] {
		if matches(r, q) {
			maps.Copy(r, row)
			out = append(out, r)
		}
	}
	return marshalRows(out)
}

func (f *fakeTransport) Delete(_ context.Context, q client.Query) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("delete " + q.Table); err != nil {
		return nil, err
	}
	var kept, removed []client.Row
	for _, r := range f.tables[q.Table] {
		if matches(r, q) {
			removed = append(removed, r)
		} else {
			kept = append(kept, r)
		}
	}
	f.tables[q.Table] = kept
	return marshalRows(removed)
}

func marshalRows(rows []client.Row) ([]byte, error) {
	if rows == nil {
		rows = []client.Row{}
	}
	return json.Marshal(rows)
}

func matches(r client.Row, q client.Query) bool {
	for _, f := range q.Filters {
		if !matchFilter(r, f) {
			return false
		}
	}
	if len(q.Or) == 0 {
		return true
	}
	for _, f := range q.Or {
		if matchFilter(r, f) {
			return true
		}
	}
	return false
}

func matchFilter(r client.Row, f client.Filter) bool {
	got := fmt.Sprint(r[f.Column])
	switch f.Op {
	case client.OpEq:
		return got == fmt.Sprint(f.Value)
	case client.OpIn:
		return slices.Contains(f.Value.([]string), got)
	case client.OpILike:
		needle := strings.Trim(fmt.Sprint(f.Value), "%")
		return strings.Contains(strings.ToLower(got), strings.ToLower(needle))
	}
	return false
}

// kvRepo is an in-memory metadata.Repository with switchable failures.
type kvRepo struct {
	mu sync.Mutex
	m  map[string][]byte

	// IgnoreDeleteMany makes DeleteMany report success without deleting.
	IgnoreDeleteMany bool
	DeleteErr        error
	Cleared          int
}

func newKVRepo() *kvRepo { return &kvRepo{m: map[string][]byte{}} }

func (r *kvRepo) Get(_ context.Context, key string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.m[key], nil
}

func (r *kvRepo) Set(_ context.Context, key string, value []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[key] = value
	return nil
}

func (r *kvRepo) Delete(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.DeleteErr != nil {
		return r.DeleteErr
	}
	delete(r.m, key)
	return nil
}

func (r *kvRepo) DeleteMany(_ context.Context, keys []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.IgnoreDeleteMany {
		return nil
	}
	if r.DeleteErr != nil {
		return r.DeleteErr
	}
	for _, k := range keys {
		delete(r.m, k)
	}
	return nil
}

func (r *kvRepo) Keys(_ context.Context, prefix string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for k := range r.m {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (r *kvRepo) Clear(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Cleared++
	r.m = map[string][]byte{}
	return nil
}

func (r *kvRepo) has(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.m[key]
	return ok
}

var testSealer = sync.OnceValues(func() (*cryptox.Sealer, error) {
	return cryptox.NewSealer([]byte("test-secret"), []byte(ns))
})

func fastExecutor() *retry.Executor {
	return retry.New(retry.Options{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		MaxDelay:   2 * time.Millisecond,
		Timeout:    time.Second,
	}, logging.Discard())
}

func connErr(op string) error {
	return common.Connectivity(op, fmt.Errorf("connection refused"))
}

func verifiedUser(id string) *models.User {
	return &models.User{ID: id, Email: id + "@example.com", EmailConfirmed: true}
}

func liveSession(uid string) *models.Session {
	return &models.Session{
		AccessToken:  "access-" + uid,
		RefreshToken: "refresh-" + uid,
		TokenType:    "bearer",
		ExpiresAt:    time.Now().Add(time.Hour),
		User:         verifiedUser(uid),
	}
}

// signedIn puts a live session for uid into a fresh state store.
func signedIn(uid string) *state.Store {
	st := state.New()
	st.SetSession(liveSession(uid))
	st.SetAuthState(models.AuthAuthenticated)
	return st
}

type sessionFixture struct {
	auth     *fakeAuth
	data     *fakeTransport
	raw      *fakeTransport
	repo     *kvRepo
	store    *storage.ProtectedStore
	sessions *storage.SessionStore
	state    *state.Store
	mgr      *SessionManager
}

func newSessionFixture(t *testing.T, opts SessionOptions) *sessionFixture {
	t.Helper()
	sealer, err := testSealer()
	require.NoError(t, err)

	f := &sessionFixture{
		auth:  &fakeAuth{UserResult: verifiedUser("u1")},
		data:  newFakeTransport("primary"),
		raw:   newFakeTransport("raw"),
		repo:  newKVRepo(),
		state: state.New(),
	}
	f.store = storage.NewProtectedStore(f.repo, f.state, ns, nil, logging.Discard())
	f.sessions = storage.NewSessionStore(f.store, sealer, ns)
	f.mgr = NewSessionManager(f.auth, f.data, f.raw, f.sessions, f.store, f.state, fastExecutor(), logging.Discard(), opts)
	return f
}

func newMembershipFixture(t *testing.T, st *state.Store) (*MembershipSynchronizer, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport("primary")
	return NewMembershipSynchronizer(tr, tr, st, fastExecutor(), logging.Discard(), 5*time.Second), tr
}
