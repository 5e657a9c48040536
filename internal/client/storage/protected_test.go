package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/dmitrijs2005/famsync/internal/client/models"
	"github.com/dmitrijs2005/famsync/internal/common"
	"github.com/dmitrijs2005/famsync/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memRepo is an in-memory metadata.Repository.
type memRepo struct {
	mu        sync.Mutex
	m         map[string][]byte
	deleteErr error
	cleared   int
}

func newMemRepo() *memRepo { return &memRepo{m: map[string][]byte{}} }

func (r *memRepo) Get(_ context.Context, key string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.m[key], nil
}

func (r *memRepo) Set(_ context.Context, key string, value []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[key] = value
	return nil
}

func (r *memRepo) Delete(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deleteErr != nil {
		return r.deleteErr
	}
	delete(r.m, key)
	return nil
}

func (r *memRepo) DeleteMany(ctx context.Context, keys []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deleteErr != nil {
		return r.deleteErr
	}
	for _, k := range keys {
		delete(r.m, k)
	}
	return nil
}

func (r *memRepo) Keys(_ context.Context, prefix string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for k := range r.m {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (r *memRepo) Clear(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleared++
	r.m = map[string][]byte{}
	return nil
}

type fakeGuard struct {
	route models.Route
	live  bool
}

func (g *fakeGuard) Route() models.Route  { return g.route }
func (g *fakeGuard) HasLiveSession() bool { return g.live }

const ns = "test"

func seeded(t *testing.T) *memRepo {
	t.Helper()
	r := newMemRepo()
	for _, k := range append(common.CredentialKeys(ns), common.PreferenceKey(ns, "theme")) {
		r.m[k] = []byte("v")
	}
	return r
}

func TestProtectedStore_RemoveCredential_Matrix(t *testing.T) {
	tests := []struct {
		name        string
		route       models.Route
		live        bool
		wantRemoved bool
	}{
		{name: "protected route and live session blocks", route: "onboarding", live: true, wantRemoved: false},
		{name: "protected route without session proceeds", route: "onboarding", live: false, wantRemoved: true},
		{name: "plain route with session proceeds", route: "home", live: true, wantRemoved: true},
		{name: "plain route without session proceeds", route: "home", live: false, wantRemoved: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := seeded(t)
			s := NewProtectedStore(repo, &fakeGuard{route: tt.route, live: tt.live}, ns, nil, logging.Discard())

			require.NoError(t, s.Remove(context.Background(), common.CredentialKey(ns)))

			_, present := repo.m[common.CredentialKey(ns)]
			assert.Equal(t, !tt.wantRemoved, present)
		})
	}
}

func TestProtectedStore_NonCredentialKeysAlwaysRemovable(t *testing.T) {
	repo := seeded(t)
	s := NewProtectedStore(repo, &fakeGuard{route: "onboarding", live: true}, ns, nil, logging.Discard())

	require.NoError(t, s.Remove(context.Background(), common.PreferenceKey(ns, "theme")))
	assert.NotContains(t, repo.m, common.PreferenceKey(ns, "theme"))
}

func TestProtectedStore_RemoveManyFiltersCredentialsWhenGuarded(t *testing.T) {
	repo := seeded(t)
	s := NewProtectedStore(repo, &fakeGuard{route: "join-family", live: true}, ns, nil, logging.Discard())

	keys := append(common.CredentialKeys(ns), common.PreferenceKey(ns, "theme"))
	require.NoError(t, s.RemoveMany(context.Background(), keys))

	for _, k := range common.CredentialKeys(ns) {
		assert.Contains(t, repo.m, k)
	}
	assert.NotContains(t, repo.m, common.PreferenceKey(ns, "theme"))
}

func TestProtectedStore_Clear(t *testing.T) {
	t.Run("guarded without keys is a no-op", func(t *testing.T) {
		repo := seeded(t)
		s := NewProtectedStore(repo, &fakeGuard{route: "verify-email", live: true}, ns, nil, logging.Discard())

		require.NoError(t, s.Clear(context.Background()))
		assert.Equal(t, 0, repo.cleared)
		assert.Len(t, repo.m, 5)
	})

	t.Run("guarded with keys removes only non-credential keys", func(t *testing.T) {
		repo := seeded(t)
		s := NewProtectedStore(repo, &fakeGuard{route: "verify-email", live: true}, ns, nil, logging.Discard())

		require.NoError(t, s.Clear(context.Background(), common.CredentialKey(ns), common.PreferenceKey(ns, "theme")))
		assert.Contains(t, repo.m, common.CredentialKey(ns))
		assert.NotContains(t, repo.m, common.PreferenceKey(ns, "theme"))
	})

	t.Run("unguarded wipes everything", func(t *testing.T) {
		repo := seeded(t)
		s := NewProtectedStore(repo, &fakeGuard{route: "home", live: true}, ns, nil, logging.Discard())

		require.NoError(t, s.Clear(context.Background()))
		assert.Equal(t, 1, repo.cleared)
		assert.Empty(t, repo.m)
	})
}

func TestProtectedStore_CustomRoutes(t *testing.T) {
	repo := seeded(t)
	s := NewProtectedStore(repo, &fakeGuard{route: "checkout", live: true}, ns, []models.Route{"checkout"}, logging.Discard())

	assert.True(t, s.Guarded())
	assert.False(t, s.IsProtectedRoute("onboarding"))
}

func TestProtectedStore_RepoErrorsPropagate(t *testing.T) {
	repo := seeded(t)
	repo.deleteErr = errors.New("disk full")
	s := NewProtectedStore(repo, &fakeGuard{route: "home"}, ns, nil, logging.Discard())

	require.ErrorContains(t, s.Remove(context.Background(), common.CredentialKey(ns)), "disk full")
}
