// Package storage guards the persisted key/value store against deleting a
// live credential out from under the user.
package storage

import (
	"context"
	"slices"

	"github.com/dmitrijs2005/famsync/internal/client/models"
	"github.com/dmitrijs2005/famsync/internal/client/repositories/metadata"
	"github.com/dmitrijs2005/famsync/internal/common"
	"github.com/dmitrijs2005/famsync/internal/logging"
)

// DefaultProtectedRoutes are the screens during which a live credential is
// never deleted.
var DefaultProtectedRoutes = []models.Route{
	"onboarding",
	"profile-setup",
	"family-setup",
	"create-family",
	"join-family",
	"verify-email",
}

// Guard reports the two facts a credential deletion depends on.
// *state.Store implements it.
type Guard interface {
	Route() models.Route
	HasLiveSession() bool
}

// ProtectedStore wraps a metadata.Repository. Deleting a credential key is
// skipped while the user is on a protected route with a live session; in
// every other situation deletions go through.
type ProtectedStore struct {
	repo      metadata.Repository
	guard     Guard
	logger    logging.Logger
	credKeys  []string
	protected map[models.Route]struct{}
}

func NewProtectedStore(repo metadata.Repository, guard Guard, namespace string, routes []models.Route, logger logging.Logger) *ProtectedStore {
	if routes == nil {
		routes = DefaultProtectedRoutes
	}
	p := make(map[models.Route]struct{}, len(routes))
	for _, r := range routes {
		p[r] = struct{}{}
	}
	return &ProtectedStore{
		repo:      repo,
		guard:     guard,
		logger:    logger,
		credKeys:  common.CredentialKeys(namespace),
		protected: p,
	}
}

// IsProtectedRoute reports whether r is on the allow-list.
func (s *ProtectedStore) IsProtectedRoute(r models.Route) bool {
	_, ok := s.protected[r]
	return ok
}

// Guarded reports whether credential deletion is currently blocked.
func (s *ProtectedStore) Guarded() bool {
	return s.IsProtectedRoute(s.guard.Route()) && s.guard.HasLiveSession()
}

// IsCredentialKey reports whether key may hold credential material.
func (s *ProtectedStore) IsCredentialKey(key string) bool {
	return slices.Contains(s.credKeys, key)
}

// CredentialKeys returns every key that may hold credential material.
func (s *ProtectedStore) CredentialKeys() []string {
	return slices.Clone(s.credKeys)
}

func (s *ProtectedStore) Get(ctx context.Context, key string) ([]byte, error) {
	return s.repo.Get(ctx, key)
}

func (s *ProtectedStore) Set(ctx context.Context, key string, value []byte) error {
	return s.repo.Set(ctx, key, value)
}

func (s *ProtectedStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	return s.repo.Keys(ctx, prefix)
}

// Remove deletes key unless it is a credential key and deletion is guarded.
func (s *ProtectedStore) Remove(ctx context.Context, key string) error {
	if s.IsCredentialKey(key) && s.Guarded() {
		s.logger.Warn(ctx, "credential removal blocked", "key", key, "route", s.guard.Route())
		return nil
	}
	return s.repo.Delete(ctx, key)
}

// RemoveMany deletes keys, skipping credential keys while guarded.
func (s *ProtectedStore) RemoveMany(ctx context.Context, keys []string) error {
	return s.repo.DeleteMany(ctx, s.allowed(ctx, keys))
}

// Clear with explicit keys behaves like RemoveMany. Without keys it wipes
// the whole store, or does nothing while guarded.
func (s *ProtectedStore) Clear(ctx context.Context, keys ...string) error {
	if len(keys) > 0 {
		return s.RemoveMany(ctx, keys)
	}
	if s.Guarded() {
		s.logger.Warn(ctx, "store clear blocked", "route", s.guard.Route())
		return nil
	}
	return s.repo.Clear(ctx)
}

func (s *ProtectedStore) allowed(ctx context.Context, keys []string) []string {
	if !s.Guarded() {
		return keys
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if s.IsCredentialKey(k) {
			s.logger.Warn(ctx, "credential removal blocked", "key", k, "route", s.guard.Route())
			continue
		}
		out = append(out, k)
	}
	return out
}
