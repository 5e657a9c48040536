package storage

import (
	"context"

	"github.com/dmitrijs2005/famsync/internal/client/models"
	"github.com/dmitrijs2005/famsync/internal/common"
	"github.com/dmitrijs2005/famsync/internal/cryptox"
)

// SessionStore persists the sealed session under the credential key.
type SessionStore struct {
	store         *ProtectedStore
	sealer        *cryptox.Sealer
	key           string
	legacyToken   string
	legacyRefresh string
}

func NewSessionStore(store *ProtectedStore, sealer *cryptox.Sealer, namespace string) *SessionStore {
	keys := common.CredentialKeys(namespace)
	return &SessionStore{
		store:         store,
		sealer:        sealer,
		key:           keys[0],
		legacyToken:   keys[1],
		legacyRefresh: keys[2],
	}
}

// Load returns the persisted session, or (nil, nil) when none is stored.
// Undecryptable or undecodable data yields ErrCorruptCredential.
//
// Older clients stored the tokens in plain keys; when no sealed session
// exists those are returned as a session without a user, which the caller
// completes from the token claims and the auth API.
func (s *SessionStore) Load(ctx context.Context) (*models.Session, error) {
	data, err := s.store.Get(ctx, s.key)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return s.loadLegacy(ctx)
	}

	var sess models.Session
	if err := s.sealer.Open(data, &sess); err != nil {
		return nil, common.Validation("session.load", common.ErrCorruptCredential).WithMsg(err.Error())
	}
	return &sess, nil
}

func (s *SessionStore) loadLegacy(ctx context.Context) (*models.Session, error) {
	tok, err := s.store.Get(ctx, s.legacyToken)
	if err != nil || len(tok) == 0 {
		return nil, err
	}
	refresh, err := s.store.Get(ctx, s.legacyRefresh)
	if err != nil {
		return nil, err
	}
	return &models.Session{AccessToken: string(tok), RefreshToken: string(refresh), TokenType: "bearer"}, nil
}

// Save seals and stores sess.
func (s *SessionStore) Save(ctx context.Context, sess *models.Session) error {
	data, err := s.sealer.Seal(sess)
	if err != nil {
		return err
	}
	return s.store.Set(ctx, s.key, data)
}

// Remove deletes every credential key, current and legacy, subject to the
// protected store rules.
func (s *SessionStore) Remove(ctx context.Context) error {
	return s.store.RemoveMany(ctx, s.store.CredentialKeys())
}

// AccessToken returns the persisted access token for raw requests.
func (s *SessionStore) AccessToken(ctx context.Context) (string, error) {
	sess, err := s.Load(ctx)
	if err != nil {
		return "", err
	}
	if sess == nil || sess.AccessToken == "" {
		return "", common.Auth("session.token", common.ErrNoSession)
	}
	return sess.AccessToken, nil
}
