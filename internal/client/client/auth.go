package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dmitrijs2005/famsync/internal/client/models"
	"github.com/dmitrijs2005/famsync/internal/common"
	"github.com/dmitrijs2005/famsync/internal/netx"
)

// AuthAPI is the auth backend contract.
type AuthAPI interface {
	// SignUp registers a user. The returned session has no access token
	// when the backend requires email confirmation first.
	SignUp(ctx context.Context, email, password string) (*models.Session, error)
	SignInWithPassword(ctx context.Context, email, password string) (*models.Session, error)
	Refresh(ctx context.Context, refreshToken string) (*models.Session, error)
	SignOut(ctx context.Context, accessToken string) error
	User(ctx context.Context, accessToken string) (*models.User, error)
	RecoverPassword(ctx context.Context, email string) error
}

// GoTrue implements AuthAPI over the /auth/v1 HTTP API.
type GoTrue struct {
	ep  Endpoint
	hc  *http.Client
	now func() time.Time
}

func NewGoTrue(ep Endpoint, hc *http.Client) (*GoTrue, error) {
	if err := ep.Validate(); err != nil {
		return nil, err
	}
	if hc == nil {
		hc = &http.Client{}
	}
	return &GoTrue{ep: ep, hc: hc, now: time.Now}, nil
}

type tokenResponse struct {
	AccessToken  string       `json:"access_token"`
	TokenType    string       `json:"token_type"`
	ExpiresIn    int64        `json:"expires_in"`
	ExpiresAt    int64        `json:"expires_at"`
	RefreshToken string       `json:"refresh_token"`
	User         *models.User `json:"user"`
}

func (g *GoTrue) session(tr tokenResponse) *models.Session {
	s := &models.Session{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tr.TokenType,
		User:         normalizeUser(tr.User),
	}
	switch {
	case tr.ExpiresAt > 0:
		s.ExpiresAt = time.Unix(tr.ExpiresAt, 0)
	case tr.ExpiresIn > 0:
		s.ExpiresAt = g.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return s
}

func normalizeUser(u *models.User) *models.User {
	if u != nil && u.ConfirmedAt != nil {
		u.EmailConfirmed = true
	}
	return u
}

func (g *GoTrue) call(ctx context.Context, op, method, path, token string, body any) ([]byte, error) {
	h := http.Header{}
	h.Set(common.APIKeyHeaderName, g.ep.APIKey)
	if token == "" {
		token = g.ep.APIKey
	}
	h.Set(common.AuthorizationHeaderName, common.BearerPrefix+token)

	b, err := netx.Do(ctx, g.hc, netx.Request{Method: method, URL: g.ep.url("/auth/v1" + path), Header: h, Body: body})
	if err != nil {
		return nil, mapHTTPError("auth."+op, err)
	}
	return b, nil
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (g *GoTrue) SignUp(ctx context.Context, email, password string) (*models.Session, error) {
	b, err := g.call(ctx, "signup", http.MethodPost, "/signup", "", credentials{email, password})
	if err != nil {
		return nil, err
	}

	var tr tokenResponse
	if err := json.Unmarshal(b, &tr); err != nil {
		return nil, fmt.Errorf("decode signup: %w", err)
	}
	if tr.AccessToken != "" {
		return g.session(tr), nil
	}

	// Confirmation pending: the body is the bare user.
	var u models.User
	if err := json.Unmarshal(b, &u); err != nil {
		return nil, fmt.Errorf("decode signup user: %w", err)
	}
	return &models.Session{User: normalizeUser(&u)}, nil
}

func (g *GoTrue) grant(ctx context.Context, grantType string, body any) (*models.Session, error) {
	path := "/token?grant_type=" + url.QueryEscape(grantType)
	b, err := g.call(ctx, "token", http.MethodPost, path, "", body)
	if err != nil {
		return nil, err
	}
	var tr tokenResponse
	if err := json.Unmarshal(b, &tr); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	return g.session(tr), nil
}

func (g *GoTrue) SignInWithPassword(ctx context.Context, email, password string) (*models.Session, error) {
	return g.grant(ctx, "password", credentials{email, password})
}

// Refresh exchanges refreshToken for a new session. A revoked, rotated or
// unknown token comes back as 400 invalid_grant and is reported as an auth
// error wrapping common.ErrNoSession, since retrying it can never succeed.
func (g *GoTrue) Refresh(ctx context.Context, refreshToken string) (*models.Session, error) {
	s, err := g.grant(ctx, "refresh_token", map[string]string{"refresh_token": refreshToken})
	if err != nil && rejectedGrant(err) {
		return nil, common.Auth("auth.refresh", common.ErrNoSession).WithMsg(common.MessageOf(err))
	}
	return s, err
}

func rejectedGrant(err error) bool {
	var se *netx.StatusError
	if !errors.As(err, &se) || se.Status != http.StatusBadRequest {
		return false
	}
	body := strings.ToLower(string(se.Body))
	return strings.Contains(body, "invalid_grant") || strings.Contains(body, "refresh token")
}

func (g *GoTrue) SignOut(ctx context.Context, accessToken string) error {
	_, err := g.call(ctx, "logout", http.MethodPost, "/logout", accessToken, nil)
	return err
}

func (g *GoTrue) User(ctx context.Context, accessToken string) (*models.User, error) {
	b, err := g.call(ctx, "user", http.MethodGet, "/user", accessToken, nil)
	if err != nil {
		return nil, err
	}
	var u models.User
	if err := json.Unmarshal(b, &u); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	return normalizeUser(&u), nil
}

func (g *GoTrue) RecoverPassword(ctx context.Context, email string) error {
	_, err := g.call(ctx, "recover", http.MethodPost, "/recover", "", map[string]string{"email": email})
	return err
}
