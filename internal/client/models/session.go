package models

import "time"

// User is the authenticated account as reported by the auth API.
type User struct {
	ID             string     `json:"id"`
	Email          string     `json:"email"`
	EmailConfirmed bool       `json:"email_confirmed"`
	ConfirmedAt    *time.Time `json:"email_confirmed_at,omitempty"`
}

// Verified reports whether the user's email is confirmed.
func (u *User) Verified() bool {
	return u != nil && (u.EmailConfirmed || u.ConfirmedAt != nil)
}

// Session is the live credential tying the process to a User.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         *User     `json:"user"`
}

// UserID returns the owning user's id or "".
func (s *Session) UserID() string {
	if s == nil || s.User == nil {
		return ""
	}
	return s.User.ID
}

// Expired reports whether the access token is past its expiry at now.
// A zero expiry is treated as not expired.
func (s *Session) Expired(now time.Time) bool {
	return s != nil && !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Valid reports whether s carries a token and a user and is not expired.
func (s *Session) Valid(now time.Time) bool {
	return s != nil && s.AccessToken != "" && s.User != nil && s.User.ID != "" && !s.Expired(now)
}

// AuthState is the SessionManager lifecycle state.
type AuthState string

const (
	AuthUninitialized   AuthState = "uninitialized"
	AuthLoading         AuthState = "loading"
	AuthAuthenticated   AuthState = "authenticated"
	AuthUnauthenticated AuthState = "unauthenticated"
	AuthError           AuthState = "error"
)

// AuthEvent is a session change pushed by the auth backend or produced by
// the client itself (sign-in, refresh).
type AuthEvent string

const (
	EventInitialSession AuthEvent = "initial_session"
	EventSignedIn       AuthEvent = "signed_in"
	EventSignedOut      AuthEvent = "signed_out"
	EventTokenRefreshed AuthEvent = "token_refreshed"
	EventUserUpdated    AuthEvent = "user_updated"
)

// Route names the screen the user is currently on.
type Route string
