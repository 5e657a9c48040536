package models

import "time"

// Role is a member's role within a family.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Profile is the mutable display record of a user (1:1 with User).
type Profile struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	AvatarURL      string    `json:"avatar_url,omitempty"`
	Role           string    `json:"role,omitempty"`
	Interests      []string  `json:"interests,omitempty"`
	OrganizationID *string   `json:"organization_id,omitempty"`
	Phone          *string   `json:"phone,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ProfileUpdate is a partial profile change; nil fields are left untouched.
type ProfileUpdate struct {
	Name           *string   `json:"name,omitempty" validate:"omitempty,min=1,max=80"`
	AvatarURL      *string   `json:"avatar_url,omitempty" validate:"omitempty,url"`
	Role           *string   `json:"role,omitempty" validate:"omitempty,max=40"`
	Interests      *[]string `json:"interests,omitempty" validate:"omitempty,max=20,dive,min=1,max=40"`
	OrganizationID *string   `json:"organization_id,omitempty"`
	Phone          *string   `json:"phone,omitempty" validate:"omitempty,e164"`
}

// Fields returns the set columns as a row patch.
func (p ProfileUpdate) Fields() map[string]any {
	m := make(map[string]any)
	if p.Name != nil {
		m["name"] = *p.Name
	}
	if p.AvatarURL != nil {
		m["avatar_url"] = *p.AvatarURL
	}
	if p.Role != nil {
		m["role"] = *p.Role
	}
	if p.Interests != nil {
		m["interests"] = *p.Interests
	}
	if p.OrganizationID != nil {
		m["organization_id"] = *p.OrganizationID
	}
	if p.Phone != nil {
		m["phone"] = *p.Phone
	}
	return m
}

// Group is a family.
type Group struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Code      string    `json:"code"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Membership is the join row granting a user a role within a group.
type Membership struct {
	ID       string    `json:"id"`
	GroupID  string    `json:"group_id"`
	UserID   string    `json:"user_id"`
	Role     Role      `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

// RosterEntry is a display-ready member of the active family.
type RosterEntry struct {
	UserID    string
	Name      string
	AvatarURL string
	Role      Role
	JoinedAt  time.Time
}
