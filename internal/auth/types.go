package auth

import "time"

// Identity is an authenticable account.
type Identity struct {
	ID                  string     `json:"id"`
	Email               string     `json:"email"`
	PasswordHash        string     `json:"-"`
	DisplayName         string     `json:"display_name"`
	RoleID              string     `json:"role_id"`
	Active              bool       `json:"active"`
	LastAuthenticatedAt *time.Time `json:"last_authenticated_at,omitempty"`
	Session             Session    `json:"-"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Session is the identity's single active refresh session. The zero value
// means no session. It only changes through the SessionRotator.
type Session struct {
	hash string
}

// RestoreSession rebuilds a session from a persisted refresh-token hash.
// Store adapters use it when loading identities.
func RestoreSession(hash string) Session {
	return Session{hash: hash}
}

// Active reports whether a refresh token is currently valid for the identity.
func (s Session) Active() bool { return s.hash != "" }

// Hash returns the persisted hash, empty when there is no session.
func (s Session) Hash() string { return s.hash }

// Role groups permissions. Every identity references exactly one role.
type Role struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Active      bool         `json:"active"`
	Permissions []Permission `json:"permissions,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Permission is a fine-grained capability.
type Permission struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Category    string    `json:"category,omitempty"`
	Description string    `json:"description,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// TokenPair represents access and refresh tokens along with their expirations.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// Subject is the identity snapshot embedded into tokens at issuance time.
type Subject struct {
	ID          string
	Email       string
	Role        string
	Permissions []string
}

// activePermissionNames flattens the active permissions of an active role.
func activePermissionNames(role *Role, perms []Permission) []string {
	if role == nil || !role.Active {
		return nil
	}
	names := make([]string, 0, len(perms))
	for _, p := range perms {
		if !p.Active {
			continue
		}
		names = append(names, p.Name)
	}
	return dedupeStrings(names)
}
