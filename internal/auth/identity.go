package auth

import (
	"net/http"
	"strings"
)

const (
	maxUsernameLength = 39
	fallbackUsername  = "user"
)

// Identity is a verified caller.
type Identity struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	IsAdmin  bool   `json:"isAdmin"`
}

// UsernameFromEmail derives the stable account name used for the bouncer
// account, the session map and the on-disk user directory.
func UsernameFromEmail(email string) string {
	local, _, _ := strings.Cut(email, "@")
	local = strings.ToLower(local)

	var b strings.Builder
	for _, r := range local {
		if b.Len() >= maxUsernameLength {
			break
		}
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return fallbackUsername
	}
	return b.String()
}

// ValidUsername reports whether s could have come from UsernameFromEmail.
func ValidUsername(s string) bool {
	if s == "" || len(s) > maxUsernameLength {
		return false
	}
	for _, r := range s {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-') {
			return false
		}
	}
	return true
}

// AdminSet is a case-insensitive allow-list of usernames.
type AdminSet map[string]struct{}

func NewAdminSet(usernames []string) AdminSet {
	set := make(AdminSet, len(usernames))
	for _, u := range usernames {
		u = strings.ToLower(strings.TrimSpace(u))
		if u != "" {
			set[u] = struct{}{}
		}
	}
	return set
}

func (s AdminSet) Contains(username string) bool {
	_, ok := s[strings.ToLower(username)]
	return ok
}

// DevIdentity is the fixed identity used when token validation is disabled.
func DevIdentity(username string, admins AdminSet) Identity {
	return Identity{
		Username: username,
		Email:    username + "@dev",
		IsAdmin:  admins.Contains(username),
	}
}

// StaticAuthenticator accepts every request as the same identity.
type StaticAuthenticator struct {
	Identity Identity
}

func (a StaticAuthenticator) Authenticate(*http.Request) (Identity, error) {
	return a.Identity, nil
}
