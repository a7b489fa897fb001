// Package store persists user records and gateway settings.
package store

import (
	"context"
	"errors"
	"strconv"
)

var ErrUserNotFound = errors.New("user not found")

const (
	SettingMaxUsers = "max_users"
	DefaultMaxUsers = 50
)

type User struct {
	Username  string `json:"username"`
	FirstSeen int64  `json:"first_seen"`
	LastSeen  int64  `json:"last_seen"`
	IsAdmin   bool   `json:"is_admin"`
}

type Store interface {
	// Touch records a visit, creating the user on first sight.
	Touch(ctx context.Context, username string, isAdmin bool) error
	// ListUsers returns users, most recently seen first.
	ListUsers(ctx context.Context) ([]User, error)
	DeleteUser(ctx context.Context, username string) error
	UserCount(ctx context.Context) (int, error)
	// GetSetting returns def when the key is missing or unreadable.
	GetSetting(ctx context.Context, key, def string) string
	SetSetting(ctx context.Context, key, value string) error
	Close() error
}

// MaxUsers reads the max_users setting, falling back to DefaultMaxUsers.
func MaxUsers(ctx context.Context, s Store) int {
	raw := s.GetSetting(ctx, SettingMaxUsers, strconv.Itoa(DefaultMaxUsers))
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return DefaultMaxUsers
	}
	return n
}
