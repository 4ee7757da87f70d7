package models

import "time"

// User is an authenticated account. The core treats user ids as opaque
// foreign keys; only the auth layer ever inspects PasswordHash.
type User struct {
	ID           string
	Username     string
	PasswordHash string `json:"-"`
	CreatedAt    time.Time
}
