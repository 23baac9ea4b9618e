// Package identity resolves an inbound HTTP request to the user behind it.
package identity

import (
	"errors"
	"strconv"
)

var (
	// ErrNoSession is returned when a request carries no valid session.
	ErrNoSession = errors.New("no session")
	// ErrInvalidCredentials is returned for a failed login.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Role is a user's privilege level.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// Identity is who is making a request.
type Identity struct {
	UserID  int64
	Role    Role
	HouseID int64 // 0 when the user has no house
}

// IsAdmin reports whether the identity bypasses ownership checks.
func (i Identity) IsAdmin() bool { return i.Role == RoleAdmin }

func (i Identity) String() string {
	return "user:" + strconv.FormatInt(i.UserID, 10) + "/" + string(i.Role)
}
