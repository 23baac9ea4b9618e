package registry

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ErrScopeUnresolved is returned when a handshake or device record does not
// carry the identifier the active scope mode requires.
var ErrScopeUnresolved = errors.New("scope unresolved")

// Kind selects the audience variant of a Scope.
type Kind uint8

const (
	Global Kind = iota
	User
	House
)

func (k Kind) String() string {
	switch k {
	case User:
		return "user"
	case House:
		return "house"
	default:
		return "global"
	}
}

// Scope identifies who should receive a command. The zero value is the
// global scope.
type Scope struct {
	Kind Kind
	ID   int64
}

// GlobalScope is the unscoped audience.
var GlobalScope = Scope{Kind: Global}

// UserScope returns the scope of controllers owned by a user.
func UserScope(userID int64) Scope { return Scope{Kind: User, ID: userID} }

// HouseScope returns the scope of controllers installed in a house.
func HouseScope(houseID int64) Scope { return Scope{Kind: House, ID: houseID} }

func (s Scope) String() string {
	if s.Kind == Global {
		return "global"
	}
	return s.Kind.String() + ":" + strconv.FormatInt(s.ID, 10)
}

// Mode is the deployment-wide scoping mode. Exactly one is active.
type Mode string

const (
	ModeGlobal Mode = "global"
	ModeUser   Mode = "user"
	ModeHouse  Mode = "house"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeGlobal, ModeUser, ModeHouse:
		return m, nil
	}
	return "", fmt.Errorf("unknown scope mode %q (want global, user or house)", s)
}

// UnmarshalText lets env parsing decode a Mode directly.
func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// QueryParam is the handshake query parameter carrying the scope id.
// Global mode has none.
func (m Mode) QueryParam() string {
	switch m {
	case ModeUser:
		return "user_id"
	case ModeHouse:
		return "house_id"
	}
	return ""
}

// FromQuery derives the scope of an inbound controller connection from its
// handshake query.
func (m Mode) FromQuery(q url.Values) (Scope, error) {
	param := m.QueryParam()
	if param == "" {
		return GlobalScope, nil
	}

	raw := q.Get(param)
	if raw == "" {
		return Scope{}, fmt.Errorf("%w: missing %s", ErrScopeUnresolved, param)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return Scope{}, fmt.Errorf("%w: %s=%q is not an integer", ErrScopeUnresolved, param, raw)
	}
	if id <= 0 {
		return Scope{}, fmt.Errorf("%w: %s must be positive", ErrScopeUnresolved, param)
	}
	return m.scope(id), nil
}

// ScopeFor returns the scope a device owned by userID in houseID dispatches to.
// Non-positive ids mean "unset" and cannot be resolved in the modes that need them.
func (m Mode) ScopeFor(userID, houseID int64) (Scope, error) {
	switch m {
	case ModeUser:
		if userID <= 0 {
			return Scope{}, fmt.Errorf("%w: no user id", ErrScopeUnresolved)
		}
		return UserScope(userID), nil
	case ModeHouse:
		if houseID <= 0 {
			return Scope{}, fmt.Errorf("%w: no house id", ErrScopeUnresolved)
		}
		return HouseScope(houseID), nil
	}
	return GlobalScope, nil
}

func (m Mode) scope(id int64) Scope {
	if m == ModeUser {
		return UserScope(id)
	}
	return HouseScope(id)
}
