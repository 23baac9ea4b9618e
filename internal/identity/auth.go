package identity

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"
)

// SessionCookie is the name of the browser session cookie.
const SessionCookie = "housectl_session"

// Session is a logged-in browser session.
type Session struct {
	ID        string
	UserID    int64
	CSRFToken string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Config controls sessions and login hardening.
type Config struct {
	SessionDuration time.Duration
	TOTPSecret      string // optional second factor shared by all users
	RateLimit       int
	RateWindow      time.Duration
	SecureCookie    bool
}

// RateLimiter tracks login attempts.
type RateLimiter struct {
	mu       sync.Mutex
	attempts map[string][]time.Time
	limit    int
	window   time.Duration
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		attempts: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow records an attempt from key and reports whether it is under the limit.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.attempts[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	// Check the limit before recording this attempt
	if len(recent) >= r.limit {
		r.attempts[key] = recent
		return false
	}

	r.attempts[key] = append(recent, now)
	return true
}

// Reset clears attempts for key (on successful login).
func (r *RateLimiter) Reset(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attempts, key)
}

// Service authenticates users and resolves sessions to identities.
type Service struct {
	cfg         Config
	db          *sql.DB
	rateLimiter *RateLimiter
}

// NewService creates an identity service over the users and sessions tables.
func NewService(db *sql.DB, cfg Config) *Service {
	if cfg.SessionDuration <= 0 {
		cfg.SessionDuration = 24 * time.Hour
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 5
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Minute
	}
	return &Service{
		cfg:         cfg,
		db:          db,
		rateLimiter: NewRateLimiter(cfg.RateLimit, cfg.RateWindow),
	}
}

// CreateUser stores a user with a bcrypt hash of password.
func (s *Service) CreateUser(ctx context.Context, username, password string, role Role, houseID int64) (int64, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return 0, fmt.Errorf("hash password: %w", err)
	}
	return s.insertUser(ctx, username, string(hash), role, houseID)
}

// EnsureAdmin creates the admin account from a precomputed bcrypt hash
// unless the username already exists.
func (s *Service) EnsureAdmin(ctx context.Context, username, passwordHash string) error {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM users WHERE username = ?`, username).Scan(&id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("look up admin: %w", err)
	}
	_, err = s.insertUser(ctx, username, passwordHash, RoleAdmin, 0)
	return err
}

func (s *Service) insertUser(ctx context.Context, username, hash string, role Role, houseID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, role, house_id) VALUES (?, ?, ?, ?)`,
		username, hash, string(role), nullID(houseID),
	)
	if err != nil {
		return 0, fmt.Errorf("insert user: %w", err)
	}
	return res.LastInsertId()
}

// Authenticate checks a username/password pair and, when configured, the
// TOTP code.
func (s *Service) Authenticate(ctx context.Context, username, password, totpCode string) (Identity, error) {
	var (
		hash string
		who  Identity
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, password_hash, role, COALESCE(house_id, 0) FROM users WHERE username = ?`,
		username,
	).Scan(&who.UserID, &hash, &who.Role, &who.HouseID)
	if errors.Is(err, sql.ErrNoRows) {
		return Identity{}, ErrInvalidCredentials
	}
	if err != nil {
		return Identity{}, fmt.Errorf("look up user: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return Identity{}, ErrInvalidCredentials
	}
	if !s.CheckTOTP(totpCode) {
		return Identity{}, ErrInvalidCredentials
	}
	return who, nil
}

// CheckTOTP verifies the TOTP code.
func (s *Service) CheckTOTP(code string) bool {
	if s.cfg.TOTPSecret == "" {
		return true // TOTP not required
	}
	return totp.Validate(code, s.cfg.TOTPSecret)
}

// CreateSession creates a new session for userID.
func (s *Service) CreateSession(ctx context.Context, userID int64) (*Session, error) {
	sessionID, err := generateSecureToken(32)
	if err != nil {
		return nil, err
	}
	csrfToken, err := generateSecureToken(32)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	session := &Session{
		ID:        sessionID,
		UserID:    userID,
		CSRFToken: csrfToken,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.SessionDuration),
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, csrf_token, created_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
		session.ID, session.UserID, session.CSRFToken, session.CreatedAt.Unix(), session.ExpiresAt.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return session, nil
}

// GetSession loads a session, deleting it if it has expired.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var created, expires int64
	session := &Session{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, csrf_token, created_at, expires_at FROM sessions WHERE id = ?`,
		sessionID,
	).Scan(&session.ID, &session.UserID, &session.CSRFToken, &created, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	session.CreatedAt = time.Unix(created, 0)
	session.ExpiresAt = time.Unix(expires, 0)

	if time.Now().After(session.ExpiresAt) {
		_ = s.DeleteSession(ctx, sessionID)
		return nil, ErrNoSession
	}
	return session, nil
}

// DeleteSession removes a session.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	return err
}

// Identify resolves the session cookie on r to the user behind it.
func (s *Service) Identify(r *http.Request) (Identity, *Session, error) {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil {
		return Identity{}, nil, ErrNoSession
	}
	session, err := s.GetSession(r.Context(), cookie.Value)
	if err != nil {
		return Identity{}, nil, err
	}

	who := Identity{UserID: session.UserID}
	err = s.db.QueryRowContext(r.Context(),
		`SELECT role, COALESCE(house_id, 0) FROM users WHERE id = ?`,
		session.UserID,
	).Scan(&who.Role, &who.HouseID)
	if errors.Is(err, sql.ErrNoRows) {
		// User deleted under a live session
		_ = s.DeleteSession(r.Context(), session.ID)
		return Identity{}, nil, ErrNoSession
	}
	if err != nil {
		return Identity{}, nil, fmt.Errorf("load user: %w", err)
	}
	return who, session, nil
}

// ValidateCSRF checks if the CSRF token matches the session.
func (s *Service) ValidateCSRF(session *Session, token string) bool {
	return subtle.ConstantTimeCompare([]byte(session.CSRFToken), []byte(token)) == 1
}

// IsRateLimited checks if the key (client IP) is rate limited.
func (s *Service) IsRateLimited(key string) bool {
	return !s.rateLimiter.Allow(key)
}

// ResetRateLimit clears the rate limit for key.
func (s *Service) ResetRateLimit(key string) {
	s.rateLimiter.Reset(key)
}

// SetSessionCookie sets the session cookie on the response.
func (s *Service) SetSessionCookie(w http.ResponseWriter, session *Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    session.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.cfg.SecureCookie,
		SameSite: http.SameSiteLaxMode,
		Expires:  session.ExpiresAt,
	})
}

// ClearSessionCookie clears the session cookie.
func (s *Service) ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   s.cfg.SecureCookie,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

func generateSecureToken(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

func nullID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id != 0}
}
