package identity

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/markus-barta/housectl/internal/store"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestService(t *testing.T, cfg Config) (*Service, *sql.DB) {
	t.Helper()
	db, err := store.Open(store.Memory)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewService(db, cfg), db
}

func createHouse(t *testing.T, db *sql.DB, name string) int64 {
	t.Helper()
	res, err := db.Exec(`INSERT INTO houses (name) VALUES (?)`, name)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

func requestWithSession(session *Session) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: SessionCookie, Value: session.ID})
	return r
}

func TestAuthenticate(t *testing.T) {
	svc, db := newTestService(t, Config{})
	ctx := context.Background()
	house := createHouse(t, db, "home")

	id, err := svc.CreateUser(ctx, "ana", "s3cret", RoleUser, house)
	require.NoError(t, err)

	who, err := svc.Authenticate(ctx, "ana", "s3cret", "")
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: id, Role: RoleUser, HouseID: house}, who)

	_, err = svc.Authenticate(ctx, "ana", "wrong", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.Authenticate(ctx, "nobody", "s3cret", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthenticate_TOTP(t *testing.T) {
	key, err := totp.Generate(totp.GenerateOpts{Issuer: "housectl", AccountName: "ana"})
	require.NoError(t, err)

	svc, _ := newTestService(t, Config{TOTPSecret: key.Secret()})
	ctx := context.Background()
	_, err = svc.CreateUser(ctx, "ana", "s3cret", RoleUser, 0)
	require.NoError(t, err)

	_, err = svc.Authenticate(ctx, "ana", "s3cret", "000000x")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	code, err := totp.GenerateCode(key.Secret(), time.Now())
	require.NoError(t, err)
	_, err = svc.Authenticate(ctx, "ana", "s3cret", code)
	assert.NoError(t, err)
}

func TestEnsureAdmin(t *testing.T) {
	svc, _ := newTestService(t, Config{})
	ctx := context.Background()

	hash, err := bcrypt.GenerateFromPassword([]byte("root"), bcrypt.MinCost)
	require.NoError(t, err)

	require.NoError(t, svc.EnsureAdmin(ctx, "admin", string(hash)))
	require.NoError(t, svc.EnsureAdmin(ctx, "admin", string(hash)), "second call is a no-op")

	who, err := svc.Authenticate(ctx, "admin", "root", "")
	require.NoError(t, err)
	assert.True(t, who.IsAdmin())
	assert.Zero(t, who.HouseID)
}

func TestIdentify(t *testing.T) {
	svc, db := newTestService(t, Config{})
	ctx := context.Background()
	house := createHouse(t, db, "home")
	id, err := svc.CreateUser(ctx, "ana", "s3cret", RoleUser, house)
	require.NoError(t, err)

	session, err := svc.CreateSession(ctx, id)
	require.NoError(t, err)

	who, got, err := svc.Identify(requestWithSession(session))
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: id, Role: RoleUser, HouseID: house}, who)
	assert.Equal(t, session.CSRFToken, got.CSRFToken)
	assert.True(t, svc.ValidateCSRF(got, session.CSRFToken))
	assert.False(t, svc.ValidateCSRF(got, "forged"))
}

func TestIdentify_NoCookie(t *testing.T) {
	svc, _ := newTestService(t, Config{})

	_, _, err := svc.Identify(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestIdentify_ExpiredSession(t *testing.T) {
	svc, _ := newTestService(t, Config{SessionDuration: time.Nanosecond})
	ctx := context.Background()
	id, err := svc.CreateUser(ctx, "ana", "s3cret", RoleUser, 0)
	require.NoError(t, err)

	session, err := svc.CreateSession(ctx, id)
	require.NoError(t, err)
	time.Sleep(1100 * time.Millisecond) // expiry is stored with second precision

	_, _, err = svc.Identify(requestWithSession(session))
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestIdentify_DeletedSession(t *testing.T) {
	svc, _ := newTestService(t, Config{})
	ctx := context.Background()
	id, err := svc.CreateUser(ctx, "ana", "s3cret", RoleUser, 0)
	require.NoError(t, err)
	session, err := svc.CreateSession(ctx, id)
	require.NoError(t, err)

	require.NoError(t, svc.DeleteSession(ctx, session.ID))

	_, _, err = svc.Identify(requestWithSession(session))
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)

	assert.True(t, rl.Allow("1.2.3.4"))
	assert.True(t, rl.Allow("1.2.3.4"))
	assert.False(t, rl.Allow("1.2.3.4"))
	assert.True(t, rl.Allow("5.6.7.8"), "limits are per key")

	rl.Reset("1.2.3.4")
	assert.True(t, rl.Allow("1.2.3.4"))
}

func TestSessionCookies(t *testing.T) {
	svc, _ := newTestService(t, Config{SecureCookie: true})

	rec := httptest.NewRecorder()
	svc.SetSessionCookie(rec, &Session{ID: "abc", ExpiresAt: time.Now().Add(time.Hour)})
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, SessionCookie, cookies[0].Name)
	assert.Equal(t, "abc", cookies[0].Value)
	assert.True(t, cookies[0].HttpOnly)
	assert.True(t, cookies[0].Secure)

	rec = httptest.NewRecorder()
	svc.ClearSessionCookie(rec)
	cookies = rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, -1, cookies[0].MaxAge)
}
