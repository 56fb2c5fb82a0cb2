package auth

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/insiderscope/internal/config"
	"github.com/aristath/insiderscope/internal/database"
)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()

	db, err := database.New(database.Config{
		Path: filepath.Join(t.TempDir(), "auth_test.db"),
		Name: "test",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	return db
}

func testCfg() *config.Config {
	return &config.Config{
		AuthJWTSecret:          "test-secret",
		AuthTokenExpireMinutes: 60,
		AuthCookieName:         "is_token",
		AuthBootstrapUsername:  "admin",
		AuthBootstrapPassword:  "admin",
	}
}

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret", hash)

	assert.True(t, VerifyPassword("s3cret", hash))
	assert.False(t, VerifyPassword("wrong", hash))
	assert.False(t, VerifyPassword("", hash))
	assert.False(t, VerifyPassword("s3cret", ""))

	_, err = HashPassword("")
	require.Error(t, err)
}

func TestAccessTokenRoundTrip(t *testing.T) {
	token, err := CreateAccessToken("secret", 42, "jane", "admin", 60)
	require.NoError(t, err)

	claims, err := DecodeAccessToken(token, "secret")
	require.NoError(t, err)
	assert.Equal(t, int64(42), claims.UserID)
	assert.Equal(t, "jane", claims.Username)
	assert.Equal(t, "admin", claims.Role)

	_, err = DecodeAccessToken(token, "other-secret")
	require.Error(t, err)

	_, err = DecodeAccessToken("not-a-token", "secret")
	require.Error(t, err)
}

func TestAccessTokenExpires(t *testing.T) {
	// expiresMinutes below 1 is clamped to 1, so the token is still valid.
	token, err := CreateAccessToken("secret", 1, "jane", "user", 0)
	require.NoError(t, err)
	_, err = DecodeAccessToken(token, "secret")
	require.NoError(t, err)
}

func TestCreateAndVerifyUser(t *testing.T) {
	db := newTestDB(t)

	user, err := CreateUser(db.Conn(), "  Jane@Example.COM ", "pw123", "user")
	require.NoError(t, err)
	assert.Equal(t, "jane@example.com", user.Username)
	assert.Equal(t, "user", user.Role)
	assert.True(t, user.IsActive)
	assert.False(t, user.IsPaid)

	// Duplicate usernames are rejected after normalization.
	_, err = CreateUser(db.Conn(), "JANE@example.com", "pw456", "user")
	require.Error(t, err)

	_, err = CreateUser(db.Conn(), "someone", "pw", "superuser")
	require.Error(t, err)

	verified, err := VerifyCredentials(db.Conn(), "jane@example.com", "pw123")
	require.NoError(t, err)
	require.NotNil(t, verified)
	assert.Equal(t, user.UserID, verified.UserID)

	bad, err := VerifyCredentials(db.Conn(), "jane@example.com", "nope")
	require.NoError(t, err)
	assert.Nil(t, bad)

	missing, err := VerifyCredentials(db.Conn(), "ghost", "pw123")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestVerifyCredentialsRejectsInactive(t *testing.T) {
	db := newTestDB(t)

	user, err := CreateUser(db.Conn(), "jane", "pw123", "user")
	require.NoError(t, err)

	_, err = db.Exec("UPDATE users SET is_active=0 WHERE user_id=?", user.UserID)
	require.NoError(t, err)

	verified, err := VerifyCredentials(db.Conn(), "jane", "pw123")
	require.NoError(t, err)
	assert.Nil(t, verified)
}

func TestUpdateUserSubscription(t *testing.T) {
	db := newTestDB(t)
	user, err := CreateUser(db.Conn(), "jane", "pw", "user")
	require.NoError(t, err)

	customer := "cus_123"
	status := "active"
	cancel := true
	require.NoError(t, UpdateUserSubscription(db.Conn(), user.UserID, SubscriptionUpdate{
		StripeCustomerID:   &customer,
		SubscriptionStatus: &status,
		CancelAtPeriodEnd:  &cancel,
	}))

	loaded, err := GetUserByID(db.Conn(), user.UserID)
	require.NoError(t, err)
	assert.Equal(t, "cus_123", loaded.StripeCustomerID)
	assert.Equal(t, "active", loaded.SubscriptionStatus)
	assert.True(t, loaded.CancelAtPeriodEnd)
	assert.True(t, loaded.IsPaid)
	assert.NotEmpty(t, loaded.SubscriptionUpdatedAt)

	byCustomer, err := GetUserByStripeCustomerID(db.Conn(), "cus_123")
	require.NoError(t, err)
	require.NotNil(t, byCustomer)
	assert.Equal(t, user.UserID, byCustomer.UserID)

	// An empty update touches nothing.
	require.NoError(t, UpdateUserSubscription(db.Conn(), user.UserID, SubscriptionUpdate{}))
}

func TestBootstrapAdminOnlyOnEmptyTable(t *testing.T) {
	db := newTestDB(t)
	cfg := testCfg()

	created, err := BootstrapAdmin(db.Conn(), cfg)
	require.NoError(t, err)
	require.NotNil(t, created)
	assert.Equal(t, "admin", created.Username)
	assert.Equal(t, "admin", created.Role)

	again, err := BootstrapAdmin(db.Conn(), cfg)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func authedRequest(t *testing.T, cfg *config.Config, userID int64, role string, viaCookie bool) *http.Request {
	t.Helper()
	token, err := CreateAccessToken(cfg.AuthJWTSecret, userID, "u", role, 60)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	if viaCookie {
		req.AddCookie(&http.Cookie{Name: cfg.AuthCookieName, Value: token})
	} else {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestRequireUserAcceptsBearerAndCookie(t *testing.T) {
	db := newTestDB(t)
	cfg := testCfg()
	user, err := CreateUser(db.Conn(), "jane", "pw", "user")
	require.NoError(t, err)

	mw := NewMiddleware(db, cfg, zerolog.Nop())
	var seen *User
	handler := mw.RequireUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = UserFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	for _, viaCookie := range []bool{false, true} {
		seen = nil
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, authedRequest(t, cfg, user.UserID, "user", viaCookie))
		assert.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, seen)
		assert.Equal(t, user.UserID, seen.UserID)
	}
}

func TestRequireUserRejections(t *testing.T) {
	db := newTestDB(t)
	cfg := testCfg()
	mw := NewMiddleware(db, cfg, zerolog.Nop())
	handler := mw.RequireUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// No token at all.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/protected", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))

	// Valid signature but no such user.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(t, cfg, 999, "user", false))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Token signed with the wrong secret.
	other := *cfg
	other.AuthJWTSecret = "different"
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(t, &other, 1, "user", false))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAdminAndSubscription(t *testing.T) {
	db := newTestDB(t)
	cfg := testCfg()
	mw := NewMiddleware(db, cfg, zerolog.Nop())

	adminUser, err := CreateUser(db.Conn(), "root", "pw", "admin")
	require.NoError(t, err)
	plainUser, err := CreateUser(db.Conn(), "jane", "pw", "user")
	require.NoError(t, err)

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	adminChain := mw.RequireUser(mw.RequireAdmin(ok))
	subChain := mw.RequireUser(mw.RequireSubscription(ok))

	rec := httptest.NewRecorder()
	adminChain.ServeHTTP(rec, authedRequest(t, cfg, adminUser.UserID, "admin", false))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	adminChain.ServeHTTP(rec, authedRequest(t, cfg, plainUser.UserID, "user", false))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// No subscription: 402 for plain users, admins are exempt.
	rec = httptest.NewRecorder()
	subChain.ServeHTTP(rec, authedRequest(t, cfg, plainUser.UserID, "user", false))
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	rec = httptest.NewRecorder()
	subChain.ServeHTTP(rec, authedRequest(t, cfg, adminUser.UserID, "admin", false))
	assert.Equal(t, http.StatusOK, rec.Code)

	// Trialing status unlocks access.
	status := "trialing"
	require.NoError(t, UpdateUserSubscription(db.Conn(), plainUser.UserID, SubscriptionUpdate{SubscriptionStatus: &status}))
	rec = httptest.NewRecorder()
	subChain.ServeHTTP(rec, authedRequest(t, cfg, plainUser.UserID, "user", false))
	assert.Equal(t, http.StatusOK, rec.Code)

	// Dev bypass skips the check entirely.
	expired := "canceled"
	require.NoError(t, UpdateUserSubscription(db.Conn(), plainUser.UserID, SubscriptionUpdate{SubscriptionStatus: &expired}))
	cfg.BillingDevBypass = true
	rec = httptest.NewRecorder()
	subChain.ServeHTTP(rec, authedRequest(t, cfg, plainUser.UserID, "user", false))
	assert.Equal(t, http.StatusOK, rec.Code)
}
