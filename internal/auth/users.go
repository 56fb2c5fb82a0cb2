// Package auth manages users, password hashing, and JWT access tokens.
package auth

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/aristath/insiderscope/internal/config"
	"github.com/aristath/insiderscope/internal/domain"
	"github.com/aristath/insiderscope/internal/queue"
)

// User is a row in the users table without the password hash.
type User struct {
	UserID      int64  `json:"user_id"`
	Username    string `json:"username"`
	Role        string `json:"role"`
	IsActive    bool   `json:"is_active"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
	LastLoginAt string `json:"last_login_at,omitempty"`

	StripeCustomerID      string `json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID  string `json:"stripe_subscription_id,omitempty"`
	StripePriceID         string `json:"stripe_price_id,omitempty"`
	SubscriptionStatus    string `json:"subscription_status,omitempty"`
	CurrentPeriodEnd      string `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd     bool   `json:"cancel_at_period_end"`
	SubscriptionUpdatedAt string `json:"subscription_updated_at,omitempty"`

	// IsPaid is derived for frontend gating.
	IsPaid bool `json:"is_paid"`

	passwordHash string
}

// IsAdmin reports whether the user has the admin role.
func (u *User) IsAdmin() bool { return u.Role == "admin" }

// HasActiveSubscription reports whether the subscription grants access.
func (u *User) HasActiveSubscription() bool {
	status := strings.ToLower(strings.TrimSpace(u.SubscriptionStatus))
	return status == "active" || status == "trialing"
}

// NormalizeUsername lowercases and trims a username; usernames are stored
// and compared in this form.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

const userColumns = `
	user_id, username, password_hash, role, is_active,
	created_at, updated_at, COALESCE(last_login_at,''),
	COALESCE(stripe_customer_id,''), COALESCE(stripe_subscription_id,''),
	COALESCE(stripe_price_id,''), COALESCE(subscription_status,''),
	COALESCE(current_period_end,''), cancel_at_period_end,
	COALESCE(subscription_updated_at,'')`

func scanUser(row *sql.Row) (*User, error) {
	var u User
	var isActive, cancelAtPeriodEnd int
	err := row.Scan(
		&u.UserID, &u.Username, &u.passwordHash, &u.Role, &isActive,
		&u.CreatedAt, &u.UpdatedAt, &u.LastLoginAt,
		&u.StripeCustomerID, &u.StripeSubscriptionID,
		&u.StripePriceID, &u.SubscriptionStatus,
		&u.CurrentPeriodEnd, &cancelAtPeriodEnd,
		&u.SubscriptionUpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	u.IsActive = isActive == 1
	u.CancelAtPeriodEnd = cancelAtPeriodEnd == 1
	u.IsPaid = u.HasActiveSubscription()
	return &u, nil
}

// GetUserByID returns the user, or nil when it does not exist.
func GetUserByID(db queue.DBTX, userID int64) (*User, error) {
	return scanUser(db.QueryRow("SELECT"+userColumns+" FROM users WHERE user_id=?", userID))
}

// GetUserByUsername returns the user by normalized username, or nil.
func GetUserByUsername(db queue.DBTX, username string) (*User, error) {
	u := NormalizeUsername(username)
	if u == "" {
		return nil, nil
	}
	return scanUser(db.QueryRow("SELECT"+userColumns+" FROM users WHERE username=?", u))
}

// GetUserByStripeCustomerID maps a Stripe customer back to a user, or nil.
func GetUserByStripeCustomerID(db queue.DBTX, customerID string) (*User, error) {
	cid := strings.TrimSpace(customerID)
	if cid == "" {
		return nil, nil
	}
	return scanUser(db.QueryRow("SELECT"+userColumns+" FROM users WHERE stripe_customer_id=?", cid))
}

// VerifyCredentials returns the user when the username/password pair is
// valid and the account is active, nil otherwise.
func VerifyCredentials(db queue.DBTX, username, password string) (*User, error) {
	user, err := GetUserByUsername(db, username)
	if err != nil {
		return nil, err
	}
	if user == nil || !user.IsActive {
		return nil, nil
	}
	if !VerifyPassword(password, user.passwordHash) {
		return nil, nil
	}
	return user, nil
}

// CreateUser inserts a new user with a hashed password.
func CreateUser(db queue.DBTX, username, password, role string) (*User, error) {
	u := NormalizeUsername(username)
	if u == "" {
		return nil, fmt.Errorf("username is blank")
	}
	if role != "admin" && role != "user" {
		return nil, fmt.Errorf("invalid role: %s", role)
	}

	existing, err := GetUserByUsername(db, u)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("username already exists: %s", u)
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}

	now := domain.NowISO()
	if _, err := db.Exec(`
		INSERT INTO users (username, password_hash, role, is_active, created_at, updated_at)
		VALUES (?,?,?,1,?,?)`,
		u, hash, role, now, now); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return GetUserByUsername(db, u)
}

// TouchLastLogin records a successful login.
func TouchLastLogin(db queue.DBTX, userID int64) error {
	now := domain.NowISO()
	_, err := db.Exec("UPDATE users SET last_login_at=?, updated_at=? WHERE user_id=?", now, now, userID)
	return err
}

// SubscriptionUpdate carries Stripe subscription state onto the user row.
// Nil fields are left untouched.
type SubscriptionUpdate struct {
	StripeCustomerID     *string
	StripeSubscriptionID *string
	StripePriceID        *string
	SubscriptionStatus   *string
	CurrentPeriodEnd     *string
	CancelAtPeriodEnd    *bool
}

// UpdateUserSubscription applies the non-nil fields of the update.
func UpdateUserSubscription(db queue.DBTX, userID int64, upd SubscriptionUpdate) error {
	var sets []string
	var args []interface{}

	add := func(column string, value interface{}) {
		sets = append(sets, column+"=?")
		args = append(args, value)
	}
	if upd.StripeCustomerID != nil {
		add("stripe_customer_id", *upd.StripeCustomerID)
	}
	if upd.StripeSubscriptionID != nil {
		add("stripe_subscription_id", *upd.StripeSubscriptionID)
	}
	if upd.StripePriceID != nil {
		add("stripe_price_id", *upd.StripePriceID)
	}
	if upd.SubscriptionStatus != nil {
		add("subscription_status", *upd.SubscriptionStatus)
	}
	if upd.CurrentPeriodEnd != nil {
		add("current_period_end", *upd.CurrentPeriodEnd)
	}
	if upd.CancelAtPeriodEnd != nil {
		v := 0
		if *upd.CancelAtPeriodEnd {
			v = 1
		}
		add("cancel_at_period_end", v)
	}
	if len(sets) == 0 {
		return nil
	}

	now := domain.NowISO()
	add("subscription_updated_at", now)
	add("updated_at", now)
	args = append(args, userID)

	_, err := db.Exec("UPDATE users SET "+strings.Join(sets, ", ")+" WHERE user_id=?", args...)
	if err != nil {
		return fmt.Errorf("failed to update subscription for user %d: %w", userID, err)
	}
	return nil
}

// BootstrapAdmin creates the first admin account when the users table is
// empty, so a fresh deployment has a deterministic way to log in. Returns
// the created user, or nil when nothing was done.
func BootstrapAdmin(db queue.DBTX, cfg *config.Config) (*User, error) {
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM users").Scan(&n); err != nil {
		return nil, err
	}
	if n > 0 {
		return nil, nil
	}

	username := NormalizeUsername(cfg.AuthBootstrapUsername)
	password := cfg.AuthBootstrapPassword
	if username == "" || password == "" {
		return nil, nil
	}
	return CreateUser(db, username, password, "admin")
}
