package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/airp2/storyforge/internal/domain"
)

// ErrUsernameTaken is returned by Register when the username uniqueness
// constraint is violated.
var ErrUsernameTaken = errors.New("username already exists")

// ErrInvalidCredentials is returned by Authenticate on any lookup/verify
// failure, deliberately not distinguishing "no such user" from "wrong
// password" to avoid leaking which is the case.
var ErrInvalidCredentials = errors.New("invalid username or password")

// Service issues and validates cookie-style bearer sessions for both
// registered users and anonymous guests.
type Service struct {
	db              *sql.DB
	userSessionTTL  time.Duration
	guestSessionTTL time.Duration
}

// NewService builds a Service. Session lifetimes default to 30 days,
// matching the reference configuration.
func NewService(db *sql.DB, userSessionDays, guestSessionDays int) *Service {
	if userSessionDays <= 0 {
		userSessionDays = 30
	}
	if guestSessionDays <= 0 {
		guestSessionDays = 30
	}
	return &Service{
		db:              db,
		userSessionTTL:  time.Duration(userSessionDays) * 24 * time.Hour,
		guestSessionTTL: time.Duration(guestSessionDays) * 24 * time.Hour,
	}
}

// Register creates a new user with a hashed password.
func (s *Service) Register(ctx context.Context, username, password string) (domain.User, error) {
	normalized := NormalizeUsername(username)
	if !ValidateUsername(normalized) {
		return domain.User{}, domain.NewValidationError("username", username, domain.ErrInvalidUsername)
	}
	verifier, err := HashPassword(password)
	if err != nil {
		return domain.User{}, err
	}

	u := domain.User{ID: uuid.New().String(), Username: normalized, PasswordVerifier: verifier, CreatedAt: time.Now().UTC()}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, password_verifier, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, u.Username, u.PasswordVerifier, u.CreatedAt)
	if err != nil {
		return domain.User{}, fmt.Errorf("%w: %v", ErrUsernameTaken, err)
	}
	return u, nil
}

// Authenticate verifies a username/password pair and returns the matching
// user.
func (s *Service) Authenticate(ctx context.Context, username, password string) (domain.User, error) {
	normalized := NormalizeUsername(username)
	var u domain.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_verifier, created_at FROM users WHERE username = ?`, normalized,
	).Scan(&u.ID, &u.Username, &u.PasswordVerifier, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return domain.User{}, err
	}
	if !VerifyPassword(password, u.PasswordVerifier) {
		return domain.User{}, ErrInvalidCredentials
	}
	return u, nil
}

// CreateUserSession issues a new bearer token bound to userID.
func (s *Service) CreateUserSession(ctx context.Context, userID string) (token string, err error) {
	return s.createSession(ctx, userID, "", s.userSessionTTL)
}

// CreateGuestSession issues a new bearer token bound to a freshly minted
// guest id.
func (s *Service) CreateGuestSession(ctx context.Context) (token, guestID string, err error) {
	guestID = uuid.New().String()
	token, err = s.createSession(ctx, "", guestID, s.guestSessionTTL)
	return token, guestID, err
}

func (s *Service) createSession(ctx context.Context, userID, guestID string, ttl time.Duration) (string, error) {
	token, err := NewToken()
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	expires := now.Add(ttl)

	var userIDVal, guestIDVal any
	if userID != "" {
		userIDVal = userID
	}
	if guestID != "" {
		guestIDVal = guestID
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO auth_sessions (token_hash, user_id, guest_id, created_at, expires_at, last_seen_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		HashToken(token), userIDVal, guestIDVal, now, expires, now)
	if err != nil {
		return "", fmt.Errorf("auth: create session: %w", err)
	}
	return token, nil
}

// Actor identifies the caller behind a validated session.
type Actor struct {
	UserID   string
	Username string
	GuestID  string
}

// IsUser reports whether the actor is an authenticated (non-guest) user.
func (a Actor) IsUser() bool { return a.UserID != "" }

// ActorFromToken resolves a bearer token to its Actor, returning
// domain.ErrAuthRequired if the token is missing, unknown, revoked, or
// expired.
func (s *Service) ActorFromToken(ctx context.Context, token string) (Actor, error) {
	if token == "" {
		return Actor{}, domain.ErrAuthRequired
	}
	tokenHash := HashToken(token)

	var userID, guestID, username sql.NullString
	var expiresAt time.Time
	var revokedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT s.user_id, s.guest_id, s.expires_at, s.revoked_at, u.username
		 FROM auth_sessions s LEFT JOIN users u ON u.id = s.user_id
		 WHERE s.token_hash = ?`, tokenHash,
	).Scan(&userID, &guestID, &expiresAt, &revokedAt, &username)
	if errors.Is(err, sql.ErrNoRows) {
		return Actor{}, domain.ErrAuthRequired
	}
	if err != nil {
		return Actor{}, err
	}
	if revokedAt.Valid {
		return Actor{}, domain.ErrAuthRequired
	}
	if !time.Now().UTC().Before(expiresAt) {
		return Actor{}, domain.ErrAuthRequired
	}

	if userID.Valid && userID.String != "" {
		return Actor{UserID: userID.String, Username: username.String}, nil
	}
	if guestID.Valid && guestID.String != "" {
		return Actor{GuestID: guestID.String}, nil
	}
	return Actor{}, domain.ErrAuthRequired
}

// TouchSession updates a session's last-seen timestamp, best-effort.
func (s *Service) TouchSession(ctx context.Context, token string) {
	if token == "" {
		return
	}
	_, _ = s.db.ExecContext(ctx, `UPDATE auth_sessions SET last_seen_at = ? WHERE token_hash = ?`,
		time.Now().UTC(), HashToken(token))
}

// RevokeSession marks a session revoked, idempotently.
func (s *Service) RevokeSession(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE auth_sessions SET revoked_at = ? WHERE token_hash = ? AND revoked_at IS NULL`,
		time.Now().UTC(), HashToken(token))
	return err
}
