// Package authpw provides username/password authentication with invite
// codes and emailed password resets.
package authpw

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"familytree/api/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidInvite      = errors.New("invalid invite code")
	ErrUserExists         = errors.New("username already registered")
	ErrInvalidReset       = errors.New("invalid or expired reset token")
)

// UserStore is the slice of the document store auth needs.
type UserStore interface {
	CreateUser(context.Context, store.User) error
	GetUser(context.Context, string) (store.User, error)
	UpdateUser(context.Context, store.User) error
	GetInvite(context.Context, string) (store.Invite, error)
	UpdateInvite(context.Context, store.Invite) error
	CreateInvite(context.Context, store.Invite) error
	CreatePasswordReset(context.Context, store.PasswordReset) error
	GetPasswordReset(context.Context, string) (store.PasswordReset, error)
	MarkPasswordResetUsed(context.Context, string) error
}

type Service struct {
	store         UserStore
	requireInvite bool
}

func NewService(store UserStore, requireInvite bool) *Service {
	return &Service{store: store, requireInvite: requireInvite}
}

type RegisterRequest struct {
	InviteCode string
	Username   string
	Email      string
	Password   string
	SpaceID    string
}

// Register creates an account, consuming the invite code when invites are
// required.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (store.User, error) {
	username := strings.TrimSpace(strings.ToLower(req.Username))
	if username == "" || req.Password == "" {
		return store.User{}, errors.New("username and password are required")
	}
	if len(req.Password) < 8 {
		return store.User{}, errors.New("password must be at least 8 characters")
	}

	var invite store.Invite
	if s.requireInvite {
		var err error
		invite, err = s.store.GetInvite(ctx, req.InviteCode)
		if err != nil || invite.Used {
			return store.User{}, ErrInvalidInvite
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}

	user := store.User{
		Username:     username,
		Email:        strings.TrimSpace(req.Email),
		PasswordHash: string(hash),
		Role:         "member",
		CurrentSpace: strings.TrimSpace(strings.ToLower(req.SpaceID)),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrExists) {
			return store.User{}, ErrUserExists
		}
		return store.User{}, fmt.Errorf("create user: %w", err)
	}

	if s.requireInvite {
		invite.Used = true
		invite.UsedBy = username
		if err := s.store.UpdateInvite(ctx, invite); err != nil {
			return store.User{}, fmt.Errorf("consume invite: %w", err)
		}
	}
	return user, nil
}

// Login verifies a username/password pair.
func (s *Service) Login(ctx context.Context, username, password string) (store.User, error) {
	user, err := s.store.GetUser(ctx, strings.TrimSpace(strings.ToLower(username)))
	if err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return store.User{}, ErrInvalidCredentials
	}
	return user, nil
}

// RequestPasswordReset creates a reset token for the account when the
// username and email match. The empty-token return deliberately looks the
// same as success so the endpoint cannot be used to probe accounts.
func (s *Service) RequestPasswordReset(ctx context.Context, username, email string) (string, error) {
	user, err := s.store.GetUser(ctx, strings.TrimSpace(strings.ToLower(username)))
	if err != nil || !strings.EqualFold(user.Email, strings.TrimSpace(email)) {
		return "", nil
	}

	token, err := generateToken()
	if err != nil {
		return "", fmt.Errorf("generate reset token: %w", err)
	}
	reset := store.PasswordReset{
		Token:     token,
		Username:  user.Username,
		ExpiresAt: time.Now().Add(time.Hour),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreatePasswordReset(ctx, reset); err != nil {
		return "", fmt.Errorf("create password reset: %w", err)
	}
	return token, nil
}

type ResetPasswordRequest struct {
	Username    string
	Token       string
	NewPassword string
}

// ResetPassword consumes a reset token and installs the new password.
func (s *Service) ResetPassword(ctx context.Context, req ResetPasswordRequest) error {
	if len(req.NewPassword) < 8 {
		return errors.New("password must be at least 8 characters")
	}
	reset, err := s.store.GetPasswordReset(ctx, req.Token)
	if err != nil || reset.Used || time.Now().After(reset.ExpiresAt) {
		return ErrInvalidReset
	}
	if reset.Username != strings.TrimSpace(strings.ToLower(req.Username)) {
		return ErrInvalidReset
	}

	user, err := s.store.GetUser(ctx, reset.Username)
	if err != nil {
		return ErrInvalidReset
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	user.PasswordHash = string(hash)
	if err := s.store.UpdateUser(ctx, user); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return s.store.MarkPasswordResetUsed(ctx, req.Token)
}

// CreateInvites mints fresh single-use invite codes.
func (s *Service) CreateInvites(ctx context.Context, createdBy string, count int) ([]string, error) {
	if count < 1 {
		count = 1
	}
	codes := make([]string, 0, count)
	for i := 0; i < count; i++ {
		code, err := generateToken()
		if err != nil {
			return nil, fmt.Errorf("generate invite code: %w", err)
		}
		invite := store.Invite{
			Code:      code,
			CreatedBy: createdBy,
			CreatedAt: time.Now().UTC(),
		}
		if err := s.store.CreateInvite(ctx, invite); err != nil {
			return nil, fmt.Errorf("create invite: %w", err)
		}
		codes = append(codes, code)
	}
	return codes, nil
}

func generateToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
