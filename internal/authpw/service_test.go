package authpw

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"familytree/api/internal/store"
)

func newTestStore(t *testing.T) *store.RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	ds, err := store.NewRedisStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	t.Cleanup(func() { ds.Close() })
	return ds
}

func TestRegisterAndLogin(t *testing.T) {
	ds := newTestStore(t)
	svc := NewService(ds, false)
	ctx := context.Background()

	user, err := svc.Register(ctx, RegisterRequest{
		Username: " Alice ",
		Email:    "alice@example.com",
		Password: "correct-horse",
		SpaceID:  "Demo",
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if user.Username != "alice" {
		t.Errorf("expected lowercased trimmed username, got %q", user.Username)
	}
	if user.Role != "member" {
		t.Errorf("expected member role, got %q", user.Role)
	}
	if user.CurrentSpace != "demo" {
		t.Errorf("expected normalized space, got %q", user.CurrentSpace)
	}
	if user.PasswordHash == "correct-horse" || user.PasswordHash == "" {
		t.Error("expected password stored as a hash")
	}

	_, err = svc.Register(ctx, RegisterRequest{Username: "ALICE", Password: "another-pass"})
	if !errors.Is(err, ErrUserExists) {
		t.Errorf("expected ErrUserExists, got %v", err)
	}

	if _, err := svc.Login(ctx, "Alice", "correct-horse"); err != nil {
		t.Errorf("Login with correct password failed: %v", err)
	}
	if _, err := svc.Login(ctx, "alice", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials for bad password, got %v", err)
	}
	if _, err := svc.Login(ctx, "nobody", "whatever"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	svc := NewService(newTestStore(t), false)
	ctx := context.Background()

	if _, err := svc.Register(ctx, RegisterRequest{Username: "", Password: "long-enough"}); err == nil {
		t.Error("expected error for empty username")
	}
	if _, err := svc.Register(ctx, RegisterRequest{Username: "bob", Password: "short"}); err == nil {
		t.Error("expected error for short password")
	}
}

func TestRegisterInviteRequired(t *testing.T) {
	ds := newTestStore(t)
	svc := NewService(ds, true)
	ctx := context.Background()

	_, err := svc.Register(ctx, RegisterRequest{Username: "alice", Password: "correct-horse"})
	if !errors.Is(err, ErrInvalidInvite) {
		t.Fatalf("expected ErrInvalidInvite without a code, got %v", err)
	}

	codes, err := svc.CreateInvites(ctx, "root", 1)
	if err != nil || len(codes) != 1 {
		t.Fatalf("CreateInvites failed: %v (%d codes)", err, len(codes))
	}

	if _, err := svc.Register(ctx, RegisterRequest{
		Username: "alice", Password: "correct-horse", InviteCode: codes[0],
	}); err != nil {
		t.Fatalf("Register with valid invite failed: %v", err)
	}

	invite, err := ds.GetInvite(ctx, codes[0])
	if err != nil {
		t.Fatalf("GetInvite failed: %v", err)
	}
	if !invite.Used || invite.UsedBy != "alice" {
		t.Errorf("expected invite consumed by alice, got %+v", invite)
	}

	// A consumed code cannot be spent twice.
	_, err = svc.Register(ctx, RegisterRequest{
		Username: "bob", Password: "correct-horse", InviteCode: codes[0],
	})
	if !errors.Is(err, ErrInvalidInvite) {
		t.Errorf("expected ErrInvalidInvite for a used code, got %v", err)
	}
}

func TestCreateInvitesMinimumOne(t *testing.T) {
	svc := NewService(newTestStore(t), true)
	codes, err := svc.CreateInvites(context.Background(), "root", 0)
	if err != nil {
		t.Fatalf("CreateInvites failed: %v", err)
	}
	if len(codes) != 1 {
		t.Errorf("expected count clamped to 1, got %d", len(codes))
	}
}

func TestPasswordResetFlow(t *testing.T) {
	ds := newTestStore(t)
	svc := NewService(ds, false)
	ctx := context.Background()

	if _, err := svc.Register(ctx, RegisterRequest{
		Username: "alice", Email: "alice@example.com", Password: "correct-horse",
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	// Mismatched email looks identical to success but yields no token.
	token, err := svc.RequestPasswordReset(ctx, "alice", "wrong@example.com")
	if err != nil || token != "" {
		t.Fatalf("expected silent empty token for wrong email, got %q, %v", token, err)
	}
	token, err = svc.RequestPasswordReset(ctx, "nobody", "alice@example.com")
	if err != nil || token != "" {
		t.Fatalf("expected silent empty token for unknown user, got %q, %v", token, err)
	}

	token, err = svc.RequestPasswordReset(ctx, "Alice", "Alice@Example.com")
	if err != nil {
		t.Fatalf("RequestPasswordReset failed: %v", err)
	}
	if token == "" {
		t.Fatal("expected a reset token for matching email")
	}

	// The token is bound to the account it was minted for.
	err = svc.ResetPassword(ctx, ResetPasswordRequest{
		Username: "mallory", Token: token, NewPassword: "stolen-pass",
	})
	if !errors.Is(err, ErrInvalidReset) {
		t.Errorf("expected ErrInvalidReset for wrong username, got %v", err)
	}

	if err := svc.ResetPassword(ctx, ResetPasswordRequest{
		Username: "alice", Token: token, NewPassword: "fresh-password",
	}); err != nil {
		t.Fatalf("ResetPassword failed: %v", err)
	}

	if _, err := svc.Login(ctx, "alice", "fresh-password"); err != nil {
		t.Errorf("Login with new password failed: %v", err)
	}
	if _, err := svc.Login(ctx, "alice", "correct-horse"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected old password rejected, got %v", err)
	}

	// Single use.
	err = svc.ResetPassword(ctx, ResetPasswordRequest{
		Username: "alice", Token: token, NewPassword: "yet-another-pass",
	})
	if !errors.Is(err, ErrInvalidReset) {
		t.Errorf("expected ErrInvalidReset reusing a token, got %v", err)
	}

	err = svc.ResetPassword(ctx, ResetPasswordRequest{
		Username: "alice", Token: "no-such-token", NewPassword: "whatever-pass",
	})
	if !errors.Is(err, ErrInvalidReset) {
		t.Errorf("expected ErrInvalidReset for unknown token, got %v", err)
	}
}
