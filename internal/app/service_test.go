package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"familytree/api/internal/config"
	"familytree/api/internal/store"
)

type fakeSessions struct {
	tokens map[string]string
}

func (f *fakeSessions) SaveRefreshSession(_ context.Context, tokenHash, username string, _ time.Time) error {
	f.tokens[tokenHash] = username
	return nil
}

func (f *fakeSessions) LookupRefreshSession(_ context.Context, tokenHash string) (string, error) {
	username, ok := f.tokens[tokenHash]
	if !ok {
		return "", errors.New("token not found")
	}
	return username, nil
}

func (f *fakeSessions) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	delete(f.tokens, tokenHash)
	return nil
}

func newTestService(t *testing.T) (*Service, *store.RedisStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	dataStore, err := store.NewRedisStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	t.Cleanup(func() { dataStore.Close() })

	cfg := config.Config{
		DefaultSpace: "demo",
		JWTSecret:    "test-secret",
		AccessTTL:    time.Hour,
		RefreshTTL:   24 * time.Hour,
	}
	return New(cfg, dataStore, &fakeSessions{tokens: map[string]string{}}), dataStore
}

func mustCreateMember(t *testing.T, svc *Service, spaceID, first, last string) store.Member {
	t.Helper()
	created, err := svc.CreateMember(context.Background(), spaceID, CreateMemberInput{
		FirstName: first,
		LastName:  last,
		DOB:       "01/15/1980",
	})
	if err != nil {
		t.Fatalf("CreateMember(%s %s) failed: %v", first, last, err)
	}
	return created
}

func wantDomainStatus(t *testing.T, err error, status int) {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected domain error with status %d, got %v", status, err)
	}
	if domainErr.Status != status {
		t.Fatalf("expected status %d, got %d (%s: %s)", status, domainErr.Status, domainErr.Code, domainErr.Message)
	}
}

func TestCreateMemberDuplicateName(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	mustCreateMember(t, svc, "demo", "Alice", "Smith")

	_, err := svc.CreateMember(ctx, "demo", CreateMemberInput{
		FirstName: "Alice", LastName: "Smith", DOB: "03/01/1990",
	})
	wantDomainStatus(t, err, 409)

	// Same name in another space is a different namespace.
	if _, err := svc.CreateMember(ctx, "other", CreateMemberInput{
		FirstName: "Alice", LastName: "Smith", DOB: "03/01/1990",
	}); err != nil {
		t.Fatalf("same name in another space should succeed: %v", err)
	}

	// Case and whitespace variants collide with the original.
	_, err = svc.CreateMember(ctx, "demo", CreateMemberInput{
		FirstName: "ALICE", LastName: "smith", DOB: "03/01/1990",
	})
	wantDomainStatus(t, err, 409)
}

func TestCreateMemberValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		input CreateMemberInput
	}{
		{"empty first name", CreateMemberInput{FirstName: "", LastName: "Smith", DOB: "01/15/1980"}},
		{"digits in name", CreateMemberInput{FirstName: "Al1ce", LastName: "Smith", DOB: "01/15/1980"}},
		{"missing dob", CreateMemberInput{FirstName: "Alice", LastName: "Smith"}},
		{"future dob", CreateMemberInput{FirstName: "Alice", LastName: "Smith", DOB: "01/15/2999"}},
		{"death before birth", CreateMemberInput{FirstName: "Alice", LastName: "Smith", DOB: "01/15/1980", DateOfDeath: "01/15/1970"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreateMember(ctx, "demo", tc.input)
			wantDomainStatus(t, err, 400)
		})
	}
}

func TestCreateMemberHyphenatedNameAllowed(t *testing.T) {
	svc, _ := newTestService(t)
	created, err := svc.CreateMember(context.Background(), "demo", CreateMemberInput{
		FirstName: "Mary-Jane", LastName: "Smith-Jones", DOB: "01/15/1980",
	})
	if err != nil {
		t.Fatalf("hyphenated name should be accepted: %v", err)
	}
	if created.NameKey != "mary-jane|smith-jones" {
		t.Errorf("unexpected name key %q", created.NameKey)
	}
}

func TestCreateMemberWithSpouseLinksBothSides(t *testing.T) {
	svc, ds := newTestService(t)
	ctx := context.Background()

	alice := mustCreateMember(t, svc, "demo", "Alice", "Smith")

	bob, err := svc.CreateMember(ctx, "demo", CreateMemberInput{
		FirstName: "Bob", LastName: "Jones", DOB: "05/20/1978", SpouseID: alice.ID,
	})
	if err != nil {
		t.Fatalf("CreateMember with spouse failed: %v", err)
	}

	reloaded, err := ds.GetMember(ctx, alice.ID)
	if err != nil {
		t.Fatalf("GetMember failed: %v", err)
	}
	if reloaded.SpouseID != bob.ID {
		t.Errorf("expected alice back-linked to bob, got %q", reloaded.SpouseID)
	}
}

func TestCreateMemberSpouseAlreadyTaken(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	alice := mustCreateMember(t, svc, "demo", "Alice", "Smith")
	if _, err := svc.CreateMember(ctx, "demo", CreateMemberInput{
		FirstName: "Bob", LastName: "Jones", DOB: "05/20/1978", SpouseID: alice.ID,
	}); err != nil {
		t.Fatalf("first marriage failed: %v", err)
	}

	_, err := svc.CreateMember(ctx, "demo", CreateMemberInput{
		FirstName: "Carl", LastName: "Brown", DOB: "02/02/1975", SpouseID: alice.ID,
	})
	wantDomainStatus(t, err, 409)
}

func TestSetSpouseSymmetricLinkAndClear(t *testing.T) {
	svc, ds := newTestService(t)
	ctx := context.Background()

	alice := mustCreateMember(t, svc, "demo", "Alice", "Smith")
	bob := mustCreateMember(t, svc, "demo", "Bob", "Jones")

	if err := svc.SetSpouse(ctx, "demo", alice.ID, bob.ID); err != nil {
		t.Fatalf("SetSpouse failed: %v", err)
	}
	a, _ := ds.GetMember(ctx, alice.ID)
	b, _ := ds.GetMember(ctx, bob.ID)
	if a.SpouseID != bob.ID || b.SpouseID != alice.ID {
		t.Fatalf("expected symmetric link, got %q / %q", a.SpouseID, b.SpouseID)
	}

	if err := svc.SetSpouse(ctx, "demo", alice.ID, ""); err != nil {
		t.Fatalf("clear spouse failed: %v", err)
	}
	a, _ = ds.GetMember(ctx, alice.ID)
	b, _ = ds.GetMember(ctx, bob.ID)
	if a.SpouseID != "" || b.SpouseID != "" {
		t.Errorf("expected both sides cleared, got %q / %q", a.SpouseID, b.SpouseID)
	}
}

func TestSetSpouseSelfRejected(t *testing.T) {
	svc, _ := newTestService(t)
	alice := mustCreateMember(t, svc, "demo", "Alice", "Smith")
	err := svc.SetSpouse(context.Background(), "demo", alice.ID, alice.ID)
	wantDomainStatus(t, err, 400)
}

func TestSetSpouseRemarryUnlinksFormer(t *testing.T) {
	svc, ds := newTestService(t)
	ctx := context.Background()

	alice := mustCreateMember(t, svc, "demo", "Alice", "Smith")
	bob := mustCreateMember(t, svc, "demo", "Bob", "Jones")
	carl := mustCreateMember(t, svc, "demo", "Carl", "Brown")

	if err := svc.SetSpouse(ctx, "demo", alice.ID, bob.ID); err != nil {
		t.Fatalf("first marriage failed: %v", err)
	}
	if err := svc.SetSpouse(ctx, "demo", alice.ID, carl.ID); err != nil {
		t.Fatalf("remarry failed: %v", err)
	}

	b, _ := ds.GetMember(ctx, bob.ID)
	if b.SpouseID != "" {
		t.Errorf("expected former spouse unlinked, got %q", b.SpouseID)
	}
	a, _ := ds.GetMember(ctx, alice.ID)
	c, _ := ds.GetMember(ctx, carl.ID)
	if a.SpouseID != carl.ID || c.SpouseID != alice.ID {
		t.Errorf("expected new pairing, got %q / %q", a.SpouseID, c.SpouseID)
	}
}

func TestSetSpouseCrossSpaceHidden(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	alice := mustCreateMember(t, svc, "demo", "Alice", "Smith")
	outsider := mustCreateMember(t, svc, "other", "Omar", "Out")

	err := svc.SetSpouse(ctx, "demo", alice.ID, outsider.ID)
	wantDomainStatus(t, err, 404)
}

func TestMoveReplacesIncomingEdge(t *testing.T) {
	svc, ds := newTestService(t)
	ctx := context.Background()

	parent := mustCreateMember(t, svc, "demo", "Pat", "Elder")
	other := mustCreateMember(t, svc, "demo", "Olga", "Elder")
	child := mustCreateMember(t, svc, "demo", "Cam", "Young")

	if err := svc.Move(ctx, "demo", MoveInput{ChildID: child.ID, NewParentID: &parent.ID}); err != nil {
		t.Fatalf("first move failed: %v", err)
	}
	if err := svc.Move(ctx, "demo", MoveInput{ChildID: child.ID, NewParentID: &other.ID}); err != nil {
		t.Fatalf("second move failed: %v", err)
	}

	relations, err := ds.ListRelations(ctx, "demo")
	if err != nil {
		t.Fatalf("ListRelations failed: %v", err)
	}
	incoming := 0
	for _, relation := range relations {
		if relation.ChildID == child.ID {
			incoming++
			if relation.ParentID == nil || *relation.ParentID != other.ID {
				t.Errorf("expected parent %s, got %v", other.ID, relation.ParentID)
			}
		}
	}
	if incoming != 1 {
		t.Errorf("expected exactly one incoming edge, got %d", incoming)
	}
}

func TestMoveToRootLevel(t *testing.T) {
	svc, ds := newTestService(t)
	ctx := context.Background()

	parent := mustCreateMember(t, svc, "demo", "Pat", "Elder")
	child := mustCreateMember(t, svc, "demo", "Cam", "Young")

	if err := svc.Move(ctx, "demo", MoveInput{ChildID: child.ID, NewParentID: &parent.ID}); err != nil {
		t.Fatalf("move under parent failed: %v", err)
	}
	if err := svc.Move(ctx, "demo", MoveInput{ChildID: child.ID, NewParentID: nil}); err != nil {
		t.Fatalf("move to root failed: %v", err)
	}

	relations, _ := ds.ListRelations(ctx, "demo")
	if len(relations) != 1 || relations[0].ParentID != nil {
		t.Fatalf("expected one nil-parent relation, got %+v", relations)
	}
}

func TestMoveSelfParentRejected(t *testing.T) {
	svc, _ := newTestService(t)
	child := mustCreateMember(t, svc, "demo", "Cam", "Young")
	err := svc.Move(context.Background(), "demo", MoveInput{ChildID: child.ID, NewParentID: &child.ID})
	wantDomainStatus(t, err, 400)
}

func TestMoveSpouseAsParentRejected(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	alice := mustCreateMember(t, svc, "demo", "Alice", "Smith")
	bob := mustCreateMember(t, svc, "demo", "Bob", "Jones")
	if err := svc.SetSpouse(ctx, "demo", alice.ID, bob.ID); err != nil {
		t.Fatalf("SetSpouse failed: %v", err)
	}

	err := svc.Move(ctx, "demo", MoveInput{ChildID: alice.ID, NewParentID: &bob.ID})
	wantDomainStatus(t, err, 400)
}

func TestMoveCycleRejectedLeavesRelationsUntouched(t *testing.T) {
	svc, ds := newTestService(t)
	ctx := context.Background()

	grand := mustCreateMember(t, svc, "demo", "Gina", "Elder")
	parent := mustCreateMember(t, svc, "demo", "Pat", "Mid")
	child := mustCreateMember(t, svc, "demo", "Cam", "Young")

	if err := svc.Move(ctx, "demo", MoveInput{ChildID: parent.ID, NewParentID: &grand.ID}); err != nil {
		t.Fatalf("move parent failed: %v", err)
	}
	if err := svc.Move(ctx, "demo", MoveInput{ChildID: child.ID, NewParentID: &parent.ID}); err != nil {
		t.Fatalf("move child failed: %v", err)
	}

	before, _ := ds.ListRelations(ctx, "demo")

	// Grand under child would close the loop.
	err := svc.Move(ctx, "demo", MoveInput{ChildID: grand.ID, NewParentID: &child.ID})
	wantDomainStatus(t, err, 400)

	after, _ := ds.ListRelations(ctx, "demo")
	if len(before) != len(after) {
		t.Fatalf("rejected move changed relations: %d -> %d", len(before), len(after))
	}
	for i := range before {
		if before[i].ID != after[i].ID {
			t.Errorf("relation %d changed after rejected move", i)
		}
	}
}

func TestUpdateMemberRenameSwapsNameGuard(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	alice := mustCreateMember(t, svc, "demo", "Alice", "Smith")
	mustCreateMember(t, svc, "demo", "Bob", "Jones")

	// Renaming onto an occupied name conflicts.
	newFirst, newLast := "Bob", "Jones"
	_, err := svc.UpdateMember(ctx, "demo", alice.ID, UpdateMemberInput{FirstName: &newFirst, LastName: &newLast})
	wantDomainStatus(t, err, 409)

	// A successful rename frees the old name.
	renamed := "Alicia"
	updated, err := svc.UpdateMember(ctx, "demo", alice.ID, UpdateMemberInput{FirstName: &renamed})
	if err != nil {
		t.Fatalf("rename failed: %v", err)
	}
	if updated.NameKey != "alicia|smith" {
		t.Errorf("unexpected name key %q", updated.NameKey)
	}
	if _, err := svc.CreateMember(ctx, "demo", CreateMemberInput{
		FirstName: "Alice", LastName: "Smith", DOB: "01/15/1980",
	}); err != nil {
		t.Fatalf("old name should be free after rename: %v", err)
	}
}

func TestUpdateMemberCaseOnlyRenameKeepsGuard(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	alice := mustCreateMember(t, svc, "demo", "Alice", "Smith")

	upper := "ALICE"
	if _, err := svc.UpdateMember(ctx, "demo", alice.ID, UpdateMemberInput{FirstName: &upper}); err != nil {
		t.Fatalf("case-only rename failed: %v", err)
	}

	// The normalized key did not change, so the name stays reserved.
	_, err := svc.CreateMember(ctx, "demo", CreateMemberInput{
		FirstName: "alice", LastName: "smith", DOB: "01/15/1980",
	})
	wantDomainStatus(t, err, 409)
}

func TestDeleteMemberWithChildrenRejected(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	parent := mustCreateMember(t, svc, "demo", "Pat", "Elder")
	child := mustCreateMember(t, svc, "demo", "Cam", "Young")
	if err := svc.Move(ctx, "demo", MoveInput{ChildID: child.ID, NewParentID: &parent.ID}); err != nil {
		t.Fatalf("move failed: %v", err)
	}

	err := svc.DeleteMember(ctx, "demo", parent.ID)
	wantDomainStatus(t, err, 400)
}

func TestDeleteMemberCleansUp(t *testing.T) {
	svc, ds := newTestService(t)
	ctx := context.Background()

	parent := mustCreateMember(t, svc, "demo", "Pat", "Elder")
	child := mustCreateMember(t, svc, "demo", "Cam", "Young")
	spouse := mustCreateMember(t, svc, "demo", "Sue", "Young")
	if err := svc.Move(ctx, "demo", MoveInput{ChildID: child.ID, NewParentID: &parent.ID}); err != nil {
		t.Fatalf("move failed: %v", err)
	}
	if err := svc.SetSpouse(ctx, "demo", child.ID, spouse.ID); err != nil {
		t.Fatalf("SetSpouse failed: %v", err)
	}

	if err := svc.DeleteMember(ctx, "demo", child.ID); err != nil {
		t.Fatalf("DeleteMember failed: %v", err)
	}

	if _, err := ds.GetMember(ctx, child.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected member gone, got %v", err)
	}
	relations, _ := ds.ListRelations(ctx, "demo")
	for _, relation := range relations {
		if relation.ChildID == child.ID {
			t.Errorf("expected incoming relation removed")
		}
	}
	s, _ := ds.GetMember(ctx, spouse.ID)
	if s.SpouseID != "" {
		t.Errorf("expected surviving spouse unlinked, got %q", s.SpouseID)
	}
	// Name is free again.
	if _, err := svc.CreateMember(ctx, "demo", CreateMemberInput{
		FirstName: "Cam", LastName: "Young", DOB: "01/15/1980",
	}); err != nil {
		t.Fatalf("name should be free after delete: %v", err)
	}
}

func TestGetTreeScopedToSpace(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	mustCreateMember(t, svc, "demo", "Alice", "Smith")
	mustCreateMember(t, svc, "other", "Omar", "Out")

	forest, err := svc.GetTree(ctx, "demo")
	if err != nil {
		t.Fatalf("GetTree failed: %v", err)
	}
	if len(forest.Members) != 1 {
		t.Fatalf("expected 1 member in demo space, got %d", len(forest.Members))
	}
	if forest.Members[0].FirstName != "Alice" {
		t.Errorf("unexpected member %s", forest.Members[0].FirstName)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	svc, ds := newTestService(t)
	ctx := context.Background()

	user := store.User{Username: "alice", Role: "member", CurrentSpace: "demo", CreatedAt: time.Now().UTC()}
	if err := ds.CreateUser(ctx, user); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	session, err := svc.IssueSession(ctx, user)
	if err != nil {
		t.Fatalf("IssueSession failed: %v", err)
	}

	parsed, err := svc.SessionFromToken(session.Token)
	if err != nil {
		t.Fatalf("SessionFromToken failed: %v", err)
	}
	if parsed.Username != "alice" || parsed.Space != "demo" {
		t.Errorf("unexpected session %+v", parsed)
	}

	refreshed, err := svc.Refresh(ctx, session.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if refreshed.Username != "alice" {
		t.Errorf("unexpected refreshed session %+v", refreshed)
	}

	// The old refresh token is single use.
	if _, err := svc.Refresh(ctx, session.RefreshToken); err == nil {
		t.Error("expected error reusing a refresh token")
	}
}
