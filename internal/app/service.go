package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strings"
	"time"

	"familytree/api/internal/auth"
	"familytree/api/internal/config"
	"familytree/api/internal/store"
	"familytree/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	Username     string
	Role         string
	Space        string
	JTI          string
	ExpiresAt    time.Time
}

// dataStore is the slice of the document store the service consumes.
type dataStore interface {
	CreateMember(context.Context, store.Member) error
	GetMember(context.Context, string) (store.Member, error)
	UpdateMember(context.Context, store.Member) error
	DeleteMember(context.Context, string) error
	ListMembers(context.Context, string) ([]store.Member, error)

	ReserveNameKey(ctx context.Context, spaceID, nameKey, memberID string) error
	ReleaseNameKey(ctx context.Context, spaceID, nameKey string) error

	InsertRelation(context.Context, store.Relation) error
	ListRelations(context.Context, string) ([]store.Relation, error)
	RelationsByParent(ctx context.Context, spaceID, parentID string) ([]store.Relation, error)
	DeleteRelationsByChild(ctx context.Context, spaceID, childID string) error
	ReplaceRelations(ctx context.Context, spaceID string, pairs []store.RelationPair) error

	InsertTreeVersion(context.Context, store.TreeVersion) error
	GetTreeVersion(context.Context, string) (store.TreeVersion, error)
	ListTreeVersions(context.Context, string) ([]store.TreeVersion, error)
	LatestVersionNumber(context.Context, string) (int, error)
	SetTreeVersionNumber(ctx context.Context, id string, number int) error
	GetActiveVersion(context.Context, string) (string, error)
	SetActiveVersion(ctx context.Context, spaceID, versionID string) error

	CreateUser(context.Context, store.User) error
	GetUser(context.Context, string) (store.User, error)
	UpdateUser(context.Context, store.User) error

	SetEventNotification(context.Context, store.EventNotification) error
	GetEventNotification(context.Context, string) (store.EventNotification, error)
	ListEnabledEventNotifications(context.Context) ([]store.EventNotification, error)

	CreateSpace(context.Context, store.Space) error
	GetSpace(context.Context, string) (store.Space, error)
	DeleteSpace(context.Context, string) error
	ListSpaces(context.Context) ([]store.Space, error)

	Ping(context.Context) error
}

type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, username string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (string, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
}

func New(cfg config.Config, dataStore *store.RedisStore, sessions sessionStore) *Service {
	return &Service{cfg: cfg, store: dataStore, sessions: sessions}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Bootstrap seeds the default space so fresh deployments have somewhere to
// put members before an admin creates real spaces.
func (s *Service) Bootstrap(ctx context.Context) error {
	space := store.Space{
		ID:        s.cfg.DefaultSpace,
		Name:      strings.ToUpper(s.cfg.DefaultSpace[:1]) + s.cfg.DefaultSpace[1:],
		CreatedBy: "system",
		CreatedAt: time.Now().UTC(),
	}
	err := s.store.CreateSpace(ctx, space)
	if err != nil && !errors.Is(err, store.ErrExists) {
		return fmt.Errorf("seed default space: %w", err)
	}
	return nil
}

// UserSpace resolves the space a user currently works in, falling back to
// the default space for accounts that never selected one.
func (s *Service) UserSpace(ctx context.Context, username string) (string, error) {
	user, err := s.store.GetUser(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return s.cfg.DefaultSpace, nil
	}
	if err != nil {
		return "", err
	}
	if user.CurrentSpace == "" {
		return s.cfg.DefaultSpace, nil
	}
	return user.CurrentSpace, nil
}

func (s *Service) SelectSpace(ctx context.Context, username, spaceID string) error {
	spaceID = strings.ToLower(strings.TrimSpace(spaceID))
	if spaceID == "" {
		return badRequestError("Space ID is required")
	}
	if _, err := s.store.GetSpace(ctx, spaceID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFoundError("Family space not found")
		}
		return err
	}
	user, err := s.store.GetUser(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFoundError("User not found")
		}
		return err
	}
	user.CurrentSpace = spaceID
	return s.store.UpdateUser(ctx, user)
}

// Spaces

var spaceIDRe = regexp.MustCompile(`^[a-z0-9_-]+$`)

func (s *Service) ListSpaces(ctx context.Context) ([]store.Space, error) {
	spaces, err := s.store.ListSpaces(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(spaces, func(i, j int) bool {
		return strings.ToLower(spaces[i].Name) < strings.ToLower(spaces[j].Name)
	})
	return spaces, nil
}

func (s *Service) GetSpace(ctx context.Context, id string) (store.Space, error) {
	space, err := s.store.GetSpace(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return store.Space{}, notFoundError("Family space not found")
	}
	return space, err
}

func (s *Service) CreateSpace(ctx context.Context, id, name, description, createdBy string) (store.Space, error) {
	id = strings.ToLower(strings.TrimSpace(id))
	name = strings.TrimSpace(name)
	switch {
	case id == "":
		return store.Space{}, badRequestError("Space ID is required")
	case !spaceIDRe.MatchString(id):
		return store.Space{}, badRequestError("Space ID must contain only lowercase letters, numbers, hyphens, and underscores")
	case len(id) > 50:
		return store.Space{}, badRequestError("Space ID too long (max 50 characters)")
	case name == "":
		return store.Space{}, badRequestError("Space name is required")
	case len(name) > 100:
		return store.Space{}, badRequestError("Space name too long (max 100 characters)")
	}

	space := store.Space{
		ID:          id,
		Name:        name,
		Description: strings.TrimSpace(description),
		CreatedBy:   createdBy,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateSpace(ctx, space); err != nil {
		if errors.Is(err, store.ErrExists) {
			return store.Space{}, conflictError("Family space already exists")
		}
		return store.Space{}, err
	}
	return space, nil
}

func (s *Service) DeleteSpace(ctx context.Context, id string) error {
	if _, err := s.store.GetSpace(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFoundError("Family space not found")
		}
		return err
	}
	return s.store.DeleteSpace(ctx, id)
}

// Tree

func (s *Service) GetTree(ctx context.Context, spaceID string) (Forest, error) {
	members, err := s.store.ListMembers(ctx, spaceID)
	if err != nil {
		return Forest{}, err
	}
	relations, err := s.store.ListRelations(ctx, spaceID)
	if err != nil {
		return Forest{}, err
	}
	return assembleForest(members, relations), nil
}

// Members

var nameRe = regexp.MustCompile(`^[A-Za-z-]+$`)

const dobLayout = "01/02/2006"

func nameKey(firstName, lastName string) string {
	return strings.ToLower(strings.TrimSpace(firstName)) + "|" + strings.ToLower(strings.TrimSpace(lastName))
}

// parseDOB parses the MM/DD/YYYY display format, returning nil without
// error for unparseable input; the raw string is kept either way.
func parseDOB(value string) *time.Time {
	parsed, err := time.ParseInLocation(dobLayout, value, time.UTC)
	if err != nil {
		return nil
	}
	return &parsed
}

type CreateMemberInput struct {
	FirstName         string   `json:"first_name"`
	LastName          string   `json:"last_name"`
	DOB               string   `json:"dob"`
	NickName          string   `json:"nick_name"`
	MiddleName        string   `json:"middle_name"`
	SpouseID          string   `json:"spouse_id"`
	IsDeceased        bool     `json:"is_deceased"`
	DateOfDeath       string   `json:"date_of_death"`
	BirthLocation     string   `json:"birth_location"`
	ResidenceLocation string   `json:"residence_location"`
	Email             string   `json:"email"`
	Phone             string   `json:"phone"`
	Hobbies           []string `json:"hobbies"`
	ProfilePictureURL string   `json:"profile_picture_url"`
}

func validateName(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return badRequestError(field + " is required")
	}
	if !nameRe.MatchString(value) {
		return badRequestError(field + " may only contain letters and -")
	}
	return nil
}

func validateDates(dob, dateOfDeath string) error {
	now := time.Now().UTC()
	dobTs := parseDOB(dob)
	if dobTs != nil && dobTs.After(now) {
		return badRequestError("This date cannot be in the future")
	}
	if dateOfDeath == "" {
		return nil
	}
	deathTs := parseDOB(dateOfDeath)
	if deathTs == nil {
		return nil
	}
	if deathTs.After(now) {
		return badRequestError("This date cannot be in the future")
	}
	if dobTs != nil && !deathTs.After(*dobTs) {
		return badRequestError("Date of Death must be later than Date of Birth.")
	}
	return nil
}

// CreateMember reserves the name guard, writes the member, then links the
// spouse. The guard is created first so two concurrent creates with the
// same name race on a single atomic document; if the member write fails the
// guard is rolled back best effort.
func (s *Service) CreateMember(ctx context.Context, spaceID string, input CreateMemberInput) (store.Member, error) {
	if err := validateName("first_name", input.FirstName); err != nil {
		return store.Member{}, err
	}
	if err := validateName("last_name", input.LastName); err != nil {
		return store.Member{}, err
	}
	if strings.TrimSpace(input.DOB) == "" {
		return store.Member{}, badRequestError("dob is required")
	}
	if err := validateDates(input.DOB, input.DateOfDeath); err != nil {
		return store.Member{}, err
	}

	// Spouse checks happen before the guard is taken so a rejected request
	// leaves no stray lock behind.
	var spouse store.Member
	if input.SpouseID != "" {
		var err error
		spouse, err = s.spaceMember(ctx, spaceID, input.SpouseID)
		if err != nil {
			return store.Member{}, notFoundErrIfMissing(err, "Spouse not found")
		}
		if spouse.SpouseID != "" {
			return store.Member{}, conflictError("Spouse is already linked to another member")
		}
	}

	key := nameKey(input.FirstName, input.LastName)
	memberID := util.NewID("mem")
	if err := s.store.ReserveNameKey(ctx, spaceID, key, memberID); err != nil {
		if errors.Is(err, store.ErrExists) {
			return store.Member{}, conflictError("Member with same first_name and last_name already exists")
		}
		return store.Member{}, err
	}

	member := store.Member{
		ID:                memberID,
		SpaceID:           spaceID,
		FirstName:         input.FirstName,
		LastName:          input.LastName,
		NameKey:           key,
		NickName:          input.NickName,
		MiddleName:        input.MiddleName,
		DOB:               input.DOB,
		DOBTs:             parseDOB(input.DOB),
		SpouseID:          input.SpouseID,
		IsDeceased:        input.IsDeceased,
		DateOfDeath:       input.DateOfDeath,
		BirthLocation:     input.BirthLocation,
		ResidenceLocation: input.ResidenceLocation,
		Email:             input.Email,
		Phone:             input.Phone,
		Hobbies:           input.Hobbies,
		ProfilePictureURL: input.ProfilePictureURL,
		CreatedAt:         time.Now().UTC(),
	}
	if err := s.store.CreateMember(ctx, member); err != nil {
		if releaseErr := s.store.ReleaseNameKey(ctx, spaceID, key); releaseErr != nil {
			log.Printf("rollback name guard %s/%s failed: %v", spaceID, key, releaseErr)
		}
		return store.Member{}, err
	}

	if input.SpouseID != "" {
		spouse.SpouseID = memberID
		if err := s.store.UpdateMember(ctx, spouse); err != nil {
			return store.Member{}, fmt.Errorf("link spouse back-reference: %w", err)
		}
	}
	return member, nil
}

type UpdateMemberInput struct {
	FirstName         *string   `json:"first_name"`
	LastName          *string   `json:"last_name"`
	DOB               *string   `json:"dob"`
	NickName          *string   `json:"nick_name"`
	MiddleName        *string   `json:"middle_name"`
	IsDeceased        *bool     `json:"is_deceased"`
	DateOfDeath       *string   `json:"date_of_death"`
	BirthLocation     *string   `json:"birth_location"`
	ResidenceLocation *string   `json:"residence_location"`
	Email             *string   `json:"email"`
	Phone             *string   `json:"phone"`
	Hobbies           *[]string `json:"hobbies"`
	ProfilePictureURL *string   `json:"profile_picture_url"`
}

// UpdateMember applies a partial update. A rename swaps name guards as a
// two-step saga: reserve the new key, write the member, release the old
// key; a failed member write rolls the new guard back best effort.
func (s *Service) UpdateMember(ctx context.Context, spaceID, memberID string, input UpdateMemberInput) (store.Member, error) {
	member, err := s.spaceMember(ctx, spaceID, memberID)
	if err != nil {
		return store.Member{}, notFoundErrIfMissing(err, "Member not found")
	}

	updated := member
	if input.FirstName != nil {
		if err := validateName("first_name", *input.FirstName); err != nil {
			return store.Member{}, err
		}
		updated.FirstName = *input.FirstName
	}
	if input.LastName != nil {
		if err := validateName("last_name", *input.LastName); err != nil {
			return store.Member{}, err
		}
		updated.LastName = *input.LastName
	}
	if input.DOB != nil && strings.TrimSpace(*input.DOB) != "" {
		updated.DOB = *input.DOB
		updated.DOBTs = parseDOB(*input.DOB)
	}
	if input.DateOfDeath != nil {
		updated.DateOfDeath = *input.DateOfDeath
	}
	if err := validateDates(updated.DOB, updated.DateOfDeath); err != nil {
		return store.Member{}, err
	}
	if input.NickName != nil {
		updated.NickName = *input.NickName
	}
	if input.MiddleName != nil {
		updated.MiddleName = *input.MiddleName
	}
	if input.IsDeceased != nil {
		updated.IsDeceased = *input.IsDeceased
	}
	if input.BirthLocation != nil {
		updated.BirthLocation = *input.BirthLocation
	}
	if input.ResidenceLocation != nil {
		updated.ResidenceLocation = *input.ResidenceLocation
	}
	if input.Email != nil {
		updated.Email = *input.Email
	}
	if input.Phone != nil {
		updated.Phone = *input.Phone
	}
	if input.Hobbies != nil {
		updated.Hobbies = *input.Hobbies
	}
	if input.ProfilePictureURL != nil {
		updated.ProfilePictureURL = *input.ProfilePictureURL
	}

	oldKey := member.NameKey
	if oldKey == "" {
		oldKey = nameKey(member.FirstName, member.LastName)
	}
	newKey := nameKey(updated.FirstName, updated.LastName)
	updated.NameKey = newKey

	if newKey != oldKey {
		if err := s.store.ReserveNameKey(ctx, spaceID, newKey, memberID); err != nil {
			if errors.Is(err, store.ErrExists) {
				return store.Member{}, conflictError("Member with same first_name and last_name already exists")
			}
			return store.Member{}, err
		}
		if err := s.store.UpdateMember(ctx, updated); err != nil {
			if releaseErr := s.store.ReleaseNameKey(ctx, spaceID, newKey); releaseErr != nil {
				log.Printf("rollback name guard %s/%s failed: %v", spaceID, newKey, releaseErr)
			}
			return store.Member{}, err
		}
		if err := s.store.ReleaseNameKey(ctx, spaceID, oldKey); err != nil {
			// A stray old guard blocks re-use of the old name but corrupts
			// nothing; log and move on.
			log.Printf("release old name guard %s/%s failed: %v", spaceID, oldKey, err)
		}
		return updated, nil
	}

	if err := s.store.UpdateMember(ctx, updated); err != nil {
		return store.Member{}, err
	}
	return updated, nil
}

// DeleteMember removes a childless member, their incoming relations, their
// name guard, and their spouse's back-reference.
func (s *Service) DeleteMember(ctx context.Context, spaceID, memberID string) error {
	member, err := s.spaceMember(ctx, spaceID, memberID)
	if err != nil {
		return notFoundErrIfMissing(err, "Member not found")
	}

	children, err := s.store.RelationsByParent(ctx, spaceID, memberID)
	if err != nil {
		return err
	}
	if len(children) > 0 {
		return badRequestError("Cannot delete: member has children")
	}

	if err := s.store.DeleteRelationsByChild(ctx, spaceID, memberID); err != nil {
		return err
	}

	if member.SpouseID != "" {
		if spouse, err := s.store.GetMember(ctx, member.SpouseID); err == nil && spouse.SpouseID == memberID {
			spouse.SpouseID = ""
			if err := s.store.UpdateMember(ctx, spouse); err != nil {
				return err
			}
		}
	}

	key := member.NameKey
	if key == "" {
		key = nameKey(member.FirstName, member.LastName)
	}
	if err := s.store.ReleaseNameKey(ctx, spaceID, key); err != nil {
		log.Printf("release name guard %s/%s failed: %v", spaceID, key, err)
	}
	return s.store.DeleteMember(ctx, memberID)
}

// SetSpouse links or clears a spouse pairing. Both sides are updated so the
// back-references stay symmetric; the two writes are separate documents, so
// a concurrent reader can observe a one-sided link for the duration of the
// request.
func (s *Service) SetSpouse(ctx context.Context, spaceID, memberID, spouseID string) error {
	member, err := s.spaceMember(ctx, spaceID, memberID)
	if err != nil {
		return notFoundErrIfMissing(err, "Member not found")
	}

	if spouseID == "" {
		return s.clearSpouse(ctx, member)
	}

	if spouseID == memberID {
		return badRequestError("Member cannot be their own spouse")
	}
	spouse, err := s.spaceMember(ctx, spaceID, spouseID)
	if err != nil {
		return notFoundErrIfMissing(err, "Spouse not found")
	}
	if spouse.SpouseID != "" && spouse.SpouseID != memberID {
		return conflictError("Spouse is already linked to another member")
	}

	// Re-marrying replaces the existing pairing: unlink the former spouse
	// first so no back-reference dangles.
	if member.SpouseID != "" && member.SpouseID != spouseID {
		if former, err := s.store.GetMember(ctx, member.SpouseID); err == nil && former.SpouseID == memberID {
			former.SpouseID = ""
			if err := s.store.UpdateMember(ctx, former); err != nil {
				return err
			}
		}
	}

	member.SpouseID = spouseID
	if err := s.store.UpdateMember(ctx, member); err != nil {
		return err
	}
	spouse.SpouseID = memberID
	return s.store.UpdateMember(ctx, spouse)
}

func (s *Service) clearSpouse(ctx context.Context, member store.Member) error {
	if member.SpouseID == "" {
		return nil
	}
	if spouse, err := s.store.GetMember(ctx, member.SpouseID); err == nil && spouse.SpouseID == member.ID {
		spouse.SpouseID = ""
		if err := s.store.UpdateMember(ctx, spouse); err != nil {
			return err
		}
	}
	member.SpouseID = ""
	return s.store.UpdateMember(ctx, member)
}

type MoveInput struct {
	ChildID     string  `json:"child_id"`
	NewParentID *string `json:"new_parent_id"`
}

// Move re-points a member's parent edge. Validation runs before any write,
// so a rejected move leaves the relation set untouched.
func (s *Service) Move(ctx context.Context, spaceID string, input MoveInput) error {
	child, err := s.spaceMember(ctx, spaceID, input.ChildID)
	if err != nil {
		return notFoundErrIfMissing(err, "Member not found")
	}

	if input.NewParentID != nil {
		parentID := *input.NewParentID
		if parentID == input.ChildID {
			return badRequestError("Member cannot be their own parent")
		}
		if _, err := s.spaceMember(ctx, spaceID, parentID); err != nil {
			return notFoundErrIfMissing(err, "Parent not found")
		}
		if child.SpouseID == parentID {
			return badRequestError("A member's spouse cannot be their parent")
		}
		descended, err := s.isDescendant(ctx, spaceID, input.ChildID, parentID)
		if err != nil {
			return err
		}
		if descended {
			return badRequestError("Move would create a cycle")
		}
	}

	if err := s.store.DeleteRelationsByChild(ctx, spaceID, input.ChildID); err != nil {
		return err
	}
	relation := store.Relation{
		ID:        util.NewID("rel"),
		SpaceID:   spaceID,
		ParentID:  input.NewParentID,
		ChildID:   input.ChildID,
		CreatedAt: time.Now().UTC(),
	}
	return s.store.InsertRelation(ctx, relation)
}

// isDescendant reports whether target is reachable from root by following
// parent -> child edges. A visited set bounds the walk on cyclic data.
func (s *Service) isDescendant(ctx context.Context, spaceID, root, target string) (bool, error) {
	relations, err := s.store.ListRelations(ctx, spaceID)
	if err != nil {
		return false, err
	}
	childrenOf := make(map[string][]string)
	for _, relation := range relations {
		if relation.ParentID == nil {
			continue
		}
		childrenOf[*relation.ParentID] = append(childrenOf[*relation.ParentID], relation.ChildID)
	}

	visited := map[string]bool{root: true}
	queue := append([]string{}, childrenOf[root]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		if id == target {
			return true, nil
		}
		visited[id] = true
		queue = append(queue, childrenOf[id]...)
	}
	return false, nil
}

// spaceMember fetches a member and hides members from other spaces behind
// the same not-found result.
func (s *Service) spaceMember(ctx context.Context, spaceID, memberID string) (store.Member, error) {
	member, err := s.store.GetMember(ctx, memberID)
	if err != nil {
		return store.Member{}, err
	}
	if member.SpaceID != spaceID {
		return store.Member{}, store.ErrNotFound
	}
	return member, nil
}

func notFoundErrIfMissing(err error, message string) error {
	if errors.Is(err, store.ErrNotFound) {
		return notFoundError(message)
	}
	return err
}

// Sessions

func (s *Service) IssueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	space := user.CurrentSpace
	if space == "" {
		space = s.cfg.DefaultSpace
	}

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:   user.Username,
		Space: space,
		Role:  user.Role,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.Username, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		Username:     user.Username,
		Role:         user.Role,
		Space:        space,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	username, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUser(ctx, username)
	if err != nil {
		return Session{}, err
	}
	return s.IssueSession(ctx, user)
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
}

func (s *Service) SessionFromToken(token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Username:  claims.Sub,
		Role:      claims.Role,
		Space:     claims.Space,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}
