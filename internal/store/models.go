package store

import "time"

// Member is one person in a family space. SpouseID is a symmetric
// back-reference: when set on A it names B and B names A. NameKey is the
// normalized "first|last" uniqueness key, guarded by a NameGuard document.
type Member struct {
	ID                string     `json:"id"`
	SpaceID           string     `json:"space_id"`
	FirstName         string     `json:"first_name"`
	LastName          string     `json:"last_name"`
	NameKey           string     `json:"name_key"`
	NickName          string     `json:"nick_name,omitempty"`
	MiddleName        string     `json:"middle_name,omitempty"`
	DOB               string     `json:"dob,omitempty"`
	DOBTs             *time.Time `json:"dob_ts,omitempty"`
	SpouseID          string     `json:"spouse_id,omitempty"`
	IsDeceased        bool       `json:"is_deceased,omitempty"`
	DateOfDeath       string     `json:"date_of_death,omitempty"`
	BirthLocation     string     `json:"birth_location,omitempty"`
	ResidenceLocation string     `json:"residence_location,omitempty"`
	Email             string     `json:"email,omitempty"`
	Phone             string     `json:"phone,omitempty"`
	Hobbies           []string   `json:"hobbies,omitempty"`
	ProfilePictureURL string     `json:"profile_picture_url,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// Relation is a directed parent -> child edge. A nil ParentID makes the
// child an explicit root.
type Relation struct {
	ID        string    `json:"id"`
	SpaceID   string    `json:"space_id"`
	ParentID  *string   `json:"parent_id"`
	ChildID   string    `json:"child_id"`
	CreatedAt time.Time `json:"created_at"`
}

// RelationPair is the snapshot form of a relation, stripped of identity.
type RelationPair struct {
	ParentID *string `json:"parent_id"`
	ChildID  string  `json:"child_id"`
}

// NameGuard is the uniqueness lock document for a (space, name_key) pair.
// Its existence reserves the key; MemberID records the owner so a rename
// to the member's own key is not a conflict.
type NameGuard struct {
	SpaceID  string `json:"space_id"`
	NameKey  string `json:"name_key"`
	MemberID string `json:"member_id"`
}

// TreeVersion is an immutable snapshot of a space's relation set. Written
// once on save and never mutated, except for the administrative version
// number backfill.
type TreeVersion struct {
	ID             string         `json:"id"`
	SpaceID        string         `json:"space_id"`
	Version        int            `json:"version"`
	Relations      []RelationPair `json:"relations"`
	RelationsCount int            `json:"relations_count"`
	CreatedBy      string         `json:"created_by,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// TreeState is the mutable active-version pointer, one document per space.
type TreeState struct {
	SpaceID   string    `json:"space_id"`
	VersionID string    `json:"version_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

type User struct {
	Username            string    `json:"username"`
	Email               string    `json:"email"`
	PasswordHash        string    `json:"password_hash"`
	Role                string    `json:"role"`
	CurrentSpace        string    `json:"current_space,omitempty"`
	FirstName           string    `json:"first_name,omitempty"`
	LastName            string    `json:"last_name,omitempty"`
	ProfilePhotoDataURL string    `json:"profile_photo,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// EventNotification is a per-user opt-in flag for family event reminder
// mail, keyed by username.
type EventNotification struct {
	Username  string    `json:"username"`
	Enabled   bool      `json:"enabled"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Space struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedBy   string    `json:"created_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type Invite struct {
	Code      string    `json:"code"`
	CreatedBy string    `json:"created_by,omitempty"`
	UsedBy    string    `json:"used_by,omitempty"`
	Used      bool      `json:"used"`
	CreatedAt time.Time `json:"created_at"`
}

type PasswordReset struct {
	Token     string    `json:"token"`
	Username  string    `json:"username"`
	Used      bool      `json:"used"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}
