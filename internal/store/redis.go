// Package store persists the family graph as flat JSON documents in Redis.
//
// Each collection keeps one string key per document plus a sorted-set index
// whose scores come from a per-collection sequence, so scans replay
// insertion order deterministically. The only cross-document guarantee the
// adapter relies on is Redis's per-key atomicity: SET NX is the
// create-if-absent primitive behind document creation and the name guards.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"familytree/api/internal/util"
)

const (
	colMembers        = "members"
	colRelations      = "relations"
	colMemberKeys     = "member_keys"
	colTreeVersions   = "tree_versions"
	colTreeState      = "tree_state"
	colUsers          = "users"
	colSpaces         = "spaces"
	colInvites        = "invites"
	colPasswordResets = "password_resets"
	colEventNotifs    = "event_notifications"
)

var (
	ErrExists   = errors.New("document already exists")
	ErrNotFound = errors.New("document not found")
)

// RedisStore implements the document store for all collections.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func docKey(collection, id string) string { return "ft:doc:" + collection + ":" + id }
func idxKey(collection string) string     { return "ft:idx:" + collection }
func seqKey(collection string) string     { return "ft:seq:" + collection }

// create writes a document only if no document with the same id exists.
func (s *RedisStore) create(ctx context.Context, collection, id string, doc any) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal %s document: %w", collection, err)
	}
	ok, err := s.client.SetNX(ctx, docKey(collection, id), payload, 0).Result()
	if err != nil {
		return fmt.Errorf("create %s/%s: %w", collection, id, err)
	}
	if !ok {
		return ErrExists
	}
	return s.index(ctx, collection, id)
}

// put overwrites a document, creating it if absent.
func (s *RedisStore) put(ctx context.Context, collection, id string, doc any) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal %s document: %w", collection, err)
	}
	if err := s.client.Set(ctx, docKey(collection, id), payload, 0).Err(); err != nil {
		return fmt.Errorf("put %s/%s: %w", collection, id, err)
	}
	return s.index(ctx, collection, id)
}

func (s *RedisStore) index(ctx context.Context, collection, id string) error {
	seq, err := s.client.Incr(ctx, seqKey(collection)).Result()
	if err != nil {
		return fmt.Errorf("sequence %s: %w", collection, err)
	}
	// NX keeps the original insertion position on overwrites.
	err = s.client.ZAddNX(ctx, idxKey(collection), redis.Z{Score: float64(seq), Member: id}).Err()
	if err != nil {
		return fmt.Errorf("index %s/%s: %w", collection, id, err)
	}
	return nil
}

func (s *RedisStore) get(ctx context.Context, collection, id string, out any) error {
	payload, err := s.client.Get(ctx, docKey(collection, id)).Result()
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	if err := json.Unmarshal([]byte(payload), out); err != nil {
		return fmt.Errorf("unmarshal %s/%s: %w", collection, id, err)
	}
	return nil
}

func (s *RedisStore) remove(ctx context.Context, collection, id string) error {
	if err := s.client.Del(ctx, docKey(collection, id)).Err(); err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	if err := s.client.ZRem(ctx, idxKey(collection), id).Err(); err != nil {
		return fmt.Errorf("unindex %s/%s: %w", collection, id, err)
	}
	return nil
}

// scan visits every document in insertion order. Documents deleted between
// reading the index and fetching the payloads are skipped.
func (s *RedisStore) scan(ctx context.Context, collection string, each func(raw []byte) error) error {
	ids, err := s.client.ZRange(ctx, idxKey(collection), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("scan index %s: %w", collection, err)
	}
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = docKey(collection, id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return fmt.Errorf("scan %s: %w", collection, err)
	}
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		if err := each([]byte(raw)); err != nil {
			return err
		}
	}
	return nil
}

// Members

func (s *RedisStore) CreateMember(ctx context.Context, member Member) error {
	return s.create(ctx, colMembers, member.ID, member)
}

func (s *RedisStore) GetMember(ctx context.Context, id string) (Member, error) {
	var member Member
	if err := s.get(ctx, colMembers, id, &member); err != nil {
		return Member{}, err
	}
	return member, nil
}

func (s *RedisStore) UpdateMember(ctx context.Context, member Member) error {
	return s.put(ctx, colMembers, member.ID, member)
}

func (s *RedisStore) DeleteMember(ctx context.Context, id string) error {
	return s.remove(ctx, colMembers, id)
}

func (s *RedisStore) ListMembers(ctx context.Context, spaceID string) ([]Member, error) {
	var members []Member
	err := s.scan(ctx, colMembers, func(raw []byte) error {
		var member Member
		if err := json.Unmarshal(raw, &member); err != nil {
			return fmt.Errorf("unmarshal member: %w", err)
		}
		if member.SpaceID == spaceID {
			members = append(members, member)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return members, nil
}

// Name guards

func guardID(spaceID, nameKey string) string { return spaceID + "|" + nameKey }

// ReserveNameKey atomically claims (spaceID, nameKey) for memberID. A guard
// already owned by the same member is not a conflict, which covers renaming
// a member back to their current key.
func (s *RedisStore) ReserveNameKey(ctx context.Context, spaceID, nameKey, memberID string) error {
	guard := NameGuard{SpaceID: spaceID, NameKey: nameKey, MemberID: memberID}
	err := s.create(ctx, colMemberKeys, guardID(spaceID, nameKey), guard)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrExists) {
		return err
	}
	var existing NameGuard
	if getErr := s.get(ctx, colMemberKeys, guardID(spaceID, nameKey), &existing); getErr == nil {
		if existing.MemberID == memberID {
			return nil
		}
	}
	return ErrExists
}

// ReleaseNameKey drops the guard. Releasing an absent guard is not an error.
func (s *RedisStore) ReleaseNameKey(ctx context.Context, spaceID, nameKey string) error {
	return s.remove(ctx, colMemberKeys, guardID(spaceID, nameKey))
}

// Relations

func (s *RedisStore) InsertRelation(ctx context.Context, relation Relation) error {
	return s.create(ctx, colRelations, relation.ID, relation)
}

func (s *RedisStore) ListRelations(ctx context.Context, spaceID string) ([]Relation, error) {
	var relations []Relation
	err := s.scan(ctx, colRelations, func(raw []byte) error {
		var relation Relation
		if err := json.Unmarshal(raw, &relation); err != nil {
			return fmt.Errorf("unmarshal relation: %w", err)
		}
		if relation.SpaceID == spaceID {
			relations = append(relations, relation)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return relations, nil
}

func (s *RedisStore) RelationsByParent(ctx context.Context, spaceID, parentID string) ([]Relation, error) {
	relations, err := s.ListRelations(ctx, spaceID)
	if err != nil {
		return nil, err
	}
	var matched []Relation
	for _, relation := range relations {
		if relation.ParentID != nil && *relation.ParentID == parentID {
			matched = append(matched, relation)
		}
	}
	return matched, nil
}

func (s *RedisStore) DeleteRelationsByChild(ctx context.Context, spaceID, childID string) error {
	relations, err := s.ListRelations(ctx, spaceID)
	if err != nil {
		return err
	}
	for _, relation := range relations {
		if relation.ChildID != childID {
			continue
		}
		if err := s.remove(ctx, colRelations, relation.ID); err != nil {
			return err
		}
	}
	return nil
}

// ReplaceRelations swaps the entire relation set for a space with the given
// snapshot. The delete and insert phases run through one pipeline each, but
// Redis offers no cross-key transaction here: a concurrent reader can see a
// transiently empty relation set.
func (s *RedisStore) ReplaceRelations(ctx context.Context, spaceID string, pairs []RelationPair) error {
	current, err := s.ListRelations(ctx, spaceID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	inserted := make([]Relation, len(pairs))
	for i, pair := range pairs {
		inserted[i] = Relation{
			ID:        util.NewID("rel"),
			SpaceID:   spaceID,
			ParentID:  pair.ParentID,
			ChildID:   pair.ChildID,
			CreatedAt: now,
		}
	}

	// Reserve an index score block up front so the pipeline stays pure writes.
	var base int64
	if len(inserted) > 0 {
		top, err := s.client.IncrBy(ctx, seqKey(colRelations), int64(len(inserted))).Result()
		if err != nil {
			return fmt.Errorf("sequence relations: %w", err)
		}
		base = top - int64(len(inserted)) + 1
	}

	pipe := s.client.Pipeline()
	for _, relation := range current {
		pipe.Del(ctx, docKey(colRelations, relation.ID))
		pipe.ZRem(ctx, idxKey(colRelations), relation.ID)
	}
	for i, relation := range inserted {
		payload, err := json.Marshal(relation)
		if err != nil {
			return fmt.Errorf("marshal relation: %w", err)
		}
		pipe.Set(ctx, docKey(colRelations, relation.ID), payload, 0)
		pipe.ZAddNX(ctx, idxKey(colRelations), redis.Z{Score: float64(base + int64(i)), Member: relation.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("replace relations for %s: %w", spaceID, err)
	}
	return nil
}

// Tree versions

func (s *RedisStore) InsertTreeVersion(ctx context.Context, version TreeVersion) error {
	return s.create(ctx, colTreeVersions, version.ID, version)
}

func (s *RedisStore) GetTreeVersion(ctx context.Context, id string) (TreeVersion, error) {
	var version TreeVersion
	if err := s.get(ctx, colTreeVersions, id, &version); err != nil {
		return TreeVersion{}, err
	}
	return version, nil
}

// ListTreeVersions returns a space's versions newest first.
func (s *RedisStore) ListTreeVersions(ctx context.Context, spaceID string) ([]TreeVersion, error) {
	var versions []TreeVersion
	err := s.scan(ctx, colTreeVersions, func(raw []byte) error {
		var version TreeVersion
		if err := json.Unmarshal(raw, &version); err != nil {
			return fmt.Errorf("unmarshal tree version: %w", err)
		}
		if version.SpaceID == spaceID {
			versions = append(versions, version)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(versions, func(i, j int) bool {
		if versions[i].Version != versions[j].Version {
			return versions[i].Version > versions[j].Version
		}
		return versions[i].CreatedAt.After(versions[j].CreatedAt)
	})
	return versions, nil
}

// LatestVersionNumber reads the highest assigned version number for a space,
// 0 when the space has no versions. Callers add one; the read-then-write is
// racy under concurrent saves, matching the legacy numbering behavior.
func (s *RedisStore) LatestVersionNumber(ctx context.Context, spaceID string) (int, error) {
	versions, err := s.ListTreeVersions(ctx, spaceID)
	if err != nil {
		return 0, err
	}
	if len(versions) == 0 {
		return 0, nil
	}
	return versions[0].Version, nil
}

// SetTreeVersionNumber rewrites a version's number. Only the administrative
// backfill uses this; version snapshots themselves stay immutable.
func (s *RedisStore) SetTreeVersionNumber(ctx context.Context, id string, number int) error {
	version, err := s.GetTreeVersion(ctx, id)
	if err != nil {
		return err
	}
	version.Version = number
	return s.put(ctx, colTreeVersions, id, version)
}

// Active version pointer

func stateID(spaceID string) string { return "active_version_" + spaceID }

// GetActiveVersion returns the active version id for a space, "" when the
// pointer document does not exist.
func (s *RedisStore) GetActiveVersion(ctx context.Context, spaceID string) (string, error) {
	var state TreeState
	err := s.get(ctx, colTreeState, stateID(spaceID), &state)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return state.VersionID, nil
}

func (s *RedisStore) SetActiveVersion(ctx context.Context, spaceID, versionID string) error {
	state := TreeState{
		SpaceID:   spaceID,
		VersionID: versionID,
		UpdatedAt: time.Now().UTC(),
	}
	return s.put(ctx, colTreeState, stateID(spaceID), state)
}

// Users

func (s *RedisStore) CreateUser(ctx context.Context, user User) error {
	return s.create(ctx, colUsers, user.Username, user)
}

func (s *RedisStore) GetUser(ctx context.Context, username string) (User, error) {
	var user User
	if err := s.get(ctx, colUsers, username, &user); err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *RedisStore) UpdateUser(ctx context.Context, user User) error {
	return s.put(ctx, colUsers, user.Username, user)
}

// Spaces

func (s *RedisStore) CreateSpace(ctx context.Context, space Space) error {
	return s.create(ctx, colSpaces, space.ID, space)
}

func (s *RedisStore) GetSpace(ctx context.Context, id string) (Space, error) {
	var space Space
	if err := s.get(ctx, colSpaces, id, &space); err != nil {
		return Space{}, err
	}
	return space, nil
}

func (s *RedisStore) DeleteSpace(ctx context.Context, id string) error {
	return s.remove(ctx, colSpaces, id)
}

func (s *RedisStore) ListSpaces(ctx context.Context) ([]Space, error) {
	var spaces []Space
	err := s.scan(ctx, colSpaces, func(raw []byte) error {
		var space Space
		if err := json.Unmarshal(raw, &space); err != nil {
			return fmt.Errorf("unmarshal space: %w", err)
		}
		spaces = append(spaces, space)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return spaces, nil
}

// Invites

func (s *RedisStore) CreateInvite(ctx context.Context, invite Invite) error {
	return s.create(ctx, colInvites, invite.Code, invite)
}

func (s *RedisStore) GetInvite(ctx context.Context, code string) (Invite, error) {
	var invite Invite
	if err := s.get(ctx, colInvites, code, &invite); err != nil {
		return Invite{}, err
	}
	return invite, nil
}

func (s *RedisStore) UpdateInvite(ctx context.Context, invite Invite) error {
	return s.put(ctx, colInvites, invite.Code, invite)
}

// Password resets

func (s *RedisStore) CreatePasswordReset(ctx context.Context, reset PasswordReset) error {
	return s.create(ctx, colPasswordResets, reset.Token, reset)
}

func (s *RedisStore) GetPasswordReset(ctx context.Context, token string) (PasswordReset, error) {
	var reset PasswordReset
	if err := s.get(ctx, colPasswordResets, token, &reset); err != nil {
		return PasswordReset{}, err
	}
	return reset, nil
}

func (s *RedisStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	reset, err := s.GetPasswordReset(ctx, token)
	if err != nil {
		return err
	}
	reset.Used = true
	return s.put(ctx, colPasswordResets, token, reset)
}

// Event notifications

func (s *RedisStore) SetEventNotification(ctx context.Context, notif EventNotification) error {
	return s.put(ctx, colEventNotifs, notif.Username, notif)
}

// GetEventNotification returns a user's reminder setting; a user with no
// settings document has reminders off.
func (s *RedisStore) GetEventNotification(ctx context.Context, username string) (EventNotification, error) {
	var notif EventNotification
	err := s.get(ctx, colEventNotifs, username, &notif)
	if errors.Is(err, ErrNotFound) {
		return EventNotification{Username: username}, nil
	}
	if err != nil {
		return EventNotification{}, err
	}
	return notif, nil
}

// ListEnabledEventNotifications returns the settings documents of every user
// who opted in to reminder mail.
func (s *RedisStore) ListEnabledEventNotifications(ctx context.Context) ([]EventNotification, error) {
	var notifs []EventNotification
	err := s.scan(ctx, colEventNotifs, func(raw []byte) error {
		var notif EventNotification
		if err := json.Unmarshal(raw, &notif); err != nil {
			return fmt.Errorf("unmarshal event notification: %w", err)
		}
		if notif.Enabled {
			notifs = append(notifs, notif)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return notifs, nil
}
