package app

import (
	"context"
	"errors"
	"sort"
	"time"

	"familytree/api/internal/store"
	"familytree/api/internal/util"
)

// VersionInfo is the listing shape for a saved tree version.
type VersionInfo struct {
	ID             string    `json:"id"`
	Version        int       `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
	CreatedBy      string    `json:"created_by,omitempty"`
	RelationsCount int       `json:"relations_count"`
}

type VersionList struct {
	Versions      []VersionInfo `json:"versions"`
	ActiveVersion string        `json:"active_version,omitempty"`
}

type BackfillResult struct {
	Updated int `json:"updated"`
	Total   int `json:"total"`
}

// snapshotPairs normalizes a relation list into the deterministic snapshot
// form: identity stripped, sorted by (parent_id, child_id) as strings with
// the nil parent ordering first.
func snapshotPairs(relations []store.Relation) []store.RelationPair {
	pairs := make([]store.RelationPair, len(relations))
	for i, relation := range relations {
		pairs[i] = store.RelationPair{ParentID: relation.ParentID, ChildID: relation.ChildID}
	}
	sortPairs(pairs)
	return pairs
}

func sortPairs(pairs []store.RelationPair) {
	sort.SliceStable(pairs, func(i, j int) bool {
		pi, pj := parentKey(pairs[i].ParentID), parentKey(pairs[j].ParentID)
		if pi != pj {
			return pi < pj
		}
		return pairs[i].ChildID < pairs[j].ChildID
	})
}

func parentKey(parentID *string) string {
	if parentID == nil {
		return ""
	}
	return *parentID
}

func equalPairs(a, b []store.RelationPair) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if parentKey(a[i].ParentID) != parentKey(b[i].ParentID) || a[i].ChildID != b[i].ChildID {
			return false
		}
	}
	return true
}

// SaveTree snapshots the current relation set as a new immutable version
// and makes it the active version. Version numbers are latest existing plus
// one; two racing saves can draw the same number, which is accepted rather
// than papered over with a lock.
func (s *Service) SaveTree(ctx context.Context, spaceID, username string) (VersionInfo, error) {
	relations, err := s.store.ListRelations(ctx, spaceID)
	if err != nil {
		return VersionInfo{}, err
	}
	pairs := snapshotPairs(relations)

	latest, err := s.store.LatestVersionNumber(ctx, spaceID)
	if err != nil {
		return VersionInfo{}, err
	}

	version := store.TreeVersion{
		ID:             util.NewID("ver"),
		SpaceID:        spaceID,
		Version:        latest + 1,
		Relations:      pairs,
		RelationsCount: len(pairs),
		CreatedBy:      username,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.InsertTreeVersion(ctx, version); err != nil {
		return VersionInfo{}, err
	}
	if err := s.store.SetActiveVersion(ctx, spaceID, version.ID); err != nil {
		return VersionInfo{}, err
	}

	return VersionInfo{
		ID:             version.ID,
		Version:        version.Version,
		CreatedAt:      version.CreatedAt,
		CreatedBy:      version.CreatedBy,
		RelationsCount: version.RelationsCount,
	}, nil
}

// HasUnsavedChanges compares the live relation set against the active
// version's snapshot. A space with no active pointer adopts its most recent
// version on the fly (self-healing for data saved before pointers existed);
// a space with no versions at all reports no unsaved changes.
func (s *Service) HasUnsavedChanges(ctx context.Context, spaceID string) (bool, error) {
	active, ok, err := s.activeVersion(ctx, spaceID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	relations, err := s.store.ListRelations(ctx, spaceID)
	if err != nil {
		return false, err
	}
	current := snapshotPairs(relations)

	saved := append([]store.RelationPair{}, active.Relations...)
	sortPairs(saved)

	return !equalPairs(current, saved), nil
}

// activeVersion resolves the active version for a space, adopting the most
// recent one when the pointer is missing or dangling. ok is false when the
// space has no usable version.
func (s *Service) activeVersion(ctx context.Context, spaceID string) (store.TreeVersion, bool, error) {
	activeID, err := s.store.GetActiveVersion(ctx, spaceID)
	if err != nil {
		return store.TreeVersion{}, false, err
	}
	if activeID != "" {
		version, err := s.store.GetTreeVersion(ctx, activeID)
		if err == nil && version.SpaceID == spaceID {
			return version, true, nil
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return store.TreeVersion{}, false, err
		}
		// Dangling or cross-space pointer: fall through and re-adopt.
	}

	versions, err := s.store.ListTreeVersions(ctx, spaceID)
	if err != nil {
		return store.TreeVersion{}, false, err
	}
	if len(versions) == 0 {
		return store.TreeVersion{}, false, nil
	}
	adopted := versions[0]
	if err := s.store.SetActiveVersion(ctx, spaceID, adopted.ID); err != nil {
		return store.TreeVersion{}, false, err
	}
	return adopted, true, nil
}

// RecoverTree replaces the space's relation set with a saved version's
// snapshot and repoints the active version. The replace batches its deletes
// and inserts but is not transactional; a concurrent reader can catch the
// tree mid-swap.
func (s *Service) RecoverTree(ctx context.Context, spaceID, versionID string) (VersionInfo, error) {
	version, err := s.store.GetTreeVersion(ctx, versionID)
	if err != nil {
		return VersionInfo{}, notFoundErrIfMissing(err, "Version not found")
	}
	// A version from another space is reported exactly like a missing one.
	if version.SpaceID != spaceID {
		return VersionInfo{}, notFoundError("Version not found")
	}

	if err := s.store.ReplaceRelations(ctx, spaceID, version.Relations); err != nil {
		return VersionInfo{}, err
	}
	if err := s.store.SetActiveVersion(ctx, spaceID, versionID); err != nil {
		return VersionInfo{}, err
	}

	return VersionInfo{
		ID:             version.ID,
		Version:        version.Version,
		CreatedAt:      version.CreatedAt,
		CreatedBy:      version.CreatedBy,
		RelationsCount: len(version.Relations),
	}, nil
}

// ListVersions returns a space's versions newest first along with the
// active pointer.
func (s *Service) ListVersions(ctx context.Context, spaceID string) (VersionList, error) {
	versions, err := s.store.ListTreeVersions(ctx, spaceID)
	if err != nil {
		return VersionList{}, err
	}
	infos := make([]VersionInfo, len(versions))
	for i, version := range versions {
		count := version.RelationsCount
		if count == 0 {
			count = len(version.Relations)
		}
		infos[i] = VersionInfo{
			ID:             version.ID,
			Version:        version.Version,
			CreatedAt:      version.CreatedAt,
			CreatedBy:      version.CreatedBy,
			RelationsCount: count,
		}
	}
	activeID, err := s.store.GetActiveVersion(ctx, spaceID)
	if err != nil {
		return VersionList{}, err
	}
	return VersionList{Versions: infos, ActiveVersion: activeID}, nil
}

// BackfillVersionNumbers renumbers a space's versions 1..N in ascending
// creation order. Administrative repair for versions written before the
// number field existed; not part of normal operation.
func (s *Service) BackfillVersionNumbers(ctx context.Context, spaceID string) (BackfillResult, error) {
	versions, err := s.store.ListTreeVersions(ctx, spaceID)
	if err != nil {
		return BackfillResult{}, err
	}
	sort.SliceStable(versions, func(i, j int) bool {
		return versions[i].CreatedAt.Before(versions[j].CreatedAt)
	})

	result := BackfillResult{Total: len(versions)}
	for i, version := range versions {
		want := i + 1
		if version.Version == want {
			continue
		}
		if err := s.store.SetTreeVersionNumber(ctx, version.ID, want); err != nil {
			return result, err
		}
		result.Updated++
	}
	return result, nil
}
