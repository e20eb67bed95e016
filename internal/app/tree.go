package app

import (
	"familytree/api/internal/store"
)

// TreeNode is one rendered node of the family forest. A couple renders as a
// single node: the "blood" member carries the node, the partner hangs off
// Spouse, and the children of either partner nest under Children.
type TreeNode struct {
	Member   store.Member  `json:"member"`
	Children []*TreeNode   `json:"children"`
	Spouse   *store.Member `json:"spouse,omitempty"`
}

// Forest is the assembled display structure plus the flat member list.
type Forest struct {
	Roots   []*TreeNode    `json:"roots"`
	Members []store.Member `json:"members"`
}

// assembler carries the shared state of one assembly pass. rendered spans
// the whole forest so no member is emitted twice, even when reachable
// through several edges.
type assembler struct {
	members    map[string]store.Member
	childrenOf map[string][]string
	spouseOf   map[string]string
	rendered   map[string]bool
}

// assembleForest turns the flat member and relation scans into a forest.
//
// The relation set is read-path tolerant: dangling edges (either endpoint
// missing from the member scan) are skipped, and cyclic edges are not
// descended into. Output order follows scan order, so a fixed snapshot
// always assembles identically.
func assembleForest(members []store.Member, relations []store.Relation) Forest {
	a := &assembler{
		members:    make(map[string]store.Member, len(members)),
		childrenOf: make(map[string][]string),
		spouseOf:   make(map[string]string),
		rendered:   make(map[string]bool),
	}
	for _, member := range members {
		a.members[member.ID] = member
	}
	// Only reciprocal links count as a couple; a one-sided SpouseID left by
	// an interrupted write does not pair anyone.
	for _, member := range members {
		if member.SpouseID == "" {
			continue
		}
		if other, ok := a.members[member.SpouseID]; ok && other.SpouseID == member.ID {
			a.spouseOf[member.ID] = member.SpouseID
		}
	}

	// Adjacency, deduplicated, with "" as the synthetic root parent.
	seenEdge := make(map[string]bool)
	for _, relation := range relations {
		parent := ""
		if relation.ParentID != nil {
			parent = *relation.ParentID
		}
		if _, ok := a.members[relation.ChildID]; !ok {
			continue
		}
		if parent != "" {
			if _, ok := a.members[parent]; !ok {
				continue
			}
		}
		edge := parent + ">" + relation.ChildID
		if seenEdge[edge] {
			continue
		}
		seenEdge[edge] = true
		a.childrenOf[parent] = append(a.childrenOf[parent], relation.ChildID)
	}

	relatedChildren := make(map[string]bool)
	for parent, children := range a.childrenOf {
		if parent == "" {
			continue
		}
		for _, child := range children {
			relatedChildren[child] = true
		}
	}

	// Roots: explicit nil-parent children first, then members that appear in
	// no relation as a child. A member whose spouse is already a child
	// elsewhere is not a root; the couple groups under the spouse instead.
	var rootIDs []string
	inRoots := make(map[string]bool)
	for _, id := range a.childrenOf[""] {
		if !inRoots[id] {
			inRoots[id] = true
			rootIDs = append(rootIDs, id)
		}
	}
	for _, member := range members {
		if relatedChildren[member.ID] || inRoots[member.ID] {
			continue
		}
		if spouse := a.spouseOf[member.ID]; spouse != "" && relatedChildren[spouse] {
			continue
		}
		inRoots[member.ID] = true
		rootIDs = append(rootIDs, member.ID)
	}

	roots := []*TreeNode{}
	for _, id := range rootIDs {
		if a.rendered[id] {
			continue
		}
		roots = append(roots, a.emit(id, map[string]bool{}))
	}

	return Forest{Roots: roots, Members: members}
}

// emit renders one member (and their spouse, if any) as a node and recurses
// into the couple's children.
func (a *assembler) emit(id string, path map[string]bool) *TreeNode {
	a.rendered[id] = true
	node := &TreeNode{Member: a.members[id], Children: a.build(id, path)}
	if spouseID := a.spouseOf[id]; spouseID != "" && !a.rendered[spouseID] {
		if spouse, ok := a.members[spouseID]; ok {
			node.Spouse = &spouse
			a.rendered[spouseID] = true
		}
	}
	return node
}

// build returns the child nodes of a couple: the union of the member's
// children and their spouse's children, in edge scan order. path holds the
// ids on the current recursion branch; an edge pointing back into the
// branch is a cycle and is skipped without error.
func (a *assembler) build(id string, path map[string]bool) []*TreeNode {
	path[id] = true
	defer delete(path, id)

	spouseID := a.spouseOf[id]
	combined := a.childrenOf[id]
	if spouseID != "" {
		combined = append(append([]string{}, combined...), a.childrenOf[spouseID]...)
	}

	nodes := []*TreeNode{}
	seen := make(map[string]bool)
	for _, childID := range combined {
		if seen[childID] {
			continue
		}
		seen[childID] = true
		// A member's spouse is a partner, never their own child.
		if childID == id || childID == spouseID {
			continue
		}
		if a.rendered[childID] || path[childID] {
			continue
		}
		if _, ok := a.members[childID]; !ok {
			continue
		}
		nodes = append(nodes, a.emit(childID, path))
	}
	return nodes
}
