// Package sync plans and executes the replication of btrfs subvolumes
// from a source root to a destination root.
package sync

import (
	"path"
	"sort"

	"github.com/google/uuid"

	"github.com/andreittr/btrsync/cow"
	"github.com/andreittr/btrsync/model"
)

// Layout maps a source subvolume path to its path below the destination.
type Layout func(srcPath string) string

// Flatten drops the source directory structure, placing every subvolume
// directly in the destination.
func Flatten(srcPath string) string { return path.Base(srcPath) }

// Mirror recreates the source directory structure at the destination.
func Mirror(srcPath string) string { return srcPath }

// Reasons a subvolume is left out of the plan.
type SkipReason string

const (
	SkipAlreadyPresent SkipReason = "already_present"
	SkipNoParent       SkipReason = "no_parent"
)

// Skip records a subvolume excluded from transfer and why.
type Skip struct {
	Vol    cow.Vol
	Reason SkipReason
}

// Plan is the decision for transferring one subvolume: the parent to diff
// against, clone sources the stream may reference, and the destination
// path. A nil Parent means a full transfer.
type Plan struct {
	Src     cow.Vol
	Parent  *cow.Vol
	Clones  []cow.Vol
	DstPath string
}

// Incremental reports whether the plan sends a diff against a parent.
func (p *Plan) Incremental() bool { return p.Parent != nil }

// PlanRequest is the planner input: both sides' built trees plus policy.
type PlanRequest struct {
	Src             *cow.Tree
	Dst             *cow.Tree
	Layout          Layout
	IncrementalOnly bool
}

// PlanTransfers decides, for every eligible source subvolume, whether and
// how to transfer it. It is pure: no I/O, and deterministic for the same
// set of inputs regardless of insertion order.
func PlanTransfers(req PlanRequest) ([]Plan, []Skip, error) {
	if req.Src == nil || req.Dst == nil {
		return nil, nil, model.Configf("planner needs both source and destination trees")
	}
	layout := req.Layout
	if layout == nil {
		layout = Flatten
	}

	dstRecv := req.Dst.ReceivedIndex()
	present := func(u uuid.UUID) bool {
		return u != uuid.Nil && (len(dstRecv[u]) > 0 || req.Dst.Lookup(u) != nil)
	}
	// counterpart reports whether the destination already holds a copy of
	// n: a subvolume received from it, the identical subvolume, or a copy
	// of the same original when n is itself a received snapshot.
	counterpart := func(n *cow.Node) bool {
		return present(n.UUID) || present(n.ReceivedUUID)
	}

	var plans []Plan
	var skips []Skip
	for _, src := range req.Src.Eligible() {
		if counterpart(src) {
			skips = append(skips, Skip{Vol: src.Vol, Reason: SkipAlreadyPresent})
			continue
		}

		var candidates []*cow.Node
		for _, n := range req.Src.Nodes() {
			if n == src || !n.ReadOnly || !req.Src.SameRoot(n, src) || !counterpart(n) {
				continue
			}
			candidates = append(candidates, n)
		}

		parent := chooseParent(src, candidates)
		if parent == nil && req.IncrementalOnly {
			skips = append(skips, Skip{Vol: src.Vol, Reason: SkipNoParent})
			continue
		}

		var clones []cow.Vol
		seen := make(map[uuid.UUID]bool)
		for _, n := range candidates {
			if n == parent || seen[n.UUID] {
				continue
			}
			seen[n.UUID] = true
			clones = append(clones, n.Vol)
		}
		sort.Slice(clones, func(i, j int) bool {
			if clones[i].Path != clones[j].Path {
				return clones[i].Path < clones[j].Path
			}
			return clones[i].UUID.String() < clones[j].UUID.String()
		})

		p := Plan{Src: src.Vol, Clones: clones, DstPath: layout(src.Path)}
		if parent != nil {
			pv := parent.Vol
			p.Parent = &pv
		}
		plans = append(plans, p)
	}
	return plans, skips, nil
}

type candidate struct {
	n    *cow.Node
	dist int
}

// chooseParent picks the candidate that minimizes the incremental stream:
// the ancestor of src with the greatest generation not exceeding src's,
// breaking ties by snapshot distance and then by (path, uuid); failing
// any ancestor, the best-generation sibling.
func chooseParent(src *cow.Node, candidates []*cow.Node) *cow.Node {
	var ancestors, siblings []candidate
	for _, n := range candidates {
		if d := cow.Distance(src, n); d >= 0 {
			ancestors = append(ancestors, candidate{n, d})
		} else {
			siblings = append(siblings, candidate{n, 0})
		}
	}
	if best := pickByGen(ancestors, src.Gen); best != nil {
		return best
	}
	return pickByGen(siblings, src.Gen)
}

// pickByGen prefers the greatest generation not exceeding limit; if every
// candidate is newer, the oldest. Ties break by distance, then (path,
// uuid) for determinism.
func pickByGen(cands []candidate, limit uint64) *cow.Node {
	if len(cands) == 0 {
		return nil
	}
	better := func(a, b candidate) bool {
		aUnder, bUnder := a.n.Gen <= limit, b.n.Gen <= limit
		if aUnder != bUnder {
			return aUnder
		}
		if a.n.Gen != b.n.Gen {
			if aUnder {
				return a.n.Gen > b.n.Gen
			}
			return a.n.Gen < b.n.Gen
		}
		if a.dist != b.dist {
			return a.dist < b.dist
		}
		if a.n.Path != b.n.Path {
			return a.n.Path < b.n.Path
		}
		return a.n.UUID.String() < b.n.UUID.String()
	}
	best := cands[0]
	for _, c := range cands[1:] {
		if better(c, best) {
			best = c
		}
	}
	return best.n
}
