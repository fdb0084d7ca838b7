// Package statemerge implements the core StateMerger algorithm: walking a
// state value down to zFactor to enumerate granular remote-key paths, and
// building a minimal, depth-aware patch for a single inbound (path, value)
// update.
package statemerge

import "strings"

// PathValue is one enumerated leaf: Path is the full segment sequence
// rooted at the synced field, Value is the (possibly non-scalar) value
// stored at that leaf.
type PathValue struct {
	Path  []string
	Value any
}

// Key returns the dot-joined form of Path, suitable as a map key when
// comparing two enumerations for additions/removals.
func (pv PathValue) Key() string { return strings.Join(pv.Path, ".") }

// ExtractPaths walks value depth-first and returns every leaf path up to
// maxDepth. parent is the path already accumulated on the way to value
// (for a root field f, callers pass parent = []string{f}).
//
// value itself is never emitted as a path; ExtractPaths walks its
// children. A child becomes a leaf (emitted, not descended into) when its
// own value is not a map[string]any, or when descending into it would
// exceed maxDepth (len(parent)+1 > maxDepth) — in which case every sibling
// child at this node is also cut off as a leaf, even the ones that are
// still maps, so a subtree beyond the depth cap is always serialized
// whole rather than split further.
//
// If value itself is not a map, there are no children to walk: the single
// leaf is (parent, value).
func ExtractPaths(value any, parent []string, maxDepth int) []PathValue {
	m, ok := value.(map[string]any)
	if !ok {
		return []PathValue{{Path: append([]string(nil), parent...), Value: value}}
	}

	var out []PathValue
	atDepthCap := len(parent)+1 > maxDepth
	for k, v := range m {
		childPath := append(append([]string(nil), parent...), k)
		if _, childIsMap := v.(map[string]any); atDepthCap || !childIsMap {
			out = append(out, PathValue{Path: childPath, Value: v})
			continue
		}
		out = append(out, ExtractPaths(v, childPath, maxDepth)...)
	}
	return out
}

// ToMap indexes a slice of PathValue by Key(), for set-difference style
// comparisons between an old and a new enumeration.
func ToMap(pvs []PathValue) map[string]PathValue {
	out := make(map[string]PathValue, len(pvs))
	for _, pv := range pvs {
		out[pv.Key()] = pv
	}
	return out
}
