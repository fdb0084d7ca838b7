// Package statediff computes a structural diff between two state values so
// the orchestrator can send either a full replacement or a sparse nested
// patch to the remote store.
package statediff

// Kind distinguishes a full replacement from a sparse nested diff.
type Kind string

const (
	// Full means Data is the entire new value and should replace whatever
	// is stored remotely at the target path.
	Full Kind = "full"
	// Sparse means Data is a nested object whose entries are either a
	// new/changed value, a recursive sparse diff, or nil marking a
	// deletion.
	Sparse Kind = "diff"
)

// Result is the outcome of Diff.
type Result struct {
	Kind Kind
	Data any
}

// Diff computes the minimal description of how to turn old into new.
//
//   - If either side is not a map[string]any, the result is Full with the
//     new value.
//   - Otherwise a recursive, sparse object diff is computed: keys removed
//     from old map to nil (a deletion marker), keys added to new map to
//     their new value, keys whose nested maps both changed recurse, and
//     keys whose scalar/array/mixed values changed map to the new value.
//     Deeply-equal keys are omitted entirely.
//   - Arrays are compared for deep equality as a whole; any difference
//     emits the entire new array, never an element-level diff.
func Diff(old, new any) Result {
	oldMap, oldIsMap := old.(map[string]any)
	newMap, newIsMap := new.(map[string]any)
	if !oldIsMap || !newIsMap {
		return Result{Kind: Full, Data: new}
	}

	sparse := diffObjects(oldMap, newMap, newVisitSet())
	return Result{Kind: Sparse, Data: sparse}
}

// diffObjects recursively computes the sparse diff between two maps. visited
// tracks identity pairs already compared so cyclic structures terminate.
func diffObjects(oldMap, newMap map[string]any, visited *visitSet) map[string]any {
	out := make(map[string]any)

	for k := range oldMap {
		if _, ok := newMap[k]; !ok {
			out[k] = nil // deletion marker
		}
	}

	for k, nv := range newMap {
		ov, existedBefore := oldMap[k]
		if !existedBefore {
			out[k] = nv // addition
			continue
		}

		if deepEqual(ov, nv, visited) {
			continue // unchanged, omit
		}

		oNested, oIsNested := ov.(map[string]any)
		nNested, nIsNested := nv.(map[string]any)
		if oIsNested && nIsNested {
			out[k] = diffObjects(oNested, nNested, visited)
			continue
		}

		// Scalar change, array change, or a mapping<->non-mapping type
		// change: always the whole new value, arrays are never diffed
		// element-wise.
		out[k] = nv
	}

	return out
}
