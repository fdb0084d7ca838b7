package statemerge

import "strings"

// Patch is a shallow update for the reactive-store host: Set carries
// top-level root fields to assign (the new value already reflects any
// depth-aware merge/replace decision at the targeted path), Delete carries
// top-level root fields to remove outright.
//
// A Patch never touches more than one root field, since BuildStateUpdate
// only ever targets a single path.
type Patch struct {
	Set    map[string]any
	Delete []string
}

// BuildStateUpdate returns the shallow Patch that applies an inbound
// (pathString, newValue) update on top of cur, the current state.
//
//   - pathString splits on '.' into segments s1..sn.
//   - newValue == nil means a remote deletion: the innermost key is removed
//     while every sibling at each ancestor level is preserved. n == 1
//     deletes the whole root field s1.
//   - n <= zFactor deep-merges newValue into the current value at
//     s1…sn, so a coarser remote update can never clobber sibling fields
//     held at finer granularity.
//   - otherwise (n > zFactor) newValue replaces the current value at
//     s1…sn outright — past the depth cap, the path denotes a true leaf.
//
// Every ancestor object the patch touches is copied, never mutated, so
// BuildStateUpdate is safe to call against frozen/shared state.
func BuildStateUpdate(pathString string, newValue any, cur map[string]any, zFactor int) Patch {
	segments := strings.Split(pathString, ".")
	n := len(segments)
	s1 := segments[0]
	rest := segments[1:]

	if newValue == nil {
		if n == 1 {
			return Patch{Delete: []string{s1}}
		}
		return Patch{Set: map[string]any{s1: copyDelete(cur[s1], rest)}}
	}

	if n <= zFactor {
		return Patch{Set: map[string]any{s1: copyMerge(cur[s1], rest, newValue)}}
	}

	return Patch{Set: map[string]any{s1: copySet(cur[s1], rest, newValue)}}
}

// SetNestedValue writes value into obj at the nested position named by
// segments, creating intermediate maps as needed and overwriting any
// intermediate that is not itself a map. Empty segments is a no-op. Unlike
// the copy* helpers used by BuildStateUpdate, SetNestedValue mutates obj
// in place — it is meant for building up a fresh accumulator (e.g. during
// hydration), never for patching live, possibly-shared state.
func SetNestedValue(obj map[string]any, segments []string, value any) {
	if len(segments) == 0 {
		return
	}
	if len(segments) == 1 {
		obj[segments[0]] = value
		return
	}
	k := segments[0]
	child, ok := obj[k].(map[string]any)
	if !ok {
		child = map[string]any{}
		obj[k] = child
	}
	SetNestedValue(child, segments[1:], value)
}

// copySet returns a copy of cur with value written at segments, cloning
// every ancestor map along the way and overwriting non-mapping
// intermediates, same shape semantics as SetNestedValue but non-mutating.
func copySet(cur any, segments []string, value any) any {
	if len(segments) == 0 {
		return value
	}
	next := cloneMap(asMap(cur))
	k := segments[0]
	next[k] = copySet(next[k], segments[1:], value)
	return next
}

// copyMerge returns a copy of cur with value deep-merged at segments.
func copyMerge(cur any, segments []string, value any) any {
	if len(segments) == 0 {
		return deepMerge(cur, value)
	}
	next := cloneMap(asMap(cur))
	k := segments[0]
	next[k] = copyMerge(next[k], segments[1:], value)
	return next
}

// deepMerge merges value into cur: whichever of the two sides is not a
// map[string]any causes value to replace cur wholesale (matching
// statediff's rule that non-mapping changes are never diffed in place).
// Within a merge of two maps, a nil entry in value deletes the
// corresponding key from cur, mirroring the sparse-diff deletion marker.
func deepMerge(cur, value any) any {
	curMap, curOk := cur.(map[string]any)
	valMap, valOk := value.(map[string]any)
	if !curOk || !valOk {
		return value
	}

	merged := cloneMap(curMap)
	for k, v := range valMap {
		if v == nil {
			delete(merged, k)
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			merged[k] = deepMerge(merged[k], nested)
		} else {
			merged[k] = v
		}
	}
	return merged
}

// copyDelete returns a copy of cur with the key named by the last segment
// of segments removed, preserving every sibling at each ancestor level.
func copyDelete(cur any, segments []string) any {
	m, ok := cur.(map[string]any)
	if !ok {
		return cur // nothing to delete from a non-mapping ancestor
	}
	next := cloneMap(m)
	if len(segments) == 1 {
		delete(next, segments[0])
		return next
	}
	k := segments[0]
	child, exists := next[k]
	if !exists {
		return cur // nothing to delete below an absent key
	}
	next[k] = copyDelete(child, segments[1:])
	return next
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
