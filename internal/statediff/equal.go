package statediff

import "reflect"

// visitSet tracks identity pairs of reference-typed values (maps, slices)
// already under comparison, so a cyclic structure's deepEqual walk
// terminates instead of recursing forever.
type visitSet struct {
	seen map[[2]uintptr]bool
}

func newVisitSet() *visitSet {
	return &visitSet{seen: make(map[[2]uintptr]bool)}
}

// identity returns a stable pointer for maps/slices, or ok=false for values
// that have no meaningful reference identity.
func identity(v any) (uintptr, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice:
		if rv.IsNil() {
			return 0, false
		}
		return rv.Pointer(), true
	default:
		return 0, false
	}
}

// visited records whether the (a, b) identity pair has already been
// entered on this walk; if not yet seen, it marks it seen and returns
// false. A visited pair short-circuits the caller to reference equality.
func (s *visitSet) visited(a, b any) bool {
	pa, okA := identity(a)
	pb, okB := identity(b)
	if !okA || !okB {
		return false
	}
	key := [2]uintptr{pa, pb}
	if s.seen[key] {
		return true
	}
	s.seen[key] = true
	return false
}

// Identical reports whether a and b are the same reference (maps/slices
// compared by backing-pointer identity) or the same comparable scalar.
// It never recurses into contents — callers use it as a cheap bail-out
// before a full Diff, mirroring the "new[f] === old[f]" reference check
// a host store typically performs on immutable field replacement.
func Identical(a, b any) bool {
	if pa, okA := identity(a); okA {
		if pb, okB := identity(b); okB {
			return pa == pb
		}
		return false
	}
	if _, okB := identity(b); okB {
		return false
	}
	av := reflect.ValueOf(a)
	bv := reflect.ValueOf(b)
	if !av.IsValid() || !bv.IsValid() {
		return !av.IsValid() && !bv.IsValid()
	}
	if !av.Comparable() || !bv.Comparable() {
		return false
	}
	return a == b
}

// deepEqual reports whether a and b are structurally equal, recursing into
// maps and slices. Cyclic structures are handled via visited: once a pair
// of identities has been entered, further recursion into the same pair is
// treated as equal (reference-equal case) rather than looping forever.
func deepEqual(a, b any, visited *visitSet) bool {
	if visited.visited(a, b) {
		return true
	}

	am, aIsMap := a.(map[string]any)
	bm, bIsMap := b.(map[string]any)
	if aIsMap && bIsMap {
		if len(am) != len(bm) {
			return false
		}
		for k, av := range am {
			bv, ok := bm[k]
			if !ok || !deepEqual(av, bv, visited) {
				return false
			}
		}
		return true
	}
	if aIsMap != bIsMap {
		return false
	}

	as, aIsSlice := a.([]any)
	bs, bIsSlice := b.([]any)
	if aIsSlice && bIsSlice {
		if len(as) != len(bs) {
			return false
		}
		for i := range as {
			if !deepEqual(as[i], bs[i], visited) {
				return false
			}
		}
		return true
	}
	if aIsSlice != bIsSlice {
		return false
	}

	return a == b
}
