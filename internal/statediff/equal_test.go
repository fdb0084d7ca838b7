package statediff

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdenticalSameMapReference(t *testing.T) {
	m := map[string]any{"a": 1}
	assert.True(t, Identical(m, m))
}

func TestIdenticalDifferentMapsWithEqualContentsAreNotIdentical(t *testing.T) {
	a := map[string]any{"a": 1}
	b := map[string]any{"a": 1}
	assert.False(t, Identical(a, b))
}

func TestIdenticalEqualScalars(t *testing.T) {
	assert.True(t, Identical(5, 5))
	assert.True(t, Identical("x", "x"))
	assert.False(t, Identical(5, 6))
}

func TestIdenticalMixedKindsAreNotIdentical(t *testing.T) {
	assert.False(t, Identical(map[string]any{"a": 1}, 5))
}

func TestIdenticalBothNilAreIdentical(t *testing.T) {
	assert.True(t, Identical(nil, nil))
}
