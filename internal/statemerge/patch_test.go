package statemerge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildStateUpdateDeepMergeAtZFactor(t *testing.T) {
	cur := map[string]any{
		"a": map[string]any{"b": map[string]any{"c": map[string]any{"d": 1.0, "e": 2.0}}},
	}
	p := BuildStateUpdate("a.b.c", map[string]any{"d": 10.0}, cur, 3)

	require.Nil(t, p.Delete)
	a := p.Set["a"].(map[string]any)
	b := a["b"].(map[string]any)
	c := b["c"].(map[string]any)
	assert.Equal(t, 10.0, c["d"])
	assert.Equal(t, 2.0, c["e"], "sibling field preserved by merge")
}

func TestBuildStateUpdateReplaceBeyondZFactor(t *testing.T) {
	cur := map[string]any{"todos": map[string]any{"1": map[string]any{"completed": false, "text": "hi"}}}
	p := BuildStateUpdate("todos.1.completed", true, cur, 2)

	todos := p.Set["todos"].(map[string]any)
	one := todos["1"].(map[string]any)
	assert.Equal(t, true, one["completed"])
	assert.Equal(t, "hi", one["text"], "untouched sibling survives replace at deeper ancestor")
}

func TestBuildStateUpdateDeletionRemovesInnermostKey(t *testing.T) {
	cur := map[string]any{
		"todos": map[string]any{
			"1": map[string]any{"completed": false},
			"2": map[string]any{"completed": true},
		},
	}
	p := BuildStateUpdate("todos.1", nil, cur, 2)

	todos := p.Set["todos"].(map[string]any)
	_, hasOne := todos["1"]
	assert.False(t, hasOne)
	_, hasTwo := todos["2"]
	assert.True(t, hasTwo, "sibling entity survives deletion")
}

func TestBuildStateUpdateDeletionAtRootRemovesWholeField(t *testing.T) {
	cur := map[string]any{"todos": map[string]any{"1": map[string]any{}}}
	p := BuildStateUpdate("todos", nil, cur, 2)

	assert.Equal(t, []string{"todos"}, p.Delete)
	assert.Nil(t, p.Set)
}

func TestBuildStateUpdateNeverMutatesAncestors(t *testing.T) {
	inner := map[string]any{"completed": false}
	cur := map[string]any{"todos": map[string]any{"1": inner}}

	_ = BuildStateUpdate("todos.1.completed", true, cur, 2)

	assert.Equal(t, false, inner["completed"], "original map must be untouched")
}

func TestSetNestedValueCreatesIntermediates(t *testing.T) {
	acc := map[string]any{}
	SetNestedValue(acc, []string{"todos", "1", "id"}, "1")
	SetNestedValue(acc, []string{"todos", "1", "text"}, "hi")

	todos := acc["todos"].(map[string]any)
	one := todos["1"].(map[string]any)
	assert.Equal(t, "1", one["id"])
	assert.Equal(t, "hi", one["text"])
}

func TestSetNestedValueEmptySegmentsNoop(t *testing.T) {
	acc := map[string]any{"x": 1}
	SetNestedValue(acc, nil, "ignored")
	assert.Equal(t, map[string]any{"x": 1}, acc)
}

func TestSetNestedValueOverwritesNonMappingIntermediate(t *testing.T) {
	acc := map[string]any{"todos": "not-a-map"}
	SetNestedValue(acc, []string{"todos", "1", "id"}, "1")

	todos := acc["todos"].(map[string]any)
	one := todos["1"].(map[string]any)
	assert.Equal(t, "1", one["id"])
}
