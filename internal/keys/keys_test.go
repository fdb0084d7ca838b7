package keys

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMakeKey(t *testing.T) {
	m := NewManager("app1")
	got := m.MakeKey([]string{"todos", "id:42", "completed"})
	assert.Equal(t, "app1:todos:id%3A42:completed", got)
}

func TestParseKeyRoundTrip(t *testing.T) {
	m := NewManager("app1")
	segments := []string{"todos", "id:42", "completed"}
	key := m.MakeKey(segments)

	got, err := m.ParseKey(key)
	require.NoError(t, err)
	assert.Equal(t, segments, got)
}

func TestParseKeyMissingNamespace(t *testing.T) {
	m := NewManager("app1")
	_, err := m.ParseKey("other-app:todos:1")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestNamespaceRange(t *testing.T) {
	m := NewManager("app1")
	r := m.NamespaceRange()
	assert.Equal(t, "app1:", r.Start)
	assert.Equal(t, "app1:￿", r.End)
}

func TestNamespaceIsolation(t *testing.T) {
	a := NewManager("ns-a")
	b := NewManager("ns-b")

	key := a.MakeKey([]string{"counter"})
	_, err := b.ParseKey(key)
	assert.ErrorIs(t, err, ErrInvalidKey)
}
