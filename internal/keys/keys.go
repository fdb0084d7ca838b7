// Package keys composes and parses the full remote storage keys used to
// persist individual state-path leaves, and derives the namespace range
// used to enumerate a store's keys during hydration and clearStorage.
package keys

import (
	"errors"
	"strings"

	"github.com/hpkv-io/zustand-multiplayer-sub001/internal/pathcodec"
)

// ErrInvalidKey is returned by ParseKey when fullKey does not carry the
// expected "<namespace>:" prefix.
var ErrInvalidKey = errors.New("keys: invalid key")

// Manager composes and parses storage keys for a single namespace.
type Manager struct {
	namespace string
	prefix    string
}

// NewManager returns a Manager scoped to namespace. Callers are expected to
// have already validated namespace (see multiplayer.Options).
func NewManager(namespace string) *Manager {
	return &Manager{
		namespace: namespace,
		prefix:    namespace + ":",
	}
}

// Namespace returns the namespace this manager was constructed with.
func (m *Manager) Namespace() string { return m.namespace }

// MakeKey percent-encodes each segment and joins them with ':', prefixed by
// "<namespace>:".
func (m *Manager) MakeKey(segments []string) string {
	encoded := make([]string, len(segments))
	for i, s := range segments {
		encoded[i] = pathcodec.EncodeSegment(s)
	}
	return m.prefix + strings.Join(encoded, ":")
}

// ParseKey strips the namespace prefix, splits on ':', and decodes each
// segment. It fails with ErrInvalidKey when fullKey does not start with
// "<namespace>:".
func (m *Manager) ParseKey(fullKey string) ([]string, error) {
	rest, ok := strings.CutPrefix(fullKey, m.prefix)
	if !ok {
		return nil, ErrInvalidKey
	}
	if rest == "" {
		return []string{}, nil
	}
	parts := strings.Split(rest, ":")
	segments := make([]string, len(parts))
	for i, p := range parts {
		segments[i] = pathcodec.DecodeSegment(p)
	}
	return segments, nil
}

// Range describes a lexicographic half-open key range [Start, End).
type Range struct {
	Start string
	End   string
}

// NamespaceRange returns the half-open range covering every key belonging
// to this manager's namespace: ["<ns>:", "<ns>:￿").
func (m *Manager) NamespaceRange() Range {
	return Range{
		Start: m.prefix,
		End:   m.prefix + "￿",
	}
}
