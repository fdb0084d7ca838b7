package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hpkv-io/zustand-multiplayer-sub001/internal/reactivestore"
	"github.com/hpkv-io/zustand-multiplayer-sub001/internal/remotestorage"
	"github.com/hpkv-io/zustand-multiplayer-sub001/internal/remotestorage/remotestoragetest"
	"github.com/hpkv-io/zustand-multiplayer-sub001/internal/tokenmanager"
)

func newPeer(t *testing.T, fake *remotestoragetest.Fake, clientID string, zFactor int) (*Orchestrator, *reactivestore.Store[map[string]any]) {
	t.Helper()
	return newNamespacedPeer(t, fake, "ns1", clientID, zFactor)
}

func newNamespacedPeer(t *testing.T, fake *remotestoragetest.Fake, namespace, clientID string, zFactor int) (*Orchestrator, *reactivestore.Store[map[string]any]) {
	t.Helper()

	store := reactivestore.New(map[string]any{"todos": map[string]any{}})
	tm, err := tokenmanager.New(tokenmanager.Options{APIKey: "k", Namespace: namespace})
	require.NoError(t, err)

	o, err := New(Options{
		Namespace:     namespace,
		ZFactor:       zFactor,
		ClientID:      clientID,
		Store:         store,
		RemoteStorage: fake.NewClient(),
		Tokens:        tm,
		Log:           zap.NewNop(),
	})
	require.NoError(t, err)
	require.NoError(t, o.Connect(context.Background()))

	return o, store
}

// watchNotifications subscribes an extra peer to fake and returns a
// function reporting the keys set and the keys deleted since then.
func watchNotifications(t *testing.T, fake *remotestoragetest.Fake) func() ([]string, []string) {
	t.Helper()
	var mu sync.Mutex
	var sets, deletes []string
	_, err := fake.NewClient().Subscribe(context.Background(), func(n remotestorage.Notification) {
		mu.Lock()
		defer mu.Unlock()
		if n.Value == nil {
			deletes = append(deletes, n.Key)
		} else {
			sets = append(sets, n.Key)
		}
	})
	require.NoError(t, err)
	return func() ([]string, []string) {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), sets...), append([]string(nil), deletes...)
	}
}

func TestTodoAddEmitsThreeGranularSets(t *testing.T) {
	fake := remotestoragetest.NewFake()
	o, _ := newPeer(t, fake, "clientA", 2)

	err := o.HandleLocalStateChange(context.Background(), map[string]any{
		"todos": map[string]any{
			"1": map[string]any{"id": "1", "text": "hi", "completed": false},
		},
	}, false)
	require.NoError(t, err)

	snap := fake.Snapshot()
	assert.Contains(t, snap, "ns1:todos:1:id")
	assert.Contains(t, snap, "ns1:todos:1:text")
	assert.Contains(t, snap, "ns1:todos:1:completed")

	var wrapped wrappedValue
	require.NoError(t, json.Unmarshal(snap["ns1:todos:1:id"], &wrapped))
	assert.Equal(t, "1", wrapped.Value)
	assert.Equal(t, "clientA", wrapped.ClientID)
}

func TestTodoToggleEmitsExactlyOneKey(t *testing.T) {
	fake := remotestoragetest.NewFake()
	o, _ := newPeer(t, fake, "clientA", 2)

	require.NoError(t, o.HandleLocalStateChange(context.Background(), map[string]any{
		"todos": map[string]any{
			"1": map[string]any{"id": "1", "text": "hi", "completed": false},
		},
	}, false))
	recorded := watchNotifications(t, fake)

	require.NoError(t, o.HandleLocalStateChange(context.Background(), map[string]any{
		"todos": map[string]any{
			"1": map[string]any{"id": "1", "text": "hi", "completed": true},
		},
	}, false))

	sets, deletes := recorded()
	assert.Equal(t, []string{"ns1:todos:1:completed"}, sets)
	assert.Empty(t, deletes)

	snap := fake.Snapshot()
	var wrapped wrappedValue
	require.NoError(t, json.Unmarshal(snap["ns1:todos:1:completed"], &wrapped))
	assert.Equal(t, true, wrapped.Value)

	require.NoError(t, json.Unmarshal(snap["ns1:todos:1:text"], &wrapped))
	assert.Equal(t, "hi", wrapped.Value)
}

func TestTodoRemoveDeletesAllGranularKeys(t *testing.T) {
	fake := remotestoragetest.NewFake()
	o, _ := newPeer(t, fake, "clientA", 2)

	require.NoError(t, o.HandleLocalStateChange(context.Background(), map[string]any{
		"todos": map[string]any{
			"1": map[string]any{"id": "1", "text": "hi", "completed": false},
		},
	}, false))
	require.Len(t, fake.Snapshot(), 3)

	require.NoError(t, o.HandleLocalStateChange(context.Background(), map[string]any{
		"todos": map[string]any{},
	}, false))

	assert.Empty(t, fake.Snapshot())
}

func TestHydrationConvergenceAcrossPeers(t *testing.T) {
	fake := remotestoragetest.NewFake()
	a, _ := newPeer(t, fake, "clientA", 2)

	require.NoError(t, a.HandleLocalStateChange(context.Background(), map[string]any{
		"counter": 5.0,
		"title":   "x",
	}, false))

	b, storeB := newPeer(t, fake, "clientB", 2)
	require.NoError(t, b.Hydrate(context.Background()))

	state := storeB.GetState()
	assert.Equal(t, 5.0, state["counter"])
	assert.Equal(t, "x", state["title"])
	status := b.GetConnectionStatus()
	assert.True(t, status.HasHydrated)
	assert.Equal(t, remotestorage.Connected, status.Stats.ConnectionState)
}

func TestEchoSuppressionAppliesOwnNotificationExactlyOnce(t *testing.T) {
	fake := remotestoragetest.NewFake()
	a, storeA := newPeer(t, fake, "clientA", 2)

	var transitions atomic.Int32
	storeA.Subscribe(func(next, prev map[string]any) {
		if next["counter"] == 1.0 && prev["counter"] != 1.0 {
			transitions.Add(1)
		}
	})

	require.NoError(t, a.HandleLocalStateChange(context.Background(), map[string]any{"counter": 1.0}, false))

	assert.Eventually(t, func() bool {
		return storeA.GetState()["counter"] == 1.0
	}, time.Second, time.Millisecond)
	assert.Equal(t, 1.0, storeA.GetState()["counter"])
	assert.Equal(t, int32(1), transitions.Load())
}

func TestNamespaceIsolationDoesNotCrossOver(t *testing.T) {
	// Both peers share one transport; isolation must come from the
	// namespace prefix on the keys, not from separate backing stores.
	fake := remotestoragetest.NewFake()

	a, _ := newNamespacedPeer(t, fake, "ns1", "clientA", 2)
	b, storeB := newNamespacedPeer(t, fake, "ns2", "clientB", 2)

	require.NoError(t, a.HandleLocalStateChange(context.Background(), map[string]any{"counter": 1.0}, false))

	assert.Never(t, func() bool {
		return storeB.GetState()["counter"] != nil
	}, 50*time.Millisecond, 5*time.Millisecond)

	require.NoError(t, b.Hydrate(context.Background()))
	assert.Nil(t, storeB.GetState()["counter"])
}

func TestClearStorageRemovesEveryKey(t *testing.T) {
	fake := remotestoragetest.NewFake()
	o, _ := newPeer(t, fake, "clientA", 2)

	require.NoError(t, o.HandleLocalStateChange(context.Background(), map[string]any{
		"todos": map[string]any{
			"1": map[string]any{"id": "1", "text": "hi", "completed": false},
		},
	}, false))
	before := len(fake.Snapshot())
	require.NotEmpty(t, fake.Snapshot())

	deleted, err := o.ClearStorage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before, deleted)
	assert.Empty(t, fake.Snapshot())
}

func TestDestroyIsIdempotentAndRejectsFurtherOps(t *testing.T) {
	fake := remotestoragetest.NewFake()
	o, _ := newPeer(t, fake, "clientA", 2)

	require.NoError(t, o.Destroy(context.Background()))
	require.NoError(t, o.Destroy(context.Background()))

	err := o.HandleLocalStateChange(context.Background(), map[string]any{"counter": 1.0}, false)
	assert.ErrorIs(t, err, ErrDestroyed)
}

func TestGranularUpdateLocalityEmitsExactlyOneSetAndNoDeletes(t *testing.T) {
	fake := remotestoragetest.NewFake()
	o, _ := newPeer(t, fake, "clientA", 2)

	require.NoError(t, o.HandleLocalStateChange(context.Background(), map[string]any{
		"todos": map[string]any{
			"1": map[string]any{"id": "1", "text": "hi", "completed": false},
		},
	}, false))
	before := len(fake.Snapshot())
	recorded := watchNotifications(t, fake)

	require.NoError(t, o.HandleLocalStateChange(context.Background(), map[string]any{
		"todos": map[string]any{
			"1": map[string]any{"id": "1", "text": "hi", "completed": true},
		},
	}, false))

	sets, deletes := recorded()
	assert.Len(t, sets, 1)
	assert.Empty(t, deletes)
	assert.Equal(t, before, len(fake.Snapshot()))
}
