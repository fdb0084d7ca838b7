// Package orchestrator wires a host state store to the remote storage
// client: it intercepts local writes, diffs and fans them out as
// granular remote operations, applies inbound remote notifications back
// onto local state without re-broadcasting, and owns connection
// lifecycle, hydration, and the public control surface the middleware
// exposes (connect, disconnect, reHydrate, clearStorage, destroy,
// getConnectionStatus, getMetrics).
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hpkv-io/zustand-multiplayer-sub001/internal/keys"
	"github.com/hpkv-io/zustand-multiplayer-sub001/internal/perfmon"
	"github.com/hpkv-io/zustand-multiplayer-sub001/internal/remotestorage"
	"github.com/hpkv-io/zustand-multiplayer-sub001/internal/statediff"
	"github.com/hpkv-io/zustand-multiplayer-sub001/internal/statemerge"
	"github.com/hpkv-io/zustand-multiplayer-sub001/internal/tokenmanager"
)

// ErrDestroyed is returned by any public operation invoked after Destroy.
var ErrDestroyed = errors.New("orchestrator: destroyed")

// MultiplayerKey is the reserved root field never synchronised, holding
// the observable connection/hydration/metrics sub-state.
const MultiplayerKey = "multiplayer"

// Store is the host reactive store's get/set contract. State is always a
// plain JSON-shaped object at the root.
type Store interface {
	GetState() map[string]any
	SetState(map[string]any)
}

// Status is the externally observable connection/hydration status, plus
// a passthrough of whatever transport-level diagnostics the remote
// storage client can offer.
type Status struct {
	ConnectionState remotestorage.ConnectionState
	HasHydrated     bool
	Stats           remotestorage.Stats
}

// Metrics is the externally observable performance sub-state.
type Metrics struct {
	AverageSyncTimeMillis float64
}

// Options configures an Orchestrator.
type Options struct {
	Namespace     string
	ZFactor       int
	SyncFields    []string // empty means "all non-function root fields except multiplayer"
	ClientID      string
	RangePageSize int // default 100

	Store         Store
	RemoteStorage remotestorage.Client
	Tokens        *tokenmanager.Manager
	Perf          *perfmon.Monitor
	Log           *zap.Logger
}

// Orchestrator is the single point wiring a Store to a RemoteStorage
// client.
type Orchestrator struct {
	store    Store
	remote   remotestorage.Client
	tokens   *tokenmanager.Manager
	perf     *perfmon.Monitor
	keys     *keys.Manager
	log      *zap.Logger
	zFactor  int
	clientID string
	pageSize int
	syncAll  bool
	syncSet  map[string]bool

	mu            sync.Mutex
	connState     remotestorage.ConnectionState
	hasHydrated   bool
	isHydrating   bool
	destroyed     bool
	subID         string
	unsubState    func()
}

// wrappedValue is the JSON shape stored at every remote key.
type wrappedValue struct {
	Value     any    `json:"value"`
	ClientID  string `json:"clientId"`
	Timestamp int64  `json:"timestamp"`
}

// New constructs an Orchestrator, registers its connection-state and
// notification listeners, and returns it ready for Connect.
func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil || opts.RemoteStorage == nil || opts.Tokens == nil {
		return nil, errors.New("orchestrator: Store, RemoteStorage, and Tokens are required")
	}
	if opts.Perf == nil {
		opts.Perf = perfmon.New(0)
	}
	if opts.RangePageSize <= 0 {
		opts.RangePageSize = 100
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}

	o := &Orchestrator{
		store:     opts.Store,
		remote:    opts.RemoteStorage,
		tokens:    opts.Tokens,
		perf:      opts.Perf,
		keys:      keys.NewManager(opts.Namespace),
		log:       log.Named("orchestrator"),
		zFactor:   opts.ZFactor,
		clientID:  opts.ClientID,
		pageSize:  opts.RangePageSize,
		connState: remotestorage.Disconnected,
	}
	if len(opts.SyncFields) == 0 {
		o.syncAll = true
	} else {
		o.syncSet = make(map[string]bool, len(opts.SyncFields))
		for _, f := range opts.SyncFields {
			o.syncSet[f] = true
		}
	}

	o.unsubState = o.remote.OnStateChange(o.handleConnectionStateChange)
	subID, err := o.remote.Subscribe(context.Background(), o.handleNotification)
	if err != nil {
		o.unsubState()
		return nil, fmt.Errorf("orchestrator: subscribe: %w", err)
	}
	o.subID = subID
	return o, nil
}

// HandleLocalStateChange applies partial to the store (merging unless
// replace is set), then diffs old vs new for every synced field and fans
// out the resulting granular remote operations.
func (o *Orchestrator) HandleLocalStateChange(ctx context.Context, partial map[string]any, replace bool) error {
	if o.isDestroyed() {
		return ErrDestroyed
	}

	old := o.store.GetState()
	var next map[string]any
	if replace {
		next = partial
	} else {
		next = cloneShallow(old)
		for k, v := range partial {
			next[k] = v
		}
	}
	o.store.SetState(next)

	start := time.Now()
	err := o.syncFields(ctx, old, next)
	o.perf.Record(time.Since(start).Milliseconds())
	o.refreshMetrics()
	if err != nil {
		o.log.Error("remote sync failed", zap.Error(err))
		return err
	}
	return nil
}

func (o *Orchestrator) effectiveSyncFields(state map[string]any) []string {
	if !o.syncAll {
		fields := make([]string, 0, len(o.syncSet))
		for f := range o.syncSet {
			fields = append(fields, f)
		}
		return fields
	}
	fields := make([]string, 0, len(state))
	for f := range state {
		if f == MultiplayerKey {
			continue
		}
		fields = append(fields, f)
	}
	return fields
}

type remoteOp struct {
	isDelete bool
	key      string
	payload  []byte
}

// syncFields computes and fans out the granular remote operations
// needed to bring the remote copy of the synced fields from old in line
// with new.
func (o *Orchestrator) syncFields(ctx context.Context, old, new map[string]any) error {
	var ops []remoteOp

	for _, f := range o.effectiveSyncFields(new) {
		if f == MultiplayerKey {
			continue
		}
		ov, haveOld := old[f]
		nv, haveNew := new[f]
		if isFunc(ov) || isFunc(nv) {
			continue
		}
		if haveOld && haveNew && statediff.Identical(ov, nv) {
			continue
		}

		var oldPaths, newPaths []statemerge.PathValue
		if haveOld {
			oldPaths = statemerge.ExtractPaths(ov, []string{f}, o.zFactor)
		}
		if haveNew {
			newPaths = statemerge.ExtractPaths(nv, []string{f}, o.zFactor)
		}
		oldMap := statemerge.ToMap(oldPaths)
		newMap := statemerge.ToMap(newPaths)

		for k, opv := range oldMap {
			if _, stillPresent := newMap[k]; !stillPresent {
				ops = append(ops, remoteOp{isDelete: true, key: o.keys.MakeKey(opv.Path)})
			}
		}
		for k, npv := range newMap {
			opv, hadOld := oldMap[k]
			if hadOld && statediff.Identical(opv.Value, npv.Value) {
				continue
			}
			var oldVal any
			if hadOld {
				oldVal = opv.Value
			}
			diffResult := statediff.Diff(oldVal, npv.Value)
			payload, err := o.wrap(diffResult.Data)
			if err != nil {
				return fmt.Errorf("encode %s: %w", npv.Key(), err)
			}
			ops = append(ops, remoteOp{key: o.keys.MakeKey(npv.Path), payload: payload})
		}
	}

	return o.runOps(ctx, ops)
}

// runOps fans ops out concurrently with all-settled semantics: every op
// runs to completion regardless of sibling failures, and the combined
// error (if any) is returned once all have finished.
func (o *Orchestrator) runOps(ctx context.Context, ops []remoteOp) error {
	var g errgroup.Group
	var mu sync.Mutex
	var errs []error

	for _, op := range ops {
		op := op
		g.Go(func() error {
			var err error
			if op.isDelete {
				err = o.remote.Delete(ctx, op.key)
			} else {
				err = o.remote.Set(ctx, op.key, op.payload, true)
			}
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", op.key, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (o *Orchestrator) wrap(value any) ([]byte, error) {
	return json.Marshal(wrappedValue{Value: value, ClientID: o.clientID, Timestamp: time.Now().UnixMilli()})
}

// handleNotification is the RemoteStorage subscription handler: it maps
// the key back to a path, drops echoes of this client's own writes, and
// applies the remaining change through the un-intercepted store setter.
func (o *Orchestrator) handleNotification(n remotestorage.Notification) {
	segments, err := o.keys.ParseKey(n.Key)
	if err != nil {
		o.log.Debug("dropping notification outside namespace", zap.String("key", n.Key))
		return
	}
	pathString := strings.Join(segments, ".")

	if n.Value == nil {
		o.applyPatch(statemerge.BuildStateUpdate(pathString, nil, o.store.GetState(), o.zFactor))
		return
	}

	var wrapped wrappedValue
	if err := json.Unmarshal(n.Value, &wrapped); err != nil {
		o.log.Error("malformed notification payload", zap.String("key", n.Key), zap.Error(err))
		return
	}
	if wrapped.ClientID == o.clientID {
		return // echo suppression
	}

	o.applyPatch(statemerge.BuildStateUpdate(pathString, wrapped.Value, o.store.GetState(), o.zFactor))
}

func (o *Orchestrator) applyPatch(p statemerge.Patch) {
	next := cloneShallow(o.store.GetState())
	for _, d := range p.Delete {
		delete(next, d)
	}
	for k, v := range p.Set {
		next[k] = v
	}
	o.store.SetState(next)
}

// Hydrate rebuilds local state from the namespace's remote key range. A
// call made while a hydration is already in flight returns immediately.
func (o *Orchestrator) Hydrate(ctx context.Context) error {
	o.mu.Lock()
	if o.isHydrating {
		o.mu.Unlock()
		return nil
	}
	o.isHydrating = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.isHydrating = false
		o.mu.Unlock()
	}()

	start := time.Now()
	acc, err := o.fetchAll(ctx)
	o.perf.Record(time.Since(start).Milliseconds())
	if err != nil {
		o.log.Error("hydration failed", zap.Error(err))
		return fmt.Errorf("hydrate: %w", err)
	}

	next := cloneShallow(o.store.GetState())
	for k, v := range acc {
		next[k] = v
	}
	o.store.SetState(next)

	o.mu.Lock()
	o.hasHydrated = true
	o.mu.Unlock()
	o.updateMultiplayerState(func(mp map[string]any) { mp["hasHydrated"] = true })
	o.refreshMetrics()
	return nil
}

// fetchAll pages through the full namespace range, folding every
// (key, value) pair into a freshly built partial state.
func (o *Orchestrator) fetchAll(ctx context.Context) (map[string]any, error) {
	rng := o.keys.NamespaceRange()
	acc := make(map[string]any)
	cursor := rng.Start

	for {
		res, err := o.remote.Range(ctx, cursor, rng.End, o.pageSize)
		if err != nil {
			return nil, err
		}
		for _, kv := range res.Items {
			segments, err := o.keys.ParseKey(kv.Key)
			if err != nil {
				continue
			}
			var wrapped wrappedValue
			if err := json.Unmarshal(kv.Value, &wrapped); err != nil {
				o.log.Error("malformed stored value during hydration", zap.String("key", kv.Key), zap.Error(err))
				continue
			}
			statemerge.SetNestedValue(acc, segments, wrapped.Value)
		}
		if !res.Truncated {
			return acc, nil
		}
		cursor = res.LastKey + "\x00"
	}
}

// handleConnectionStateChange reacts to transport-level connection
// transitions, updating the observable multiplayer sub-state and
// triggering hydration whenever the transport reaches Connected while the
// store is not hydrated (a Disconnected transition clears that flag).
func (o *Orchestrator) handleConnectionStateChange(next remotestorage.ConnectionState) {
	o.mu.Lock()
	o.connState = next
	if next == remotestorage.Disconnected {
		o.hasHydrated = false
	}
	destroyed := o.destroyed
	alreadyHydrated := o.hasHydrated
	o.mu.Unlock()
	if destroyed {
		return
	}

	o.updateMultiplayerState(func(mp map[string]any) {
		mp["connectionState"] = string(next)
		if next == remotestorage.Disconnected {
			mp["hasHydrated"] = false
		}
	})

	if next == remotestorage.Connected && !alreadyHydrated {
		go func() {
			if err := o.Hydrate(context.Background()); err != nil {
				o.log.Error("post-connect hydration failed", zap.Error(err))
			}
		}()
	}
}

// Connect fetches a token and establishes the remote session, scheduling
// its refresh.
func (o *Orchestrator) Connect(ctx context.Context) error {
	if o.isDestroyed() {
		return ErrDestroyed
	}
	tok, err := o.tokens.FetchToken(ctx)
	if err != nil {
		o.log.Error("token fetch failed", zap.Error(err))
		return err
	}
	if err := o.remote.Connect(ctx, tok.Raw); err != nil {
		o.log.Error("connect failed", zap.Error(err))
		return err
	}
	o.tokens.ScheduleRefresh(tok, o.handleTokenRefresh)
	return nil
}

// handleTokenRefresh disconnects and reconnects the transport with a
// freshly issued token.
func (o *Orchestrator) handleTokenRefresh() {
	if o.isDestroyed() {
		return
	}
	ctx := context.Background()
	if err := o.remote.Disconnect(ctx); err != nil {
		o.log.Error("disconnect before token refresh failed", zap.Error(err))
	}
	if err := o.Connect(ctx); err != nil {
		o.log.Error("reconnect after token refresh failed", zap.Error(err))
	}
}

// Disconnect tears down the current remote session without releasing
// registered listeners.
func (o *Orchestrator) Disconnect(ctx context.Context) error {
	if o.isDestroyed() {
		return ErrDestroyed
	}
	return o.remote.Disconnect(ctx)
}

// ReHydrate clears the hydrated flag and hydrates again. If a hydration
// is already in flight, it returns without starting another.
func (o *Orchestrator) ReHydrate(ctx context.Context) error {
	if o.isDestroyed() {
		return ErrDestroyed
	}
	o.mu.Lock()
	o.hasHydrated = false
	o.mu.Unlock()
	return o.Hydrate(ctx)
}

// ClearStorage enumerates the namespace range and deletes every key,
// logging a running total as it goes and a final deleted-count
// confirmation. It returns the total number of keys deleted.
func (o *Orchestrator) ClearStorage(ctx context.Context) (int, error) {
	if o.isDestroyed() {
		return 0, ErrDestroyed
	}
	start := time.Now()
	rng := o.keys.NamespaceRange()
	cursor := rng.Start
	deleted := 0
	for {
		res, err := o.remote.Range(ctx, cursor, rng.End, o.pageSize)
		if err != nil {
			return deleted, fmt.Errorf("clear storage: %w", err)
		}

		var g errgroup.Group
		var pageDeleted atomic.Int64
		for _, kv := range res.Items {
			kv := kv
			g.Go(func() error {
				if err := o.remote.Delete(ctx, kv.Key); err != nil {
					return err
				}
				pageDeleted.Add(1)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			o.log.Error("clear storage delete failed", zap.Error(err))
		}
		deleted += int(pageDeleted.Load())
		o.log.Info("clear storage progress",
			zap.Int("pageKeysFound", len(res.Items)),
			zap.Int("deletedSoFar", deleted),
		)

		if !res.Truncated {
			o.log.Info("clear storage complete",
				zap.String("namespace", o.keys.Namespace()),
				zap.Int("deleted", deleted),
				zap.Duration("took", time.Since(start)),
			)
			return deleted, nil
		}
		cursor = res.LastKey + "\x00"
	}
}

// Destroy tears down the transport permanently and releases every
// listener and timer. Idempotent.
func (o *Orchestrator) Destroy(ctx context.Context) error {
	o.mu.Lock()
	if o.destroyed {
		o.mu.Unlock()
		return nil
	}
	o.destroyed = true
	o.mu.Unlock()

	o.tokens.Stop()
	if o.unsubState != nil {
		o.unsubState()
	}
	if o.subID != "" {
		_ = o.remote.Unsubscribe(o.subID)
	}
	return o.remote.Close()
}

// GetConnectionStatus reports the current connection/hydration status,
// folding in a live ConnectionStats() passthrough from the remote
// storage client.
func (o *Orchestrator) GetConnectionStatus() Status {
	o.mu.Lock()
	connState, hasHydrated := o.connState, o.hasHydrated
	o.mu.Unlock()
	return Status{
		ConnectionState: connState,
		HasHydrated:     hasHydrated,
		Stats:           o.remote.ConnectionStats(),
	}
}

// GetMetrics reports the current performance sub-state.
func (o *Orchestrator) GetMetrics() Metrics {
	snap := o.perf.Snapshot()
	return Metrics{AverageSyncTimeMillis: snap.AverageRoundTripMillis}
}

func (o *Orchestrator) refreshMetrics() {
	snap := o.perf.Snapshot()
	o.updateMultiplayerState(func(mp map[string]any) {
		mp["performanceMetrics"] = map[string]any{"averageSyncTime": snap.AverageRoundTripMillis}
	})
}

// updateMultiplayerState copy-on-write updates the reserved multiplayer
// sub-state without touching any other root field.
func (o *Orchestrator) updateMultiplayerState(mutate func(map[string]any)) {
	cur := o.store.GetState()
	mp, _ := cur[MultiplayerKey].(map[string]any)
	mp = cloneShallow(mp)
	mutate(mp)

	next := cloneShallow(cur)
	next[MultiplayerKey] = mp
	o.store.SetState(next)
}

func (o *Orchestrator) isDestroyed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.destroyed
}

func cloneShallow(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func isFunc(v any) bool {
	if v == nil {
		return false
	}
	return reflect.ValueOf(v).Kind() == reflect.Func
}
