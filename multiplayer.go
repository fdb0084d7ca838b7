// Package multiplayer turns a local, in-memory key/value store into a
// multiplayer one: local writes are diffed and fanned out to a shared
// remote key/value service, and remote change notifications are folded
// back into local state as minimal, field-level updates.
//
// Wrap normalises the supplied Options, seeds the reserved "multiplayer"
// observable sub-state, and kicks off an asynchronous connect + hydrate
// so the returned Instance is immediately usable offline.
package multiplayer

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hpkv-io/zustand-multiplayer-sub001/internal/orchestrator"
	"github.com/hpkv-io/zustand-multiplayer-sub001/internal/perfmon"
	"github.com/hpkv-io/zustand-multiplayer-sub001/internal/reactivestore"
	"github.com/hpkv-io/zustand-multiplayer-sub001/internal/remotestorage"
	"github.com/hpkv-io/zustand-multiplayer-sub001/internal/tokenmanager"
	"github.com/hpkv-io/zustand-multiplayer-sub001/pkg/hostutil"
)

// ErrConfig is raised synchronously from Wrap when Options fails
// validation.
var ErrConfig = errors.New("multiplayer: invalid configuration")

// LogLevel controls log verbosity, DEBUG through NONE.
type LogLevel string

const (
	LogDebug LogLevel = "DEBUG"
	LogInfo  LogLevel = "INFO"
	LogWarn  LogLevel = "WARN"
	LogError LogLevel = "ERROR"
	LogNone  LogLevel = "NONE"
)

const (
	defaultZFactor = 2
	minZFactor     = 0
	maxZFactor     = 10
)

// MultiplayerKey is the reserved root field holding the observable
// connectionState / hasHydrated / performanceMetrics sub-state. It is
// never synchronised.
const MultiplayerKey = orchestrator.MultiplayerKey

// Options configures Wrap. Namespace, APIBaseUrl, and exactly one of
// APIKey/TokenGenerationURL are required; everything else has a default.
type Options struct {
	Namespace           string
	APIBaseURL          string
	APIKey              string
	TokenGenerationURL  string
	Sync                []string // default: all non-function root fields except "multiplayer"
	ZFactor             *int     // default 2, clamped to [0, 10]
	RateLimit           *int     // ops/sec; nil disables throttling
	LogLevel            LogLevel // default INFO
	RedisDB             int      // backing transport database index
}

func (o Options) resolvedZFactor() int {
	if o.ZFactor == nil {
		return defaultZFactor
	}
	z := *o.ZFactor
	if z < minZFactor {
		return minZFactor
	}
	if z > maxZFactor {
		return maxZFactor
	}
	return z
}

func (o Options) resolvedRateLimit() int {
	if o.RateLimit == nil {
		return 0
	}
	return *o.RateLimit
}

func (o Options) resolvedLogLevel() LogLevel {
	if o.LogLevel == "" {
		return LogInfo
	}
	return o.LogLevel
}

// validate checks the required options and returns the parsed transport
// address from APIBaseURL: host:port, or the bare host when the URL has
// no port.
func (o Options) validate() (addr string, err error) {
	if err := validateNamespace(o.Namespace); err != nil {
		return "", fmt.Errorf("%w: namespace: %v", ErrConfig, err)
	}
	addr, err = validateAPIBaseURL(o.APIBaseURL)
	if err != nil {
		return "", fmt.Errorf("%w: apiBaseUrl: %v", ErrConfig, err)
	}
	if (o.APIKey == "") == (o.TokenGenerationURL == "") {
		return "", fmt.Errorf("%w: exactly one of apiKey or tokenGenerationUrl is required", ErrConfig)
	}
	switch o.resolvedLogLevel() {
	case LogDebug, LogInfo, LogWarn, LogError, LogNone:
	default:
		return "", fmt.Errorf("%w: logLevel %q is not one of DEBUG/INFO/WARN/ERROR/NONE", ErrConfig, o.LogLevel)
	}
	return addr, nil
}

var namespaceForbidden = "<>\"\x00\\"

func validateNamespace(ns string) error {
	if ns == "" {
		return errors.New("must not be empty")
	}
	for _, r := range ns {
		if unicode.IsControl(r) {
			return errors.New("must not contain control characters")
		}
		if strings.ContainsRune(namespaceForbidden, r) {
			return fmt.Errorf("must not contain %q", r)
		}
	}
	return nil
}

func validateAPIBaseURL(raw string) (string, error) {
	if raw == "" {
		return "", errors.New("must not be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("malformed URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "ws", "wss":
	default:
		return "", fmt.Errorf("scheme %q is not one of http(s)/ws(s)", u.Scheme)
	}
	if u.Hostname() == "" {
		return "", errors.New("missing host")
	}
	if err := hostutil.ValidateHost(u.Hostname()); err != nil {
		return "", fmt.Errorf("invalid host: %w", err)
	}
	if u.Port() == "" {
		return u.Hostname(), nil
	}
	return u.Hostname() + ":" + u.Port(), nil
}

// Instance is a wrapped store: every mutation goes through SetState so it
// can be diffed and synced, and the control surface (Connect, Disconnect,
// ReHydrate, ClearStorage, Destroy, GetConnectionStatus, GetMetrics) is
// exposed alongside the regular get/subscribe contract.
type Instance struct {
	store *reactivestore.Store[map[string]any]
	orch  *orchestrator.Orchestrator
	log   *zap.Logger
}

// Wrap builds an Instance seeded with initialState, validates opts, and
// asynchronously connects and hydrates. Connect/hydrate failures are
// logged, not returned, so the instance remains usable offline.
func Wrap(initialState map[string]any, opts Options) (*Instance, error) {
	addr, err := opts.validate()
	if err != nil {
		return nil, err
	}

	log := buildLogger(opts.resolvedLogLevel())
	syncFields := effectiveSyncFields(opts.Sync, initialState)
	zFactor := opts.resolvedZFactor()
	clientID := uuid.NewString()

	seeded := cloneRoot(initialState)
	seeded[MultiplayerKey] = map[string]any{
		"connectionState":    string(remotestorage.Disconnected),
		"hasHydrated":        false,
		"performanceMetrics": map[string]any{"averageSyncTime": 0.0},
	}
	store := reactivestore.New(seeded)

	patterns := tokenmanager.Patterns(syncFields)
	tm, err := tokenmanager.New(tokenmanager.Options{
		APIKey:             opts.APIKey,
		TokenGenerationURL: opts.TokenGenerationURL,
		Namespace:          opts.Namespace,
		Patterns:           patterns,
		Log:                log,
	})
	if err != nil {
		return nil, err
	}

	remote := remotestorage.NewRedisClient(addr, opts.RedisDB, opts.Namespace, patterns, opts.resolvedRateLimit(), log)

	orch, err := orchestrator.New(orchestrator.Options{
		Namespace:     opts.Namespace,
		ZFactor:       zFactor,
		SyncFields:    syncFields,
		ClientID:      clientID,
		Store:         store,
		RemoteStorage: remote,
		Tokens:        tm,
		Perf:          perfmon.New(0),
		Log:           log,
	})
	if err != nil {
		return nil, err
	}

	inst := &Instance{store: store, orch: orch, log: log.Named("multiplayer")}

	go func() {
		if err := orch.Connect(context.Background()); err != nil {
			inst.log.Error("initial connect failed", zap.Error(err))
		}
	}()

	return inst, nil
}

func effectiveSyncFields(configured []string, state map[string]any) []string {
	if len(configured) > 0 {
		return configured
	}
	fields := make([]string, 0, len(state))
	for f, v := range state {
		if f == MultiplayerKey {
			continue
		}
		if v != nil && reflect.ValueOf(v).Kind() == reflect.Func {
			continue
		}
		fields = append(fields, f)
	}
	return fields
}

func cloneRoot(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func buildLogger(level LogLevel) *zap.Logger {
	if level == LogNone {
		return zap.NewNop()
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.TimeKey = ""
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.DisableStacktrace = true
	cfg.DisableCaller = true
	switch level {
	case LogDebug:
		cfg.Level.SetLevel(zap.DebugLevel)
	case LogWarn:
		cfg.Level.SetLevel(zap.WarnLevel)
	case LogError:
		cfg.Level.SetLevel(zap.ErrorLevel)
	default:
		cfg.Level.SetLevel(zap.InfoLevel)
	}
	return zap.Must(cfg.Build())
}

// GetState returns the current wrapped state, including the reserved
// multiplayer sub-state.
func (i *Instance) GetState() map[string]any {
	return i.store.GetState()
}

// Subscribe registers fn for every state transition and returns a
// function that removes it.
func (i *Instance) Subscribe(fn func(next, prev map[string]any)) func() {
	return i.store.Subscribe(fn)
}

// SetState applies partial (merged unless replace is set) and
// synchronises the affected synced fields remotely. Callers make every
// mutation through SetState rather than touching the underlying store
// directly so changes can be diffed and fanned out.
func (i *Instance) SetState(ctx context.Context, partial map[string]any, replace bool) error {
	return i.orch.HandleLocalStateChange(ctx, partial, replace)
}

// Connect establishes the remote session.
func (i *Instance) Connect(ctx context.Context) error { return i.orch.Connect(ctx) }

// Disconnect tears down the current remote session.
func (i *Instance) Disconnect(ctx context.Context) error { return i.orch.Disconnect(ctx) }

// ReHydrate forces a fresh hydration from the remote namespace range.
func (i *Instance) ReHydrate(ctx context.Context) error { return i.orch.ReHydrate(ctx) }

// ClearStorage deletes every remote key in this instance's namespace and
// returns how many keys were deleted.
func (i *Instance) ClearStorage(ctx context.Context) (int, error) { return i.orch.ClearStorage(ctx) }

// Destroy disconnects permanently and releases every listener and timer.
// Idempotent: a second Destroy returns nil. After Destroy, SetState,
// Connect, Disconnect, ReHydrate and ClearStorage return the
// orchestrator's ErrDestroyed.
func (i *Instance) Destroy(ctx context.Context) error { return i.orch.Destroy(ctx) }

// GetConnectionStatus reports the current connection/hydration status.
func (i *Instance) GetConnectionStatus() orchestrator.Status { return i.orch.GetConnectionStatus() }

// GetMetrics reports the current performance sub-state.
func (i *Instance) GetMetrics() orchestrator.Metrics { return i.orch.GetMetrics() }
