// Package kvsync is a client-side replicated key/value store with
// offline-first sync: every write lands locally and immediately, a
// background connection loop reconciles pending mutations with a remote
// peer over a push/pull wire protocol, and subscriptions re-evaluate
// incrementally as commits land.
package kvsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kvsync/kvsync/internal/authtoken"
	"github.com/kvsync/kvsync/internal/backend"
	"github.com/kvsync/kvsync/internal/clientid"
	"github.com/kvsync/kvsync/internal/connloop"
	"github.com/kvsync/kvsync/internal/kvstore"
	"github.com/kvsync/kvsync/internal/metrics"
	"github.com/kvsync/kvsync/internal/subscribe"
	"github.com/kvsync/kvsync/internal/syncclient"
	"github.com/kvsync/kvsync/internal/syncengine"
)

// Mutator is a registered write procedure, looked up by name on Invoke,
// BeginPull replay, and push-side replay on the remote peer.
type Mutator = kvstore.Mutator

// Handlers are the callbacks a subscription fires. See subscribe.Handlers.
type Handlers = subscribe.Handlers

// QueryFunc runs against a read transaction. See subscribe.QueryFunc.
type QueryFunc = subscribe.QueryFunc

// Cancel stops a subscription.
type Cancel = subscribe.Cancel

// Config configures a store's identity, backend selection, and sync
// wiring. Only Name is required; everything else has a working default
// or disables the feature it controls when left zero.
type Config struct {
	// Name identifies the store; required. For a durable backend this
	// names the on-disk directory; for memstore it is advisory only.
	Name string

	// UseMemstore selects the in-memory backend, whose contents do not
	// survive process restart.
	UseMemstore bool
	DurableDir  string // base directory for a durable backend; ignored if UseMemstore

	PullURL, PushURL   string
	PullAuth, PushAuth string // initial credentials, before any getX callback runs

	// GetPullAuth/GetPushAuth mint a fresh credential after an HTTP 401.
	// If nil, the initial PullAuth/PushAuth (possibly empty) is reused
	// forever, so a server that never 401s never needs one.
	GetPullAuth, GetPushAuth func(ctx context.Context) (string, error)

	// PullInterval is the pull loop's watchdog period; zero disables
	// periodic pulling, leaving only the pull made when sync starts and
	// explicit Pull calls.
	PullInterval time.Duration
	// PushDelay debounces bursts of local writes before pushing; zero
	// uses the connection loop's default (10ms).
	PushDelay time.Duration

	SchemaVersion string
	LogLevel      string // "error" | "info" | "debug"; default "info"

	HTTPClient syncclient.HTTPClient // default http.DefaultClient

	// Metrics, if set, receives connection-loop delay, reauth and
	// pending-count observations; the client does not record the push/pull
	// attempt counters or durations. Nil disables all metrics reporting.
	Metrics *metrics.Collectors
}

func (c Config) withDefaults() Config {
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	return c
}

// Store is the public facade: local transactions plus background sync.
type Store struct {
	cfg      Config
	kv       *kvstore.Store
	subs     *subscribe.Engine
	clientID string
	log      *logrus.Entry

	sync       *syncengine.Engine
	pushLoop   *connloop.Loop
	pullLoop   *connloop.Loop
	loopCancel context.CancelFunc
	wg         sync.WaitGroup

	syncMu     sync.Mutex
	syncing    bool
	onSyncMu   sync.Mutex
	onSyncSubs []func(bool)
}

// Open opens (initializing on first use) the store named by cfg.Name and
// starts its background push/pull loops if cfg.PullURL/PushURL are set.
func Open(cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()
	if cfg.Name == "" {
		return nil, fmt.Errorf("kvsync: Config.Name is required")
	}
	if lvl, err := logrus.ParseLevel(orDefault(cfg.LogLevel, "info")); err == nil {
		logrus.SetLevel(lvl)
	}

	be, err := openBackend(cfg)
	if err != nil {
		return nil, err
	}

	kv, err := kvstore.Open(be)
	if err != nil {
		return nil, err
	}

	id, err := clientid.Load(kv.Chunks())
	if err != nil {
		return nil, err
	}

	s := &Store{
		cfg:      cfg,
		kv:       kv,
		subs:     subscribe.New(kv),
		clientID: id,
		log:      logrus.WithField("component", "kvsync").WithField("store", cfg.Name),
	}

	if cfg.PullURL != "" || cfg.PushURL != "" {
		if err := s.startSync(); err != nil {
			return nil, err
		}
	}

	return s, nil
}

func openBackend(cfg Config) (backend.Backend, error) {
	if cfg.UseMemstore {
		return backend.NewMemory(cfg.Name), nil
	}
	dir := cfg.DurableDir
	if dir == "" {
		dir = "."
	}
	return backend.OpenDurable(dir, cfg.Name, backend.DurableConfig{})
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func (s *Store) startSync() error {
	pullAuth := syncclient.NewCachedAuth(s.cfg.PullAuth, s.cfg.GetPullAuth)
	pushAuth := syncclient.NewCachedAuth(s.cfg.PushAuth, s.cfg.GetPushAuth)

	puller := &syncclient.HTTPPuller{Client: s.cfg.HTTPClient, URL: s.cfg.PullURL, Auth: pullAuth.Provider()}
	pusher := &syncclient.HTTPPusher{Client: s.cfg.HTTPClient, URL: s.cfg.PushURL, Auth: pushAuth.Provider()}

	s.sync = syncengine.New(s.kv, s.clientID, s.cfg.SchemaVersion, puller, pusher, pullAuth, pushAuth)
	if s.cfg.Metrics != nil {
		s.sync.SetOnReauth(func(direction string) { s.cfg.Metrics.Reauthed.WithLabelValues(direction).Inc() })
	}

	s.pullLoop = connloop.New(connloop.Config{Watchdog: s.cfg.PullInterval, OnDelay: s.onConnLoopDelay("pull")}, s.doPull)
	s.pushLoop = connloop.New(connloop.Config{DebounceDelay: s.cfg.PushDelay, OnDelay: s.onConnLoopDelay("push")}, s.doPush)

	ctx, cancel := context.WithCancel(context.Background())
	s.loopCancel = cancel

	s.wg.Add(2)
	go func() { defer s.wg.Done(); s.pullLoop.Run(ctx) }()
	go func() { defer s.wg.Done(); s.pushLoop.Run(ctx) }()

	s.kv.OnCommit(func(string) { s.pushLoop.Send() })
	s.pullLoop.Send()
	return nil
}

// onConnLoopDelay builds a connloop.Config.OnDelay callback reporting into
// Metrics.ConnLoopDelay under direction, or nil when metrics are disabled.
func (s *Store) onConnLoopDelay(direction string) func(time.Duration) {
	if s.cfg.Metrics == nil {
		return nil
	}
	return func(d time.Duration) { s.cfg.Metrics.ConnLoopDelay.WithLabelValues(direction).Set(d.Seconds()) }
}

// reportPending publishes the current pending-mutation count, when metrics
// are enabled.
func (s *Store) reportPending() {
	if s.cfg.Metrics == nil {
		return
	}
	s.cfg.Metrics.PendingCount.Set(float64(len(s.kv.MutationLog().Pending())))
}

func (s *Store) doPull(ctx context.Context) (bool, error) {
	s.setSyncing(true)
	defer s.setSyncing(false)

	result, err := s.sync.BeginPull(ctx)
	if err != nil {
		s.log.WithError(err).Warn("pull failed")
		return false, err
	}
	if err := s.sync.MaybeEndPull(ctx, result); err != nil {
		s.log.WithError(err).Warn("pull end failed")
		return false, err
	}
	s.reportPending()
	return true, nil
}

func (s *Store) doPush(ctx context.Context) (bool, error) {
	s.setSyncing(true)
	defer s.setSyncing(false)

	if _, err := s.sync.Push(ctx); err != nil {
		s.log.WithError(err).Warn("push failed")
		return false, err
	}
	return true, nil
}

func (s *Store) setSyncing(v bool) {
	s.syncMu.Lock()
	changed := s.syncing != v
	s.syncing = v
	s.syncMu.Unlock()
	if changed {
		s.fireOnSync(v)
	}
}

func (s *Store) fireOnSync(syncing bool) {
	s.onSyncMu.Lock()
	subs := append([]func(bool){}, s.onSyncSubs...)
	s.onSyncMu.Unlock()
	for _, fn := range subs {
		fn(syncing)
	}
}

// OnSync registers a callback fired true when a push or pull cycle
// starts and false when it ends, including on error.
func (s *Store) OnSync(fn func(syncing bool)) {
	s.onSyncMu.Lock()
	defer s.onSyncMu.Unlock()
	s.onSyncSubs = append(s.onSyncSubs, fn)
}

// ClientID returns this store's persisted client identity.
func (s *Store) ClientID() string { return s.clientID }

// NewJWTAuth builds a GetPullAuth/GetPushAuth-compatible callback that
// mints a fresh HMAC-signed bearer token scoped to clientID on every call,
// for applications that don't want to run their own auth server
// round-trip just to hand out short-lived credentials.
func NewJWTAuth(secret []byte, clientID string, ttl time.Duration) func(ctx context.Context) (string, error) {
	p := authtoken.New(secret, clientID, ttl)
	return func(ctx context.Context) (string, error) {
		return p.Token()
	}
}

// Register installs a named mutator, invocable by name via Invoke and by
// the sync engine's replay path.
func (s *Store) Register(name string, fn Mutator) { s.kv.Register(name, fn) }

// Invoke runs the named mutator against a fresh write transaction rooted
// at the current head and, on success, queues it for push.
func (s *Store) Invoke(name string, args json.RawMessage) (uint64, error) {
	id, err := s.kv.Invoke(name, args)
	if err == nil {
		s.reportPending()
		if s.pushLoop != nil {
			s.pushLoop.Send()
		}
	}
	return id, err
}

// Get reads key's current value.
func (s *Store) Get(key string) (json.RawMessage, bool, error) {
	tx, err := s.kv.ReadTx()
	if err != nil {
		return nil, false, err
	}
	defer tx.Close()
	return tx.Get(key)
}

// Has reports whether key currently has a value.
func (s *Store) Has(key string) (bool, error) {
	tx, err := s.kv.ReadTx()
	if err != nil {
		return false, err
	}
	defer tx.Close()
	return tx.Has(key)
}

// IsEmpty reports whether the store has no rows.
func (s *Store) IsEmpty() (bool, error) {
	tx, err := s.kv.ReadTx()
	if err != nil {
		return false, err
	}
	defer tx.Close()
	return tx.IsEmpty()
}

// Scan runs opts against either the primary key-space or a named index.
func (s *Store) Scan(opts kvstore.ScanOptions) ([]kvstore.KV, error) {
	tx, err := s.kv.ReadTx()
	if err != nil {
		return nil, err
	}
	defer tx.Close()
	return tx.Scan(opts)
}

// CreateIndex builds a new secondary index by scanning every row under
// keyPrefix, extracted via the RFC 6901 JSON pointer.
func (s *Store) CreateIndex(name, keyPrefix, pointer string) error {
	return s.kv.CreateIndex(name, keyPrefix, pointer)
}

// DropIndex removes a live index.
func (s *Store) DropIndex(name string) error {
	return s.kv.DropIndex(name)
}

// Subscribe registers query and runs its initial evaluation asynchronously.
func (s *Store) Subscribe(query QueryFunc, handlers Handlers) Cancel {
	return s.subs.Subscribe(query, handlers)
}

// Pull runs one synchronous begin-pull/maybe-end-pull cycle, bypassing
// the background connection loop's pacing.
func (s *Store) Pull(ctx context.Context) error {
	if s.sync == nil {
		return fmt.Errorf("kvsync: store has no pullURL configured")
	}
	_, err := s.doPull(ctx)
	return err
}

// Push sends every pending mutation to the remote peer immediately,
// bypassing the background connection loop's debounce. It does not wait
// for a subsequent pull to ack them; call Pull afterward for that.
func (s *Store) Push(ctx context.Context) error {
	if s.sync == nil {
		return fmt.Errorf("kvsync: store has no pushURL configured")
	}
	_, err := s.doPush(ctx)
	return err
}

// BeginPull runs the read half of a pull cycle without publishing it;
// pair with MaybeEndPull to control exactly when the swap is visible.
func (s *Store) BeginPull(ctx context.Context) (syncengine.BeginPullResult, error) {
	if s.sync == nil {
		return syncengine.BeginPullResult{}, fmt.Errorf("kvsync: store has no pullURL configured")
	}
	return s.sync.BeginPull(ctx)
}

// MaybeEndPull publishes a prior BeginPull's result, rebasing onto any
// local writes that landed in the meantime.
func (s *Store) MaybeEndPull(ctx context.Context, result syncengine.BeginPullResult) error {
	if s.sync == nil {
		return fmt.Errorf("kvsync: store has no pullURL configured")
	}
	return s.sync.MaybeEndPull(ctx, result)
}

// Close stops the background sync loops (if any), cancels every live
// subscription, and releases the backend. In-flight transactions at the
// time of the call complete normally; new ones fail with
// kvstore.ErrStoreClosed.
func (s *Store) Close() error {
	if s.loopCancel != nil {
		s.loopCancel()
		s.pushLoop.Close()
		s.pullLoop.Close()
		s.wg.Wait()
	}
	s.subs.Close()
	return s.kv.Close()
}
