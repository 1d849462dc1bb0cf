// Package core wires the engine's components together and runs startup
// recovery before the request pipeline is opened.
package core

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/iosh/arx-sub004/walletEngine/approval"
	"github.com/iosh/arx-sub004/walletEngine/attention"
	"github.com/iosh/arx-sub004/walletEngine/chainregistry"
	"github.com/iosh/arx-sub004/walletEngine/config"
	"github.com/iosh/arx-sub004/walletEngine/db"
	apperrors "github.com/iosh/arx-sub004/walletEngine/errors"
	"github.com/iosh/arx-sub004/walletEngine/eventbus"
	"github.com/iosh/arx-sub004/walletEngine/keyring"
	"github.com/iosh/arx-sub004/walletEngine/methods"
	"github.com/iosh/arx-sub004/walletEngine/metrics"
	"github.com/iosh/arx-sub004/walletEngine/permission"
	"github.com/iosh/arx-sub004/walletEngine/pipeline"
	"github.com/iosh/arx-sub004/walletEngine/rpcclient"
	"github.com/iosh/arx-sub004/walletEngine/rpcrouter"
	"github.com/iosh/arx-sub004/walletEngine/transaction"
	txeip155 "github.com/iosh/arx-sub004/walletEngine/transaction/eip155"
	"github.com/iosh/arx-sub004/walletEngine/unlock"
)

// Options are the engine's external dependencies. Only Config is required.
type Options struct {
	Config *config.Config
	// DB is opened from the config when nil.
	DB *db.DB
	// Dial opens RPC clients; nil uses go-ethereum's HTTP client.
	Dial rpcclient.Dialer
	// Registerer receives the engine metrics; nil uses a private registry.
	Registerer prometheus.Registerer
	// Strategy decides approvals without a human. Leave nil in production.
	Strategy approval.Strategy
	Clock    clock.Clock
	Logger   zerolog.Logger
}

// Engine owns every component of a running wallet engine.
type Engine struct {
	cfg      *config.Config
	log      zerolog.Logger
	db       *db.DB
	registry *prometheus.Registry

	Bus          *eventbus.Bus
	Revision     *eventbus.RevisionNotifier
	Metrics      *metrics.Metrics
	Router       *rpcrouter.Router
	Transport    *rpcclient.Transport
	Keyring      *keyring.Service
	Unlock       *unlock.Controller
	Permissions  *permission.Controller
	Approvals    *approval.Controller
	Attention    *attention.Service
	Chains       *chainregistry.Registry
	Transactions *transaction.Engine
	Methods      *methods.Registry
	Pipeline     *pipeline.Pipeline

	prober *rpcrouter.Prober
	pruner *db.HistoryPruner

	ready   atomic.Bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	unsubs  []func()
	stopped bool
}

// New builds the engine. Nothing runs until Start.
func New(opts Options) (*Engine, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	cfg := opts.Config
	clk := opts.Clock
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	log := opts.Logger.With().Str("component", "engine").Logger()

	database := opts.DB
	if database == nil {
		var err error
		database, err = db.OpenFileDB(cfg.DataDir(), cfg.DatabaseFile, true)
		if err != nil {
			return nil, errors.Wrap(err, "failed to open database")
		}
	}

	e := &Engine{cfg: cfg, log: log, db: database}

	reg := opts.Registerer
	if reg == nil {
		e.registry = prometheus.NewRegistry()
		reg = e.registry
	}
	e.Metrics = metrics.New(reg)
	e.Bus = eventbus.New(opts.Logger)
	e.Revision = eventbus.NewRevisionNotifier(e.Bus)

	e.Router = rpcrouter.NewRouter(rpcrouter.Config{
		DefaultCooldown: cfg.CooldownDuration(),
		DefaultStrategy: cfg.RPCRouter.Strategy,
		Clock:           clk,
		Bus:             e.Bus,
		Metrics:         e.Metrics,
		Logger:          opts.Logger,
	})
	e.Transport = rpcclient.NewTransport(e.Router, opts.Dial, cfg.RequestTimeout(), opts.Logger)
	e.prober = rpcrouter.NewProber(e.Router, e.Transport.Probe, cfg.ProbeInterval(), cfg.RequestTimeout(), opts.Logger)

	keyringStore := db.NewKeyringStore(database)
	e.Keyring = keyring.NewService(keyring.Config{
		Accounts: keyringStore,
		Vault:    keyringStore,
		Bus:      e.Bus,
		Clock:    clk,
		Logger:   opts.Logger,
	})
	e.Unlock = unlock.NewController(unlock.Config{
		Keyring:  e.Keyring,
		Bus:      e.Bus,
		Revision: e.Revision,
		Clock:    clk,
		AutoLock: cfg.AutoLockDuration(),
		Logger:   opts.Logger,
	})
	e.Permissions = permission.NewController(db.NewPermissionStore(database), e.Bus, clk, opts.Logger)
	e.Approvals = approval.NewController(approval.Config{
		Store:    db.NewApprovalStore(database),
		Bus:      e.Bus,
		Revision: e.Revision,
		Clock:    clk,
		TTL:      cfg.ApprovalTTL(),
		Metrics:  e.Metrics,
		Logger:   opts.Logger,
	})
	e.Attention = attention.NewService(e.Bus, clk, cfg.AttentionTTL(), opts.Logger)
	e.Chains = chainregistry.NewRegistry(chainregistry.Config{
		Settings: db.NewSettingsStore(database),
		Router:   e.Router,
		Bus:      e.Bus,
		Revision: e.Revision,
		Logger:   opts.Logger,
	})

	e.Transactions = transaction.NewEngine(transaction.Config{
		Store: db.NewTransactionStore(database),
		Adapters: []transaction.Adapter{
			txeip155.NewAdapter(txeip155.FromTransport(e.Transport), e.Keyring, opts.Logger),
		},
		Approvals: e.Approvals,
		Tracker: transaction.TrackerConfig{
			InitialDelay: cfg.ReceiptInitialDelay(),
			MaxDelay:     cfg.ReceiptMaxDelay(),
			MaxAttempts:  cfg.ReceiptTracker.MaxAttempts,
		},
		Bus:      e.Bus,
		Revision: e.Revision,
		Metrics:  e.Metrics,
		Clock:    clk,
		Logger:   opts.Logger,
	})
	e.pruner = db.NewHistoryPruner(database, cfg.HistoryRetention(), cfg.HistoryPruneInterval(), clk, opts.Logger)

	registry, err := methods.NewDefaultRegistry(methods.Deps{
		Keyring:      e.Keyring,
		Unlock:       e.Unlock,
		Permissions:  e.Permissions,
		Approvals:    e.Approvals,
		Attention:    e.Attention,
		Chains:       e.Chains,
		Transactions: e.Transactions,
		Forwarder:    e.Transport,
		Revision:     e.Revision,
		Strategy:     opts.Strategy,
		Clock:        clk,
		Logger:       opts.Logger,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to register methods")
	}
	e.Methods = registry
	e.Pipeline = pipeline.New(pipeline.Config{
		Registry:    registry,
		Chains:      e.Chains,
		Ready:       e.Ready,
		Session:     e.Unlock,
		Permissions: e.Permissions,
		Attention:   e.Attention,
		Activity:    e.Unlock.Touch,
		Metrics:     e.Metrics,
		Logger:      opts.Logger,
		Verbose:     zerolog.Level(cfg.LogLevel) <= zerolog.DebugLevel,
	})
	return e, nil
}

// Start loads persisted state, recovers work left by the previous process
// and opens the pipeline. Requests arriving earlier fail with NotInitialized.
func (e *Engine) Start(ctx context.Context) error {
	e.log.Info().Msg("starting wallet engine")

	e.mu.Lock()
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.group, runCtx = errgroup.WithContext(runCtx)
	e.mu.Unlock()

	load, loadCtx := errgroup.WithContext(runCtx)
	load.Go(func() error {
		return errors.Wrap(e.Keyring.Load(loadCtx), "keyring")
	})
	load.Go(func() error {
		return errors.Wrap(e.Permissions.Load(loadCtx), "permissions")
	})
	load.Go(func() error {
		return errors.Wrap(e.Chains.Load(loadCtx, chainregistry.FromConfig(e.cfg), e.cfg.DefaultChains), "chains")
	})
	if err := load.Wait(); err != nil {
		cancel()
		return errors.Wrap(err, "failed to load engine state")
	}

	e.Revision.Start(runCtx)
	e.Transactions.Start(runCtx)

	expired, err := e.Approvals.ExpireAllPending(runCtx, nil)
	if err != nil {
		cancel()
		return errors.Wrap(err, "failed to expire stale approvals")
	}
	resumed, err := e.Transactions.ResumePending(runCtx, false)
	if err != nil {
		cancel()
		return errors.Wrap(err, "failed to resume transactions")
	}

	e.mu.Lock()
	e.unsubs = append(e.unsubs, e.Unlock.OnUnlocked(func(unlock.Unlocked) {
		e.group.Go(func() error {
			if _, err := e.Transactions.ResumePending(runCtx, true); err != nil {
				e.log.Error().Err(err).Msg("failed to resume transactions after unlock")
			}
			return nil
		})
	}))
	e.unsubs = append(e.unsubs, eventbus.Subscribe(e.Bus, keyring.TopicAccountsChanged, func(ev keyring.AccountsChanged) {
		for _, address := range ev.Removed {
			if err := e.Permissions.RemoveAccount(runCtx, address); err != nil {
				e.log.Error().Err(err).Str("address", address).Msg("failed to unbind removed account")
			}
		}
	}))
	e.mu.Unlock()

	e.prober.Start(runCtx)
	e.pruner.Start(runCtx)

	e.ready.Store(true)
	e.log.Info().
		Int("expired_approvals", expired).
		Int("resumed_transactions", resumed).
		Int("chains", len(e.Chains.ListChains())).
		Msg("initialization complete")
	return nil
}

// Ready reports whether startup recovery has finished.
func (e *Engine) Ready() bool {
	return e.ready.Load()
}

// Handle runs one request through the access pipeline.
func (e *Engine) Handle(ctx context.Context, req pipeline.Request) pipeline.Response {
	return e.Pipeline.Handle(ctx, req)
}

// Gatherer returns the private metrics registry, or nil when the caller
// supplied its own registerer.
func (e *Engine) Gatherer() prometheus.Gatherer {
	if e.registry == nil {
		return nil
	}
	return e.registry
}

// Stop locks the session, cancels background work and closes the database.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	unsubs := e.unsubs
	e.unsubs = nil
	cancel, group := e.cancel, e.group
	e.mu.Unlock()

	e.log.Info().Msg("shutting down wallet engine")
	e.ready.Store(false)
	for _, unsub := range unsubs {
		unsub()
	}

	if _, err := e.Approvals.ExpireAllPending(context.Background(), apperrors.New(apperrors.ReasonSessionLocked, "engine shutting down")); err != nil {
		e.log.Warn().Err(err).Msg("failed to expire approvals on shutdown")
	}
	if e.Unlock.IsUnlocked() {
		e.Unlock.Lock(unlock.ReasonShutdown)
	}
	e.prober.Stop()
	e.pruner.Stop()
	e.Transactions.Stop()
	if cancel != nil {
		cancel()
	}
	if group != nil {
		_ = group.Wait()
	}
	e.Transport.Close()
	return e.db.Close()
}
