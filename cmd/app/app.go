package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"p2p_audit_consensus/pkg/config"
	"p2p_audit_consensus/pkg/consensus"
	"p2p_audit_consensus/pkg/data"
	"p2p_audit_consensus/pkg/identity"
	"p2p_audit_consensus/pkg/network"
	"p2p_audit_consensus/pkg/scheduler"
	"p2p_audit_consensus/pkg/security"
	"p2p_audit_consensus/pkg/store"
	"p2p_audit_consensus/pkg/trust"
	"p2p_audit_consensus/pkg/utils"
)

// App wires the daemon's services together: identity, consensus engine,
// trust ledger, transport, persistence, and the maintenance scheduler
type App struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
	config *config.Config

	id       *identity.NodeIdentity
	engine   *consensus.Engine
	ledger   *trust.Ledger
	peers    *network.PeerManager
	client   *network.Client
	server   *network.Server
	sched    *scheduler.Scheduler
	store    *store.Store
	registry *prometheus.Registry
	idem     *security.IdempotencyStore
	limiter  *security.RateLimiter

	mu      sync.RWMutex
	running bool
}

// NewApp creates the application from configuration
func NewApp(cfg *config.Config) (*App, error) {
	logger, err := utils.NewLogger(&utils.LogConfig{
		Level:      cfg.LogLevel,
		OutputPath: cfg.Logging.FilePath,
		MaxSize:    cfg.Logging.MaxSizeMB,
		MaxAge:     cfg.Logging.MaxAgeDays,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   true,
		Debug:      cfg.Environment == "development",
	})
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &App{
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
		config: cfg,
	}, nil
}

// Start initializes and starts every service. Order matters: identity and
// persisted state first, then transport, then the scheduler.
func (a *App) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return nil
	}

	if err := a.initIdentity(); err != nil {
		return fmt.Errorf("initializing identity: %w", err)
	}
	if err := a.initState(); err != nil {
		return fmt.Errorf("initializing state: %w", err)
	}
	if err := a.initNetwork(); err != nil {
		return fmt.Errorf("initializing network: %w", err)
	}
	if err := a.initScheduler(); err != nil {
		return fmt.Errorf("initializing scheduler: %w", err)
	}

	if err := a.server.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	a.sched.Start()

	a.running = true
	a.logger.Info("Daemon started",
		zap.String("nodeID", a.config.Node.ID),
		zap.String("fingerprint", a.id.Fingerprint()),
		zap.String("listenAddr", a.server.Addr()),
		zap.Int("peers", a.peers.Count()))
	return nil
}

// Stop shuts services down in reverse order and persists final state
func (a *App) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running {
		return
	}

	a.sched.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.server.Stop(ctx); err != nil {
		a.logger.Error("Error stopping server", zap.Error(err))
	}

	if err := a.saveState(); err != nil {
		a.logger.Error("Error persisting final state", zap.Error(err))
	}

	a.running = false
	a.cancel()
	a.logger.Info("Daemon stopped")
	a.logger.Sync()
}

// Reload applies SIGHUP: peer list, pinned fingerprints, and the server
// certificate are re-read and swapped in if valid
func (a *App) Reload() {
	outcome, err := a.peers.Reload()
	if err != nil {
		a.logger.Error("Peer reload failed", zap.Error(err))
	} else if outcome == network.ReloadSuccess {
		a.client.InvalidateAll()
	}

	if _, err := a.server.ReloadCertificate(); err != nil {
		a.logger.Error("Certificate reload failed", zap.Error(err))
	}
}

// SubmitSelfAudit signs a local observation, folds it into this node's
// consensus state, and broadcasts it to all peers
func (a *App) SubmitSelfAudit(tis float64, components data.TISComponents, biases []string, roundID string) error {
	obs, err := data.NewAuditObservation(a.config.Node.ID, roundID,
		a.config.Consensus.WindowHours, tis, components, biases)
	if err != nil {
		return fmt.Errorf("building observation: %w", err)
	}
	if err := a.id.Sign(obs); err != nil {
		return fmt.Errorf("signing observation: %w", err)
	}
	if err := a.engine.SubmitObservation(obs); err != nil {
		return fmt.Errorf("recording own observation: %w", err)
	}
	return a.client.Broadcast(a.ctx, obs)
}

func (a *App) initIdentity() error {
	var err error
	if a.config.Node.Passphrase != "" {
		a.id, err = identity.LoadEncrypted(a.config.Node.IdentityFile, a.config.Node.Passphrase)
		if err != nil {
			a.id, err = identity.GenerateEncrypted(a.config.Node.IdentityFile, a.config.Node.Passphrase)
		}
	} else {
		a.id, err = identity.LoadOrGenerate(a.config.Node.IdentityFile)
	}
	if err != nil {
		return err
	}
	a.logger.Info("Identity ready",
		zap.String("algorithm", a.id.Algorithm),
		zap.String("fingerprint", a.id.Fingerprint()))
	return nil
}

func (a *App) initState() error {
	a.registry = prometheus.NewRegistry()
	a.ledger = trust.NewLedger(a.logger)
	a.engine = consensus.NewEngine(consensus.Config{
		NodeID:         a.config.Node.ID,
		ValidatorCount: a.config.Consensus.ValidatorCount,
		TrustWeighted:  a.config.Consensus.TrustWeighted,
	}, a.ledger, consensus.NewMetrics(a.registry), a.logger)

	a.store = store.NewStore(a.config.Storage.StatePath, a.logger)
	state, err := a.store.Load()
	if err != nil {
		return err
	}
	if len(state.Rounds) > 0 || len(state.ByzantineNodes) > 0 {
		a.engine.Restore(state.Rounds, state.ByzantineNodes, state.ValidatorCount)
	}
	if len(state.TrustRecords) > 0 {
		a.ledger.Import(state.TrustRecords)
	}

	a.engine.SetOnComplete(func(round *data.ConsensusRound) {
		if err := a.saveState(); err != nil {
			a.logger.Error("Failed to persist state after round completion",
				zap.String("roundID", round.RoundID), zap.Error(err))
		}
	})
	return nil
}

func (a *App) initNetwork() error {
	netMetrics := network.NewMetrics(a.registry)

	var err error
	a.peers, err = network.NewPeerManager(a.config.Network.PeerFile, a.logger, netMetrics)
	if err != nil {
		return err
	}
	a.client = network.NewClient(a.peers, a.logger, netMetrics)

	a.limiter = security.NewRateLimiter(a.config.RateLimit, func(scope, reason string) {
		netMetrics.RateLimitViolations.WithLabelValues(scope, reason).Inc()
	}, a.logger)
	a.idem = security.NewIdempotencyStore(
		security.DefaultIdempotencyCapacity, security.DefaultIdempotencyTTL, a.logger)

	a.server = network.NewServer(network.ServerConfig{
		NodeID:     a.config.Node.ID,
		ListenAddr: a.config.Network.ListenAddr,
		ServerCert: a.config.Network.ServerCert,
		ServerKey:  a.config.Network.ServerKey,
		CACert:     a.config.Network.CACert,
		Insecure:   a.config.Network.Insecure,
		AuthSecret: a.config.Network.AuthSecret,
	}, a.engine, a.peers, a.idem, a.limiter, netMetrics, a.registry, a.logger)
	return nil
}

func (a *App) initScheduler() error {
	a.sched = scheduler.NewScheduler(a.config.Scheduler.ToScheduler(), a.logger)

	tasks := []*scheduler.Task{
		{
			ID:       scheduler.TaskTrustDecay,
			Schedule: a.config.Scheduler.TrustDecayCron,
			ExecutionFn: func(context.Context) error {
				a.ledger.Decay()
				return nil
			},
		},
		{
			ID:       scheduler.TaskReconcileSweep,
			Schedule: a.config.Scheduler.ReconcileCron,
			ExecutionFn: func(context.Context) error {
				failed := a.engine.Reconcile(a.config.Consensus.ReconcileWindow)
				if failed > 0 {
					return a.saveState()
				}
				return nil
			},
		},
		{
			ID:       scheduler.TaskCacheMaintenance,
			Schedule: a.config.Scheduler.CacheMaintainCron,
			ExecutionFn: func(context.Context) error {
				a.logger.Info("Cache stats",
					zap.Int("idempotencyKeys", a.idem.Len()),
					zap.Int("rateLimitScopes", a.limiter.TrackedScopes()))
				return nil
			},
		},
		{
			ID:         scheduler.TaskStateSnapshot,
			Schedule:   a.config.Scheduler.SnapshotCron,
			MaxRetries: 2,
			ExecutionFn: func(context.Context) error {
				return a.saveState()
			},
		},
	}
	for _, task := range tasks {
		if err := a.sched.ScheduleTask(task); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) saveState() error {
	rounds, byzantine, validators := a.engine.Snapshot()
	return a.store.Save(&store.State{
		NodeID:         a.config.Node.ID,
		TLSEnabled:     !a.config.Network.Insecure,
		ValidatorCount: validators,
		Rounds:         rounds,
		ByzantineNodes: byzantine,
		TrustRecords:   a.ledger.Export(),
	})
}
