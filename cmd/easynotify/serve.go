package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/djlord-it/easy-notify/internal/analytics"
	"github.com/djlord-it/easy-notify/internal/api"
	"github.com/djlord-it/easy-notify/internal/auth"
	"github.com/djlord-it/easy-notify/internal/config"
	"github.com/djlord-it/easy-notify/internal/dispatcher"
	"github.com/djlord-it/easy-notify/internal/leaderelection"
	"github.com/djlord-it/easy-notify/internal/logging"
	"github.com/djlord-it/easy-notify/internal/metrics"
	"github.com/djlord-it/easy-notify/internal/notify"
	"github.com/djlord-it/easy-notify/internal/queue"
	"github.com/djlord-it/easy-notify/internal/queue/memq"
	"github.com/djlord-it/easy-notify/internal/queue/redisq"
	"github.com/djlord-it/easy-notify/internal/reconciler"
	"github.com/djlord-it/easy-notify/internal/sealer"
	"github.com/djlord-it/easy-notify/internal/store/postgres"
)

// mode selects which parts of the service a process runs.
type mode int

const (
	modeServe mode = iota
	modeAPI
	modeWorker
)

func (m mode) api() bool    { return m != modeWorker }
func (m mode) worker() bool { return m != modeAPI }

func (m mode) String() string {
	switch m {
	case modeAPI:
		return "api"
	case modeWorker:
		return "worker"
	}
	return "serve"
}

// checkMode rejects queue backends that cannot work in split deployments.
func checkMode(cfg config.Config, m mode) error {
	switch {
	case m == modeWorker && cfg.QueueBackend == "none":
		return errors.New("QUEUE_BACKEND=none leaves the worker nothing to consume")
	case m != modeServe && cfg.QueueBackend == "memory":
		return errors.Errorf("QUEUE_BACKEND=memory requires the serve command, got %s", m)
	}
	return nil
}

func run(ctx context.Context, cfg config.Config, m mode) error {
	if err := checkMode(cfg, m); err != nil {
		return invalidConfig(err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return invalidConfig(err)
	}
	log := logger.WithFields(logrus.Fields{"component": "main", "mode": m.String()})
	logConfigWarnings(cfg, m, log)

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	log.WithFields(logrus.Fields{
		"max_open":      cfg.DBMaxOpenConns,
		"max_idle":      cfg.DBMaxIdleConns,
		"max_lifetime":  cfg.DBConnMaxLifetime.String(),
		"max_idle_time": cfg.DBConnMaxIdleTime.String(),
	}).Info("db pool configured")

	if err := pingWithTimeout(ctx, cfg.DBOpTimeout, db.PingContext); err != nil {
		return errors.Wrap(err, "failed to connect to database")
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()

		err := pingWithTimeout(ctx, cfg.DBOpTimeout, func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
		if err != nil {
			if cfg.QueueBackend == "redis" {
				return errors.Wrap(err, "failed to connect to redis")
			}
			log.WithError(err).Warn("redis unreachable at startup")
		}
	}

	sl, err := sealer.FromKey(cfg.EncryptionKey)
	if err != nil {
		return invalidConfig(err)
	}

	var sink metrics.Sink = metrics.NewNoopSink()
	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		sink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer, logger)

		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.MetricsPath, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:              ":" + cfg.MetricsPort,
			Handler:           metricsMux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.WithFields(logrus.Fields{"port": cfg.MetricsPort, "path": cfg.MetricsPath}).Info("metrics server listening")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("metrics server error")
			}
		}()
	}

	store := postgres.New(db).WithSealer(sl)

	router, attachments, err := buildRouter(ctx, cfg, logger)
	if err != nil {
		return err
	}

	immediate := dispatcher.NewImmediateDispatcher(store, router, logger).WithMetrics(sink)

	var backend queue.Backend
	switch cfg.QueueBackend {
	case "redis":
		backend = redisq.New(rdb, cfg.QueuePrefix)
	case "memory":
		backend = memq.New()
	}

	var (
		disp   dispatcher.NotificationDispatcher = immediate
		queued *dispatcher.QueuedDispatcher
	)
	if backend != nil {
		queued = dispatcher.NewQueuedDispatcher(queue.New(backend), immediate, logger).
			WithPolicy(queue.RetryPolicy{
				MaxAttempts:    cfg.QueueMaxAttempts,
				InitialBackoff: cfg.QueueInitialBackoff,
				MaxBackoff:     cfg.QueueMaxBackoff,
			}).
			WithSealer(sl).
			WithMetrics(sink)
		disp = queued
	}

	// API
	var (
		httpServer *http.Server
		intake     *gate
	)
	if m.api() {
		var revoked auth.RevocationList = auth.NewMemoryRevocationList()
		if rdb != nil {
			revoked = auth.NewRedisRevocationList(rdb, "")
		} else {
			log.Warn("REDIS_ADDR not set; token revocations are kept in memory and not shared")
		}
		authn := auth.NewAuthenticator(auth.NewVerifier(cfg.AuthJWTSecret, cfg.AuthIssuer, cfg.AuthAudience), revoked, logger)

		svc := notify.NewService(store, disp, logger)
		if attachments != nil {
			svc = svc.WithAttachments(attachments, cfg.AttachmentMaxBytes)
		}

		handler := api.NewHandler(svc, authn, logger).
			WithMaxBodyBytes(cfg.MaxRequestBodyBytes).
			WithCORS(cfg.CORSAllowedOrigins).
			WithHealthCheck("database", store)
		if rdb != nil {
			handler = handler.WithHealthCheck("redis", api.PingFunc(func(ctx context.Context) error {
				return rdb.Ping(ctx).Err()
			}))
		}

		intake = newGate(handler.Routes())
		httpServer = &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           intake,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.WithField("addr", cfg.HTTPAddr).Info("http server listening")
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("http server error")
			}
		}()
	}

	// Use separate contexts for worker and reconciler to enable ordered shutdown.
	var (
		workerWg         sync.WaitGroup
		reconcilerWg     sync.WaitGroup
		cancelWorker     context.CancelFunc
		cancelReconciler context.CancelFunc
	)

	if m.worker() && backend != nil {
		consumer := dispatcher.NewConsumer(store, router, logger).
			WithMetrics(sink)
		if rdb != nil && cfg.AnalyticsRetention > 0 {
			consumer = consumer.WithAnalytics(analytics.NewRedisSink(rdb, cfg.AnalyticsRetention, logger))
			log.WithField("retention", cfg.AnalyticsRetention.String()).Info("analytics enabled")
		}

		worker := queue.NewWorker(backend, consumer, queue.WorkerConfig{
			PollInterval: cfg.QueuePollInterval,
			Concurrency:  cfg.DispatcherWorkers,
			LeaseTimeout: cfg.QueueLeaseTimeout,
			DrainTimeout: cfg.DispatcherDrainTimeout,
		}, logger).WithMetrics(sink)

		var workerCtx context.Context
		workerCtx, cancelWorker = context.WithCancel(context.Background())
		workerWg.Add(1)
		go func() {
			defer workerWg.Done()
			worker.Run(workerCtx)
		}()
		log.WithField("workers", cfg.DispatcherWorkers).Info("dispatch worker started")
	}

	if m.worker() && queued != nil && cfg.ReconcileEnabled {
		recon, err := reconciler.New(reconciler.Config{
			Schedule:  cfg.ReconcileSchedule,
			Threshold: cfg.ReconcileThreshold,
			BatchSize: cfg.ReconcileBatchSize,
		}, store, queued, logger)
		if err != nil {
			return invalidConfig(err)
		}
		recon = recon.WithMetrics(sink)

		var reconcilerCtx context.Context
		reconcilerCtx, cancelReconciler = context.WithCancel(context.Background())
		reconcilerWg.Add(1)
		if cfg.LeaderElectionEnabled {
			go func() {
				defer reconcilerWg.Done()
				leaderOnly(db, cfg, recon, logger, sink).Run(reconcilerCtx)
			}()
		} else {
			go func() {
				defer reconcilerWg.Done()
				recon.Run(reconcilerCtx)
			}()
		}
		log.WithFields(logrus.Fields{
			"schedule":        cfg.ReconcileSchedule,
			"threshold":       cfg.ReconcileThreshold.String(),
			"batch":           cfg.ReconcileBatchSize,
			"leader_election": cfg.LeaderElectionEnabled,
		}).Info("reconciler enabled")
	}

	log.WithFields(logrus.Fields{"queue": cfg.QueueBackend, "version": version}).Info("started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	log.WithField("signal", received.String()).Info("shutting down")

	// Phase 1: Stop API intake (no new notifications accepted)
	if intake != nil {
		intake.close()
		log.Info("api intake stopped")
	}

	// Phase 2: Stop reconciler (no new resubmissions)
	if cancelReconciler != nil {
		cancelReconciler()
		reconcilerWg.Wait()
		log.Info("reconciler stopped")
	}

	// Phase 3: Stop worker (drains in-flight deliveries before returning)
	if cancelWorker != nil {
		log.Info("draining dispatch worker")
		cancelWorker()
		workerWg.Wait()
		log.Info("dispatch worker stopped")
	}

	// Phase 4: Stop HTTP server with graceful shutdown
	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("http server shutdown error")
		}
		log.Info("http server stopped")
	}

	// Phase 5: Stop metrics server if running (with same timeout)
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("metrics server shutdown error")
		}
		log.Info("metrics server stopped")
	}

	log.Info("stopped")
	return nil
}

// leaderOnly runs recon only while this instance holds the advisory lock.
func leaderOnly(db *sql.DB, cfg config.Config, recon *reconciler.Reconciler, logger logrus.FieldLogger, sink metrics.Sink) *leaderelection.Elector {
	// One value per term: onElected always runs before its onDemoted.
	stopped := make(chan struct{}, 1)
	return leaderelection.New(
		db,
		cfg.LeaderLockKey,
		cfg.LeaderRetryInterval,
		cfg.LeaderHeartbeatInterval,
		func(ctx context.Context) {
			defer func() { stopped <- struct{}{} }()
			recon.Run(ctx)
		},
		func() { <-stopped },
		logger,
	).WithMetrics(sink)
}

func pingWithTimeout(ctx context.Context, timeout time.Duration, ping func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return ping(ctx)
}

// gate rejects new requests once closed. Health checks stay open so load
// balancers can observe the drain.
type gate struct {
	next   http.Handler
	closed atomic.Bool
}

func newGate(next http.Handler) *gate {
	return &gate{next: next}
}

func (g *gate) close() { g.closed.Store(true) }

func (g *gate) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.closed.Load() && r.URL.Path != "/health" {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Connection", "close")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"shutting down"}` + "\n"))
		return
	}
	g.next.ServeHTTP(w, r)
}
