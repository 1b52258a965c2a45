// Package leaderelection provides Postgres advisory lock-based leader election.
//
// A single Postgres session-scoped advisory lock determines the leader. The
// lock lives as long as the dedicated connection holding it; there is no TTL.
// The heartbeat ping only detects local connection death so the leader can
// stop its duties promptly.
package leaderelection

import (
	"context"
	"database/sql"
	"time"

	"github.com/sirupsen/logrus"
)

// MetricsSink records leader election metrics. All methods must be
// non-blocking.
type MetricsSink interface {
	LeaderStatusChanged(isLeader bool)
}

// Elector manages leader election using a Postgres advisory lock.
type Elector struct {
	db                *sql.DB
	lockKey           int64
	retryInterval     time.Duration // follower: how often to attempt lock acquisition
	heartbeatInterval time.Duration // leader: how often to ping dedicated connection
	onElected         func(ctx context.Context)
	onDemoted         func()
	metrics           MetricsSink // optional, nil = disabled
	logger            logrus.FieldLogger
}

// New creates a new Elector.
//
// onElected runs in a new goroutine when this instance acquires the lock;
// its context is cancelled when leadership is lost. onDemoted is called
// synchronously after that and must block until leader duties have stopped.
func New(
	db *sql.DB,
	lockKey int64,
	retryInterval, heartbeatInterval time.Duration,
	onElected func(ctx context.Context),
	onDemoted func(),
	logger logrus.FieldLogger,
) *Elector {
	return &Elector{
		db:                db,
		lockKey:           lockKey,
		retryInterval:     retryInterval,
		heartbeatInterval: heartbeatInterval,
		onElected:         onElected,
		onDemoted:         onDemoted,
		logger:            logger.WithFields(logrus.Fields{"component": "leader", "lock_key": lockKey}),
	}
}

func (e *Elector) WithMetrics(sink MetricsSink) *Elector {
	e.metrics = sink
	return e
}

// Run starts the election loop. It blocks until ctx is cancelled.
func (e *Elector) Run(ctx context.Context) {
	e.logger.WithFields(logrus.Fields{
		"retry":     e.retryInterval,
		"heartbeat": e.heartbeatInterval,
	}).Info("election loop started")
	defer e.logger.Info("election loop stopped")

	for {
		if ctx.Err() != nil {
			return
		}

		if reason := e.runOnce(ctx); reason != "" && ctx.Err() == nil {
			e.logger.WithField("reason", reason).Warn("lost leadership")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(e.retryInterval):
		}
	}
}

// runOnce attempts to acquire the lock and hold it. It returns the reason
// leadership was lost, or "" if the lock was not acquired.
func (e *Elector) runOnce(ctx context.Context) string {
	conn, err := e.db.Conn(ctx)
	if err != nil {
		e.logger.WithError(err).Warn("dedicated connection unavailable")
		return ""
	}
	defer conn.Close()

	var acquired bool
	err = conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", e.lockKey).Scan(&acquired)
	if err != nil {
		e.logger.WithError(err).Warn("advisory lock query failed")
		return ""
	}
	if !acquired {
		e.logger.Debug("lock held by another instance")
		return ""
	}

	e.logger.Info("acquired leadership")
	e.setStatus(true)

	leaderCtx, cancelLeader := context.WithCancel(ctx)
	go e.onElected(leaderCtx)

	reason := e.holdLock(ctx, conn)

	cancelLeader()
	e.onDemoted()
	e.setStatus(false)

	// The pooled connection outlives Close, so release the lock explicitly.
	if reason == "shutdown" {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.ExecContext(unlockCtx, "SELECT pg_advisory_unlock($1)", e.lockKey); err != nil {
			e.logger.WithError(err).Warn("advisory unlock failed")
		}
	}

	e.logger.Info("released leadership")
	return reason
}

// holdLock pings the dedicated connection until ctx ends or the ping fails.
func (e *Elector) holdLock(ctx context.Context, conn *sql.Conn) string {
	ticker := time.NewTicker(e.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "shutdown"
		case <-ticker.C:
			if err := conn.PingContext(ctx); err != nil {
				if ctx.Err() != nil {
					return "shutdown"
				}
				e.logger.WithError(err).Error("dedicated connection ping failed")
				return "conn_lost"
			}
		}
	}
}

func (e *Elector) setStatus(leader bool) {
	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(leader)
	}
}
