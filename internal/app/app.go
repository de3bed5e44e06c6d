// Package app wires config into a ready fulfillment.Service. cmd/server and
// cmd/posctl share it so both see the same scheduler selection.
package app

import (
	"context"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/suPer8Hu/order-bots/internal/callback"
	"github.com/suPer8Hu/order-bots/internal/common"
	"github.com/suPer8Hu/order-bots/internal/completion"
	"github.com/suPer8Hu/order-bots/internal/config"
	"github.com/suPer8Hu/order-bots/internal/db"
	"github.com/suPer8Hu/order-bots/internal/fulfillment"
	"github.com/suPer8Hu/order-bots/internal/metrics"
	"github.com/suPer8Hu/order-bots/internal/store/rabbitmq"
	"github.com/suPer8Hu/order-bots/internal/store/redisstore"
)

type App struct {
	DB       *gorm.DB
	Service  *fulfillment.Service
	Metrics  *metrics.Collector
	Verifier *callback.Verifier

	closers []func() error
}

// New connects the database, migrates it and picks a completion scheduler.
// Broken push settings never fail startup: the service falls back to the
// sweep and manual assignment reports the configuration error.
func New(cfg config.Config, log *logrus.Logger) (*App, error) {
	gdb, err := db.ConnectWith(cfg.DBDSN, logger.New(log, logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	}))
	if err != nil {
		return nil, err
	}
	if err := fulfillment.AutoMigrate(gdb); err != nil {
		return nil, err
	}

	a := &App{DB: gdb}
	if sqlDB, err := gdb.DB(); err == nil {
		a.closers = append(a.closers, sqlDB.Close)
	}

	if cfg.MetricsEnabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		a.Metrics = metrics.NewCollector(reg)
	}

	clock := common.SystemClock{}
	sched := a.scheduler(cfg, clock, log)
	a.Verifier = callback.NewVerifier(cfg.CurrentSigningKey, cfg.NextSigningKey)

	repo := fulfillment.NewRepo(gdb)
	locker := fulfillment.NewLocker(gdb, cfg.ResumeLockTTL, clock, log)
	a.Service = fulfillment.NewService(repo, locker, sched,
		fulfillment.Config{NormalDelay: cfg.NormalDelay, VIPDelay: cfg.VIPDelay},
		fulfillment.WithClock(clock),
		fulfillment.WithLogger(log),
		fulfillment.WithMetrics(a.Metrics),
	)
	return a, nil
}

func (a *App) scheduler(cfg config.Config, clock common.Clock, log *logrus.Logger) fulfillment.Scheduler {
	if !cfg.PushEnabled() {
		log.WithField("mode", cfg.SchedulerMode).Info("completion: pull only, the recovery sweep finalizes orders")
		return fulfillment.PullScheduler{}
	}
	if missing := cfg.PushSettingsMissing(); len(missing) > 0 {
		reason := "push scheduling not configured, missing " + strings.Join(missing, ", ")
		log.Warn(reason)
		return fulfillment.Unavailable(reason)
	}

	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.WithError(err).Warn("completion: rabbitmq unavailable")
		return fulfillment.Unavailable("rabbitmq unavailable: " + err.Error())
	}
	a.closers = append(a.closers, pub.Close)

	var dedup completion.Deduper
	if cfg.RedisAddr != "" {
		rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := rds.Ping(ctx)
		cancel()
		if err != nil {
			log.WithError(err).Warn("completion: redis unavailable, callbacks will not be deduplicated")
			_ = rds.Close()
		} else {
			dedup = rds
			a.closers = append(a.closers, rds.Close)
		}
	}

	log.WithField("queue", cfg.RabbitQueue).Info("completion: push via rabbitmq")
	return completion.NewPushScheduler(pub, dedup, clock, log)
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}
