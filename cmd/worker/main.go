// Package main is the entry point for the farmledger background worker.
// It feeds ready-stock events into the ledger, relays the outbox to Kafka
// and periodically refreshes derived stock health.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"

	"farmledger/internal/app"
	"farmledger/internal/config"
	"farmledger/internal/domain/feeder"
	"farmledger/internal/domain/ledger"
	"farmledger/internal/infrastructure/broker"
	"farmledger/internal/infrastructure/storage/postgres"
	"farmledger/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:       cfg.LogLevel,
		Development: cfg.Development(),
	})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(logger.WithLogger(context.Background(), log))
	defer cancel()

	log.Info("starting farmledger worker")

	rt, err := app.Open(ctx, cfg)
	if err != nil {
		log.Fatalw("failed to open ledger", "error", err)
	}
	defer rt.Close()

	w := &Worker{
		cfg:     cfg,
		service: rt.Service,
		log:     log.WithComponent("worker"),
	}

	brokerCfg := broker.Config{
		Brokers:         cfg.KafkaBrokers,
		ReadyStockTopic: cfg.ReadyStockTopic,
		EventsTopic:     cfg.EventsTopic,
		GroupID:         cfg.KafkaGroupID,
		DeadLetterTopic: cfg.DeadLetterTopic,
	}
	if len(cfg.KafkaBrokers) > 0 {
		reader := broker.NewReader(brokerCfg)
		defer reader.Close()
		var listenerOpts []broker.ListenerOption
		if cfg.DeadLetterTopic != "" {
			deadLetter := broker.NewDeadLetterWriter(brokerCfg)
			defer deadLetter.Close()
			listenerOpts = append(listenerOpts, broker.WithDeadLetter(deadLetter))
		}
		w.listener = broker.NewReadyStockListener(reader, feeder.New(rt.Service), listenerOpts...)

		if rt.TxManager != nil {
			writer := broker.NewWriter(brokerCfg)
			defer writer.Close()
			w.relay = postgres.NewOutboxRelay(rt.TxManager, cfg.OutboxBatchSize, newPublisher(writer, rt))
		}
	} else {
		log.Warn("KAFKA_BROKERS not set, feeder and outbox relay disabled")
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.Run(ctx)
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down worker...")
	cancel()

	wg.Wait()
	log.Info("worker stopped")
}

func newPublisher(writer *kafka.Writer, rt *app.Runtime) *broker.EventPublisher {
	if rt.Snapshots == nil {
		return broker.NewEventPublisher(writer, nil)
	}
	return broker.NewEventPublisher(writer, rt.Snapshots)
}

// Worker runs the background loops. Nil parts are skipped.
type Worker struct {
	cfg      *config.Config
	service  *ledger.Service
	listener *broker.ReadyStockListener
	relay    *postgres.OutboxRelay
	log      *logger.Logger
}

// Run blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup

	if w.listener != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.listener.Start(ctx)
		}()
	}

	outboxTicker := time.NewTicker(w.cfg.OutboxInterval)
	defer outboxTicker.Stop()

	refreshTicker := time.NewTicker(w.cfg.RefreshInterval)
	defer refreshTicker.Stop()

	cleanupTicker := time.NewTicker(time.Hour)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-outboxTicker.C:
			w.processOutbox(ctx)
		case <-refreshTicker.C:
			w.refreshDerived(ctx)
		case <-cleanupTicker.C:
			w.cleanupOutbox(ctx)
		}
	}
}

func (w *Worker) processOutbox(ctx context.Context) {
	if w.relay == nil {
		return
	}
	n, err := w.relay.ProcessBatch(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.log.Errorw("outbox batch failed", "error", err)
		}
		return
	}
	if n > 0 {
		w.log.Debugw("processed outbox batch", "count", n)
	}
}

func (w *Worker) refreshDerived(ctx context.Context) {
	n, err := w.service.RefreshDerived(ctx, nil)
	if err != nil {
		if ctx.Err() == nil {
			w.log.Errorw("derived refresh failed", "error", err)
		}
		return
	}
	if n > 0 {
		w.log.Infow("refreshed stock health", "accounts", n)
	}
}

func (w *Worker) cleanupOutbox(ctx context.Context) {
	if w.relay == nil {
		return
	}
	n, err := w.relay.PurgePublished(ctx, w.cfg.OutboxRetention)
	if err != nil {
		w.log.Warnw("outbox purge failed", "error", err)
		return
	}
	if n > 0 {
		w.log.Infow("purged published outbox messages", "count", n)
	}
}
