package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/suPer8Hu/order-bots/internal/callback"
	"github.com/suPer8Hu/order-bots/internal/config"
	"github.com/suPer8Hu/order-bots/internal/logging"
	"github.com/suPer8Hu/order-bots/internal/store/rabbitmq"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code so deferred cleanup happens before exit.
func run() int {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").WithError(err).Error("load config")
		return 1
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	if missing := cfg.PushSettingsMissing(); len(missing) > 0 {
		log.Errorf("worker needs %s", strings.Join(missing, ", "))
		return 1
	}

	deliverer := callback.NewDeliverer(cfg.AppBaseURL, callback.NewSigner(cfg.CurrentSigningKey), nil)

	//  strict concurrency control
	concurrency := cfg.WorkerConcurrency

	consumer, err := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitQueue, concurrency)
	if err != nil {
		log.WithError(err).Error("rabbitmq")
		return 1
	}
	defer consumer.Close()

	msgs, err := consumer.Deliveries()
	if err != nil {
		log.WithError(err).Error("consume")
		return 1
	}
	closed := consumer.Closed()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(logrus.Fields{"queue": cfg.RabbitQueue, "concurrency": concurrency}).Info("worker started")

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				handle(ctx, log.WithField("worker", workerID), deliverer, d)
			}
		}(i)
	}

	shutdown := func() {
		close(jobs)
		wg.Wait()
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			log.Info("worker shutting down")
			shutdown()
			return 0

		case err := <-closed:
			// in-flight deliveries can no longer be acked; the broker redelivers them
			log.WithError(err).Error("rabbitmq connection closed")
			shutdown()
			return 1

		case d, ok := <-msgs:
			if !ok {
				log.Error("delivery channel closed")
				shutdown()
				return 1
			}
			jobs <- d
		}
	}
}

// handle acks a delivered callback and dead-letters one that failed. The API
// treats late or duplicate callbacks as no-ops, and the sweep covers anything
// that ends up in the DLQ.
func handle(ctx context.Context, log logrus.FieldLogger, deliverer *callback.Deliverer, d amqp.Delivery) {
	log = log.WithField("message_id", d.MessageId)

	start := time.Now()
	if err := deliverer.Deliver(ctx, d.Body); err != nil {
		log.WithError(err).WithField("cost", time.Since(start)).Warn("callback failed")
		_ = d.Nack(false, false)
		return
	}

	if err := d.Ack(false); err != nil {
		log.WithError(err).Warn("ack failed")
		return
	}
	log.WithField("cost", time.Since(start)).Debug("callback delivered")
}
