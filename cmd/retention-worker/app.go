package main

import (
	"context"
	"time"

	"github.com/Rafael-2109/frete-sistema-sub020/config"
	"github.com/Rafael-2109/frete-sistema-sub020/internal/broker/kafka"
	"github.com/Rafael-2109/frete-sistema-sub020/internal/services/retention"
	"github.com/Rafael-2109/frete-sistema-sub020/internal/storage/pgship"
)

type workerFactories struct {
	newStorage  func(cfg *config.Config) (repo retention.Repository, closeFn func(), err error)
	newProducer func(cfg *config.Config) retention.Producer
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStorage: func(cfg *config.Config) (retention.Repository, func(), error) {
			st, err := pgship.New(cfg.PostgresConnString())
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newProducer: func(cfg *config.Config) retention.Producer {
			return kafka.NewProducer(cfg.KafkaBrokers())
		},
	}
}

func RunRetentionWorker(ctx context.Context, cfg *config.Config, f workerFactories, onSweeper func(*retention.Sweeper)) error {
	repo, closeFn, err := f.newStorage(cfg)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}

	producer := f.newProducer(cfg)

	s := retention.New(repo, producer, cfg.Kafka.ShipmentUpdatedTopicName).
		WithSettings(
			time.Duration(cfg.Tracker.WorkerSweepIntervalSeconds)*time.Second,
			cfg.Tracker.WorkerBatchSize)
	if onSweeper != nil {
		onSweeper(s)
	}

	return s.Run(ctx)
}
