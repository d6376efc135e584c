package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Rafael-2109/frete-sistema-sub020/config"
	"github.com/Rafael-2109/frete-sistema-sub020/internal/services/retention"
	"github.com/Rafael-2109/frete-sistema-sub020/internal/storage/pgship"
)

func main() {
	cfg, err := config.LoadConfig(os.Getenv("configPath"))
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Ops HTTP живёт рядом со свипером: /stats, /trigger, /audit.
	sweeperCh := make(chan *retention.Sweeper, 1)
	go func() {
		s := <-sweeperCh

		var audit auditLister
		if st, err := pgship.New(cfg.PostgresConnString()); err == nil {
			audit = st
			defer st.Close()
		} else {
			slog.Warn("audit storage unavailable", "error", err.Error())
		}

		err := runWorkerHTTPServer(ctx, workerHTTPOpts{
			httpAddr:    cfg.Tracker.WorkerHTTPAddr,
			swaggerPath: os.Getenv("swaggerPath"),
			sweeper:     s,
			audit:       audit,
			cfg:         cfg,
			onListen: func(addr string) {
				slog.Info("worker ops HTTP listening", "addr", addr)
			},
		})
		if err != nil {
			slog.Error("worker ops HTTP", "error", err.Error())
		}
	}()

	err = RunRetentionWorker(ctx, cfg, defaultWorkerFactories(), func(s *retention.Sweeper) {
		sweeperCh <- s
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		panic(err)
	}
}
