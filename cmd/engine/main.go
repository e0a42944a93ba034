package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sayandeepx/leverex/params"
	"github.com/sayandeepx/leverex/pkg/account"
	"github.com/sayandeepx/leverex/pkg/api"
	"github.com/sayandeepx/leverex/pkg/engine"
	"github.com/sayandeepx/leverex/pkg/feed"
	"github.com/sayandeepx/leverex/pkg/queue"
	"github.com/sayandeepx/leverex/pkg/util"
)

func main() {
	cfg, err := params.Load("")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := mustLogger(cfg.LogFile)
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("engine_starting", "symbols", cfg.Symbols, "data_dir", cfg.DataDir)

	// ---- Account & position store ----
	var accounts *account.Manager
	if cfg.DataDir != "" {
		accounts, err = account.NewManagerWithPath(cfg.DataDir)
		if err != nil {
			sugar.Fatalw("store_init_failed", "err", err)
		}
		sugar.Infow("store_loaded", "users", accounts.UserCount())
	} else {
		accounts = account.NewManager()
		sugar.Info("store_memory_only")
	}
	defer accounts.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Price source ----
	var src feed.Source
	if cfg.Feed.UseBinance {
		binance := feed.NewBinance(cfg.Feed.WSURL, cfg.Symbols, sugar)
		go binance.Run(ctx)
		src = binance
	} else {
		src = feed.NewStatic()
		sugar.Warn("feed_static: no live prices, seed via tooling")
	}

	// ---- Trading engine ----
	eng := engine.New(cfg.Trading, cfg.Symbols, accounts, src, sugar)

	// ---- Command channel ----
	broker := queue.NewMemory()
	requester := queue.NewRequester(broker, cfg.Queue.RequestTimeout)

	orderConsumer := queue.NewConsumer(broker, queue.QueueOrder, cfg.Queue.PollInterval, eng.HandleOrderCommand, sugar)
	userConsumer := queue.NewConsumer(broker, queue.QueueUser, cfg.Queue.PollInterval, eng.HandleUserCommand, sugar)
	go orderConsumer.Run(ctx)
	go userConsumer.Run(ctx)

	// ---- Mark-to-market loop ----
	go eng.RunMarkLoop(ctx, cfg.Mark.Interval, util.RealClock{})

	// ---- HTTP front door ----
	server := api.NewServer(requester, eng, cfg.API.CORSOrigin, sugar)
	eng.OnMark(server.BroadcastPrice)

	httpSrv := &http.Server{Addr: cfg.API.Addr, Handler: server.Handler()}
	go server.RunHub()
	go func() {
		sugar.Infow("api_listening", "addr", cfg.API.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Errorw("api_failed", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	sugar.Info("shutting_down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
}

func mustLogger(logFile string) *zap.Logger {
	if logFile != "" {
		l, err := util.NewLoggerWithFile(logFile)
		if err != nil {
			log.Fatalf("logger: %v", err)
		}
		return l
	}
	l, err := util.NewLogger()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	return l
}
