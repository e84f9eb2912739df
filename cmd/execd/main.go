package main

import (
	"context"
	"flag"
	"log"
	"time"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
	"gorm.io/gorm"

	"main/internal/api"
	"main/internal/breaker"
	"main/internal/broker"
	"main/internal/engine"
	"main/internal/ops"
	"main/internal/recovery"
	"main/internal/reserve"
	"main/internal/risk"
	"main/internal/store"
	"main/internal/twap"
	"main/internal/webhook"
	"main/pkg/conn"
)

const shutdownGrace = 10 * time.Second

func main() {
	configPath := flag.String("config", "config.json", "Path to JSON config")
	flag.Parse()

	loaded, err := ops.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	if loaded.Profiling.Enable {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "execd",
			ServerAddress:   loaded.Profiling.ServerAddress,
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			log.Fatalf("pyroscope start failed: %v", err)
		}
		defer func() {
			_ = profiler.Stop()
		}()
	}

	client, err := openDatabase(loaded)
	if err != nil {
		log.Fatalf("database open failed: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	s, err := store.New(client.DB())
	if err != nil {
		log.Fatalf("store init failed: %v", err)
	}

	brokerClient, err := openBroker(loaded)
	if err != nil {
		log.Fatalf("broker init failed: %v", err)
	}

	breakerManager := breaker.NewManager(s, loaded.Breaker)
	reserveManager := reserve.NewManager(s, loaded.Execution.ReservationTTL.Std())
	validator := risk.NewValidator(loaded.Risk)
	quotes := engine.StaticQuotes(loaded.Quotes)

	eng := engine.New(s, brokerClient, reserveManager, breakerManager, validator, quotes, loaded.Engine)
	scheduler := twap.NewScheduler(s, eng, loaded.Execution.SchedulerTick.Std())
	processor := webhook.NewProcessor(s, reserveManager, breakerManager)
	recoveryManager := recovery.New(s, brokerClient, breakerManager, reserveManager)

	server := api.NewServer(eng, scheduler, processor, breakerManager, s, recoveryManager, loaded.Secrets.WebhookSecret)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Recovery must finish before the ready gate opens; the server starts
	// immediately so health checks respond during recovery.
	go func() {
		if err := recoveryManager.Run(ctx); err != nil {
			logs.Errorf("recovery failed, refusing traffic, err: %+v", err)
			return
		}
		go reserveManager.RunSweeper(ctx, loaded.Execution.SweepInterval.Std())
		go scheduler.Run(ctx)
	}()

	go func() {
		if err := server.Start(loaded.Server.Addr); err != nil {
			logs.Errorf("api server failed, err: %+v", err)
		}
	}()

	<-sys.Shutdown()
	logs.Info("shutdown signal received, draining")
	cancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer drainCancel()
	if err := server.Shutdown(drainCtx); err != nil {
		logs.Errorf("server shutdown failed, err: %+v", err)
	}
	logs.Info("execd stopped")
}

func openDatabase(loaded ops.Loaded) (*conn.Client, error) {
	if loaded.Database.Driver == "sqlite" {
		return conn.NewSQLite(loaded.Database.Path, nil)
	}
	return conn.New(conn.Option{
		Host:       loaded.Database.Host,
		Port:       loaded.Database.Port,
		User:       loaded.Database.User,
		Password:   loaded.Secrets.DatabasePassword,
		Database:   loaded.Database.Database,
		SSLMode:    loaded.Database.SSLMode,
		ConnString: loaded.Secrets.DatabaseURL,
		Config:     &gorm.Config{TranslateError: true},
	})
}

func openBroker(loaded ops.Loaded) (broker.Client, error) {
	if loaded.Broker.Mode == "paper" {
		logs.Warn("running against the paper broker, no orders leave this process")
		paper := broker.NewPaper()
		paper.Latency = loaded.Broker.PaperLatency.Std()
		return paper, nil
	}
	return broker.NewRest(broker.RestConfig{
		BaseURL: loaded.Broker.BaseURL,
		Key:     loaded.Secrets.BrokerAPIKey,
		Secret:  loaded.Secrets.BrokerAPISecret,
	}, nil), nil
}
