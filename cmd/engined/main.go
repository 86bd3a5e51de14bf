// Command engined runs the Viewfinder operation execution engine: the
// service dispatch surface, the per-user operation scheduler, and the push
// gateway, over a DynamoDB-backed (or in-memory, for development) store.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/viewfinderco/viewfinder/internal/clock"
	"github.com/viewfinderco/viewfinder/internal/gateway"
	"github.com/viewfinderco/viewfinder/internal/lock"
	"github.com/viewfinderco/viewfinder/internal/notify"
	"github.com/viewfinderco/viewfinder/internal/ops"
	"github.com/viewfinderco/viewfinder/internal/service"
	"github.com/viewfinderco/viewfinder/internal/store"
	"github.com/viewfinderco/viewfinder/pkg/config"
	"github.com/viewfinderco/viewfinder/pkg/logger"
	"github.com/viewfinderco/viewfinder/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "", "path to config file (yaml or json)")
	memoryStore := flag.Bool("memory_store", false, "use the in-memory store instead of DynamoDB")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "engined: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Logging)
	clk := clock.System{}
	ownerID := uuid.New().String()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var client store.Client
	if *memoryStore {
		client = store.NewMemory()
		log.Warn("using in-memory store; state will not survive restart")
	} else {
		dyn, err := store.NewDynamoDB(ctx, store.DynamoDBOptions{
			Region:      cfg.DynamoDB.Region,
			Endpoint:    cfg.DynamoDB.Endpoint,
			TablePrefix: cfg.DynamoDB.TablePrefix,
			MaxRetries:  cfg.DynamoDB.MaxRetries,
		})
		if err != nil {
			log.WithError(err).Fatal("connecting to dynamodb failed")
		}
		client = dyn
	}

	locks := lock.NewManager(client, clk, log)

	var push *gateway.PushDispatcher
	if cfg.Push.Enabled {
		push = gateway.NewPushDispatcher(&gateway.PushRecorder{}, client, log,
			cfg.Push.RatePerSec, cfg.Push.FlushInterval)
		if err := push.Start(ctx); err != nil {
			log.WithError(err).Fatal("starting push dispatcher failed")
		}
	}

	var email gateway.EmailSender
	switch cfg.Email.Backend {
	case "http":
		email = &gateway.HTTPEmail{URL: cfg.Email.APIURL, APIKey: cfg.Email.APIKey}
	case "test":
		email = &gateway.TestEmail{}
	default:
		email = &gateway.LoggingEmail{Log: log}
	}
	var sms gateway.SMSSender
	switch cfg.SMS.Backend {
	case "http":
		sms = &gateway.HTTPSMS{URL: cfg.SMS.APIURL, APIKey: cfg.SMS.APIKey, From: cfg.SMS.Number}
	case "test":
		sms = &gateway.TestSMS{}
	default:
		sms = &gateway.LoggingSMS{Log: log}
	}

	notifyMgr := notify.NewManager(client, push, log)
	registry := ops.NewRegistry()
	executor := ops.NewExecutor(client, locks, notifyMgr, email, sms, registry, log, ownerID)
	manager := ops.NewManager(client, locks, executor, registry, clk, log, ops.ManagerConfig{
		QuarantineAttempts: cfg.Scheduler.QuarantineAttempts,
		Workers:            cfg.Scheduler.MaxUsers,
		ScanOps:            cfg.Scheduler.ScanOps,
		RescanSchedule:     cfg.Scheduler.RescanSchedule,
	}, ownerID)
	if err := manager.Start(ctx); err != nil {
		log.WithError(err).Fatal("starting operation manager failed")
	}

	// Auth is an external collaborator; the built-in resolver trusts
	// X-Viewfinder-User / X-Viewfinder-Device set by the front door.
	auth := func(c *gin.Context) (int64, int64, error) {
		var userID, deviceID int64
		if _, err := fmt.Sscan(c.GetHeader("X-Viewfinder-User"), &userID); err != nil {
			return 0, 0, fmt.Errorf("missing user header")
		}
		if _, err := fmt.Sscan(c.GetHeader("X-Viewfinder-Device"), &deviceID); err != nil {
			return 0, 0, fmt.Errorf("missing device header")
		}
		return userID, deviceID, nil
	}
	signer := service.LogURLSignerFunc(func(userID, deviceID int64, clientLogID string) (string, error) {
		return fmt.Sprintf("https://logs.goviewfinder.com/%d/%d/%s", userID, deviceID, clientLogID), nil
	})

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	svc := service.New(client, manager, clk, auth, signer, log)
	svc.Register(router)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}
	go func() {
		log.WithField("addr", srv.Addr).Info("engined listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("http server failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = manager.Stop(shutdownCtx)
	if push != nil {
		_ = push.Stop(shutdownCtx)
	}
	cancel()
}
