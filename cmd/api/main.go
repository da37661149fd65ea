package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"blast/internal/activity"
	"blast/internal/antidetect"
	"blast/internal/awsutil"
	"blast/internal/config"
	"blast/internal/httpapi"
	"blast/internal/httpserver"
	"blast/internal/lock"
	"blast/internal/logging"
	"blast/internal/observability"
	"blast/internal/providers/wagateway"
	sqsqueue "blast/internal/queue/sqs"
	"blast/internal/service"
	"blast/internal/storeutil"
	"blast/internal/worker"
)

// stopSignalTTL bounds how long a stop for a campaign no replica is sending stays pending.
const stopSignalTTL = 24 * time.Hour

func main() {
	cfg := config.LoadAPI()
	logging.Init("api", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, redisClient, err := storeutil.Open(ctx, cfg.StoreConfig)
	if err != nil {
		slog.Error("api store open failed", "backend", cfg.Backend, "err", err)
		os.Exit(1)
	}
	defer st.Close()

	if redisClient == nil && cfg.RedisLock {
		redisClient, err = storeutil.DialRedis(ctx, cfg.RedisAddr)
		if err != nil {
			slog.Error("api redis lock connect failed", "err", err)
			os.Exit(1)
		}
		defer redisClient.Close()
	}

	observability.Register(prometheus.DefaultRegisterer)

	gw := wagateway.New(cfg.GatewayURL, cfg.GatewayTimeout)

	policy := antidetect.New(time.Now().UnixNano())
	policy.DelayMin, policy.DelayMax = cfg.DelayMin, cfg.DelayMax
	policy.TypingMin, policy.TypingMax = cfg.TypingMin, cfg.TypingMax
	if cfg.VariationsFile != "" {
		vs, err := antidetect.LoadVariations(cfg.VariationsFile)
		if err != nil {
			slog.Error("api variations load failed", "file", cfg.VariationsFile, "err", err)
			os.Exit(1)
		}
		policy.Variations = vs
	}

	feed := &activity.Recorder{Store: st, Keep: cfg.ActivityLimit}

	runner := &worker.Runner{
		Store:           st,
		Gateway:         gw,
		Policy:          policy,
		Breaker:         worker.NewGatewayBreaker(cfg.GatewayBreakerFailures),
		Events:          feed,
		Tick:            cfg.WaitTick,
		PersistAttempts: cfg.PersistAttempts,
		HistoryLimit:    cfg.HistoryLimit,
		JIDDomain:       cfg.JIDDomain,
	}
	if cfg.RateFloor > 0 {
		runner.Floor = rate.NewLimiter(rate.Every(cfg.RateFloor), 1)
	}
	if redisClient != nil {
		runner.Lock = lock.NewRedis(redisClient, "sender", cfg.LockTTL)
		runner.Signals = lock.NewSignals(redisClient, stopSignalTTL)
		runner.Heartbeat = cfg.LockTTL / 4
	}

	checks := []httpapi.Check{{Name: "store", Fn: st.Ping}}
	if redisClient != nil && cfg.Backend != "redis" {
		checks = append(checks, httpapi.Check{Name: "redis", Fn: pingRedis(redisClient)})
	}

	// With a queue configured the feed is built by the projector from the event stream.
	if cfg.EventsQueueURL != "" {
		sqsClient, err := awsutil.NewSQSClient(ctx, awsutil.SQSOptions{
			Region:      cfg.AWSRegion,
			Endpoint:    cfg.LocalstackEndpoint,
			MaxAttempts: cfg.SQSMaxAttempts,
		})
		if err != nil {
			slog.Error("api sqs client init failed", "err", err)
			os.Exit(1)
		}
		runner.Events = &sqsqueue.Producer{SQS: sqsClient, QueueURL: cfg.EventsQueueURL}
		checks = append(checks, httpapi.Check{Name: "events_queue", Fn: awsutil.QueueCheck(sqsClient, cfg.EventsQueueURL)})
	}

	svc := &service.CampaignService{
		Store:          st,
		Runner:         runner,
		Gateway:        gw,
		Activity:       feed,
		CountryCode:    cfg.CountryCode,
		ValidatePhones: cfg.ValidatePhones,
		JIDDomain:      cfg.JIDDomain,
		MaxImageBytes:  cfg.MaxImageBytes,
		ActivityLimit:  cfg.ActivityLimit,
	}

	s := httpserver.New(httpserver.BodyLimit(cfg.MaxImageBytes))
	api := &httpserver.API{Svc: svc}
	api.Register(s.Mux)

	ops := httpapi.New(prometheus.DefaultGatherer, checks...)
	for _, p := range httpapi.Paths {
		s.Mux.Handle(p, ops.Mux).Methods(http.MethodGet)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sched := &worker.Scheduler{
		Runner:     runner,
		Store:      st,
		Interval:   cfg.SchedulerInterval,
		AutoResume: cfg.AutoResume,
	}
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		slog.Info("api scheduler started", "interval", cfg.SchedulerInterval.String(), "auto_resume", cfg.AutoResume)
		_ = sched.Run(ctx)
	}()

	serveErrCh := make(chan error, 1)
	go func() {
		slog.Info("api listening", "port", cfg.Port, "store", cfg.Backend, "gateway", cfg.GatewayURL)
		serveErrCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case err := <-serveErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api server failed", "err", err)
			exitCode = 1
		}
	case sig := <-sigCh:
		slog.Info("api shutdown", "signal", sig.String())
	}

	cancel()
	<-schedDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Halt the send loop first so the in-flight campaign is persisted as resumable.
	if err := runner.Close(shutdownCtx); err != nil {
		slog.Warn("api runner close timed out", "err", err)
	}
	_ = srv.Shutdown(shutdownCtx)

	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

func pingRedis(c *goredis.Client) func(context.Context) error {
	return func(ctx context.Context) error { return c.Ping(ctx).Err() }
}
