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

	"blast/internal/activity"
	"blast/internal/awsutil"
	"blast/internal/config"
	"blast/internal/httpapi"
	"blast/internal/httpserver"
	"blast/internal/logging"
	"blast/internal/observability"
	sqsqueue "blast/internal/queue/sqs"
	"blast/internal/storeutil"
)

// projector consumes campaign events from SQS and folds them into the activity feed.
func main() {
	cfg := config.LoadProjector()
	logging.Init("projector", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, _, err := storeutil.Open(ctx, cfg.StoreConfig)
	if err != nil {
		slog.Error("projector store open failed", "backend", cfg.Backend, "err", err)
		os.Exit(1)
	}
	defer st.Close()

	sqsClient, err := awsutil.NewSQSClient(ctx, awsutil.SQSOptions{
		Region:      cfg.AWSRegion,
		Endpoint:    cfg.LocalstackEndpoint,
		MaxAttempts: cfg.SQSMaxAttempts,
	})
	if err != nil {
		slog.Error("projector sqs client init failed", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	consumer := &sqsqueue.Consumer{
		SQS:               sqsClient,
		QueueURL:          cfg.EventsQueueURL,
		WaitTimeSeconds:   cfg.SQSWaitTime,
		MaxMessages:       cfg.SQSMaxMsgs,
		VisibilityTimeout: cfg.SQSVizTimeout,
	}
	feed := &activity.Recorder{Store: st, Keep: cfg.ActivityLimit}

	ops := httpapi.New(prometheus.DefaultGatherer,
		httpapi.Check{Name: "store", Fn: st.Ping},
		httpapi.Check{Name: "events_queue", Fn: awsutil.QueueCheck(sqsClient, cfg.EventsQueueURL)},
	)
	healthSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httpserver.Logging(ops.Mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	healthErrCh := make(chan error, 1)
	go func() {
		slog.Info("projector health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()

	pollErrCh := make(chan error, 1)
	go func() {
		slog.Info("projector starting poll", "queue_url", cfg.EventsQueueURL, "workers", cfg.WorkerConcurrency)
		pollErrCh <- consumer.PollConcurrent(ctx, cfg.WorkerConcurrency, feed.Project)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	pollDone := false
	select {
	case err := <-pollErrCh:
		pollDone = true
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("projector poll failed", "err", err)
			exitCode = 1
		}
	case err := <-healthErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("projector health server failed", "err", err)
			exitCode = 1
		}
	case sig := <-sigCh:
		slog.Info("projector shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)

	if !pollDone {
		select {
		case <-pollErrCh:
		case <-time.After(10 * time.Second):
			slog.Info("projector shutdown timeout waiting for poll loop")
		}
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}
