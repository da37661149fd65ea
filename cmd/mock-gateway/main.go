package main

import (
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"

	"blast/internal/httpserver"
	"blast/internal/logging"
)

// mock-gateway stands in for the WhatsApp session service during local runs and load
// tests. Outcomes are driven by env so the runner's outage and failure paths can be
// exercised without a real phone.
func main() {
	cfg := loadConfig()
	logging.Init("mock-gateway", cfg.LogFormat, "info")

	s := newServer(cfg, rand.New(rand.NewSource(time.Now().UnixNano())))

	slog.Info("mock gateway listening", "port", cfg.Port, "mode", cfg.OutcomeMode, "connected", cfg.Connected)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httpserver.Logging(s.routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		slog.Error("mock gateway server failed", "err", err)
		os.Exit(1)
	}
}

func loadConfig() config {
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		slog.Error("mock gateway config load failed", "err", err)
		os.Exit(1)
	}
	return cfg.normalize()
}
