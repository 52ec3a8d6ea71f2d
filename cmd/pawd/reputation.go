package main

import (
	"fmt"
	"net/http"
	"time"

	"cosmossdk.io/log"

	"github.com/paw-chain/paw/p2p/reputation"
)

// StartReputationServer starts an HTTP diagnostics server exposing the
// reputation manager's peer list, statistics, health and alerts, and a
// Prometheus export at /api/p2p/reputation/metrics/prometheus. It runs in a
// background goroutine, mirroring StartPrometheusServer's shape, and returns
// the Monitor so the caller can close its background tasks on shutdown.
func StartReputationServer(port int, manager *reputation.Manager, logger log.Logger) *reputation.Monitor {
	monitor := reputation.NewMonitor(manager, manager.Metrics(), reputation.DefaultMonitorConfig(), logger)
	handlers := reputation.NewHTTPHandlers(manager, monitor, manager.Metrics())

	mux := http.NewServeMux()
	handlers.RegisterRoutes(mux)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("reputation server error", "error", err)
		}
	}()

	return monitor
}
