// pxl8 data gateway: the regional data-plane node that serves tenant media
// under leased budgets from the control plane.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/pxl8/datagateway/internal/config"
	"github.com/pxl8/datagateway/internal/logging"
	"github.com/pxl8/datagateway/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, "json")
	logger.Info("pxl8 data gateway starting",
		"env", cfg.Env,
		"dataplane_id", cfg.DataplaneID,
		"control_api", cfg.ControlAPIURL,
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}
