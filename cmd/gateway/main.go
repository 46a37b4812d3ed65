// Command gateway runs a simulated gateway with one smart panel against a
// deviceio service.
//
//	go run ./cmd/gateway --config gateway.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/mbocsi/deviceio/client"
	"github.com/mbocsi/deviceio/config"
	"github.com/mbocsi/deviceio/device"
	"github.com/mbocsi/deviceio/store"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML, JSON or TOML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("Gateway failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadGateway(configPath)
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(cfg.Log, os.Stdout)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var st store.Store = store.NewMemoryStore()
	var sqlite *store.SQLiteStore
	if cfg.StorePath != "" {
		sqlite, err = store.NewSQLiteStore(cfg.StorePath)
		if err != nil {
			return err
		}
		defer sqlite.Close()
		st = sqlite
	}

	if cfg.Discover {
		svc, err := client.DiscoverService(cfg.DiscoverTimeout)
		if err != nil {
			return err
		}
		cfg.BaseURL = svc.BaseURL()
	}

	gw := device.NewGateway(cfg.ProxyID, st, logger)
	token, err := gw.StoredToken(ctx)
	if err != nil {
		return err
	}
	if token != "" && sqlite != nil {
		if at, err := sqlite.UpdatedAt(ctx, store.KeyToken); err == nil {
			logger.Info("Resuming with stored auth token", "age", time.Since(at).Round(time.Second))
		}
	}
	if _, err := gw.Restore(ctx); err != nil {
		return err
	}

	clientCfg := cfg.ClientConfig(logger)
	clientCfg.AuthToken = token
	clientCfg.OnTokenRotated = gw.OnTokenRotated
	clientCfg.OnCommands = gw.OnCommands
	c, err := client.NewClient(clientCfg, nil)
	if err != nil {
		return err
	}
	gw.Attach(c)

	logger.Info("The gateway is starting", "proxy_id", cfg.ProxyID, "base_url", cfg.BaseURL)
	if ok, err := c.CheckAvailability(ctx); err != nil || !ok {
		logger.Warn("The service did not answer the availability check", "error", err)
	}
	if err := c.Start(ctx); err != nil {
		return err
	}
	defer c.Stop()

	panel := device.NewSmartPanel(cfg.PanelID, gw)
	if err := gw.Pair(ctx, panel); err != nil {
		return err
	}

	if cfg.SwitchInterval > 0 {
		go simulateSwitches(ctx, panel, cfg.SwitchInterval)
	}

	<-ctx.Done()
	logger.Info("Shutting down the gateway")
	return nil
}

// simulateSwitches toggles the panel breakers one after the other.
func simulateSwitches(ctx context.Context, panel *device.SmartPanel, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		index := strconv.Itoa(i % 4)
		value := "0"
		if panel.Breakers()[index] == "0" {
			value = "1"
		}
		if err := panel.SwitchLocally(ctx, index, value); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("Local switch failed", "index", index, "error", err)
		}
	}
}
