// Command server runs a local deviceio emulator.
//
//	go run ./cmd/server --config server.yaml
//
// With mcp enabled the MCP tools are served on stdio and logs go to stderr.
package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mbocsi/deviceio/config"
	"github.com/mbocsi/deviceio/server"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML, JSON or TOML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("Emulator failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := server.LoadConfig(configPath)
	if err != nil {
		return err
	}

	var out io.Writer = os.Stdout
	if cfg.MCP {
		out = os.Stderr
	}
	logger, err := config.NewLogger(cfg.Log, out)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	emu := server.NewServer(cfg.Options())
	for _, id := range cfg.Proxies {
		if _, err := emu.Registry().Provision(id, ""); err != nil {
			return err
		}
		slog.Info("Provisioned proxy", "proxy_id", id)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MCP {
		mcpServer := server.NewMCPServer(emu)
		go func() {
			if err := mcpServer.Start(); err != nil {
				slog.Error("There was an error in the MCP server", "error", err.Error())
			}
			stop()
		}()
	}

	return emu.Start(ctx)
}
