// Command voicegrade-mcp serves the extract_scores tool over MCP stdio.
//
// With -config, the matching settings and oracle backends of a voicegrade
// configuration file are used; otherwise extraction is local with defaults.
// Logs go to stderr because stdout carries the protocol.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/voicegrade/internal/app"
	"github.com/MrWong99/voicegrade/internal/config"
	"github.com/MrWong99/voicegrade/internal/mcptool"
	"github.com/MrWong99/voicegrade/internal/transcript/oracle"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "optional voicegrade configuration file")
	envFile := flag.String("env", ".env", "optional dotenv file loaded before the configuration")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "voicegrade-mcp: load %s: %v\n", *envFile, err)
		return 1
	}

	cfg := &config.Config{}
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "voicegrade-mcp: %v\n", err)
			return 1
		}
	} else {
		config.ApplyDefaults(cfg)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: app.SlogLevel(cfg.Server.LogLevel),
	})))

	opts := []mcptool.Option{mcptool.WithExtractor(app.NewExtractor(cfg.Matching))}
	o, err := buildOracle(cfg)
	if err != nil {
		slog.Error("failed to build oracle", "err", err)
		return 1
	}
	if o != nil {
		opts = append(opts, mcptool.WithOracle(o))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := mcptool.NewServer(version, opts...)
	slog.Info("voicegrade-mcp serving on stdio", "version", version, "oracle", o != nil)
	if err := server.Run(ctx, &mcp.StdioTransport{}); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("mcp server error", "err", err)
		return 1
	}
	return 0
}

// buildOracle builds the oracle chain when the configuration enables it.
func buildOracle(cfg *config.Config) (oracle.Oracle, error) {
	if !cfg.Oracle.Enabled {
		return nil, nil
	}
	reg := config.NewRegistry()
	app.RegisterBuiltinProviders(reg)
	_, o, err := app.BuildOracle(reg, cfg.Oracle, nil)
	if err != nil {
		return nil, err
	}
	return o, nil
}
