// keywardend is the vault server daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"keywarden/internal/auth"
	"keywarden/internal/platform"
	"keywarden/internal/server"
	"keywarden/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	addr := flag.String("addr", "", "listen address (overrides config)")
	debug := flag.Bool("debug", false, "log at debug level")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Str("level", cfg.LogLevel).Msg("bad log level")
	}
	logger = logger.Level(level)

	// key material lives in this process; don't write it to disk on crash
	if err := platform.DisableCoreDumps(); err != nil {
		logger.Warn().Err(err).Msg("could not disable core dumps")
	}

	st, err := openStore(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("open store")
	}
	defer st.Close()

	signer, err := auth.LoadSigningContext(cfg.SigningKeyPath, cfg.Issuer)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.SigningKeyPath).Msg("load signing key")
	}

	srv := server.New(cfg, st, signer, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server")
	}
	logger.Info().Msg("shut down")
}

func loadConfig(path string) (server.Config, error) {
	if path == "" {
		if _, err := os.Stat("keywarden.yml"); err == nil {
			return server.LoadConfig("keywarden.yml")
		}
		// no config file; run on defaults
		return server.DefaultConfig(), nil
	}
	return server.LoadConfig(path)
}

func openStore(cfg server.Config) (store.Store, error) {
	switch cfg.Backend {
	case "", "sqlite":
		path := cfg.DBPath
		if path == "" {
			path = "./keywarden.db"
		}
		return store.OpenSQLite(path)
	case "mongo":
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return store.OpenMongo(ctx, cfg.MongoURI, cfg.MongoDB)
	case "memory":
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}
