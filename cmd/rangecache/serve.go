package main

import (
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ericselin/rangecache/internal/cachestore"
	"github.com/ericselin/rangecache/internal/config"
	"github.com/ericselin/rangecache/internal/listener"
	"github.com/ericselin/rangecache/internal/manager"
	"github.com/ericselin/rangecache/internal/mixedreader"
	"github.com/ericselin/rangecache/internal/origin"
)

// runServe loads configuration, sets up logging the way
// always-cache-always-cache/cmd/always-cache/main.go does (ConsoleWriter
// plus an optional rotated log file, -vv mapping to trace), and starts the
// HTTP listener.
func runServe(cmd *cobra.Command, args []string) error {
	if cmd.Flags().Changed("port") {
		v.Set("listen_port", listenPort)
	}

	cfg, err := config.Load(v, configFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	setupLogging(cfg)

	store, err := cachestore.New(cfg.CacheRoot)
	if err != nil {
		return fmt.Errorf("opening cache store: %w", err)
	}
	defer store.Close()

	fetcher := origin.New(origin.Config{
		MaxAttempts:    cfg.RetryCount + 1,
		Backoff:        cfg.RetryBackoff(),
		ConnectTimeout: cfg.ConnectTimeout(),
		ReadTimeout:    cfg.ReadTimeout(),
	})

	reader := mixedreader.New(store, fetcher, mixedreader.WithMinFetch(cfg.MinFetchBytes))
	mgr := manager.New(store, reader)
	ls := listener.New(mgr, store)

	addr := fmt.Sprintf(":%d", cfg.ListenPort)
	log.Info().Int("port", cfg.ListenPort).Str("cache_root", cfg.CacheRoot).Msg("rangecache listening")
	return http.ListenAndServe(addr, ls)
}

func setupLogging(cfg config.Config) {
	level := zerolog.InfoLevel
	if cfg.Verbose {
		level = zerolog.TraceLevel
	}

	writers := []io.Writer{zerolog.ConsoleWriter{Out: os.Stdout}}
	if cfg.LogFile != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    100,
			MaxBackups: 3,
			LocalTime:  true,
		})
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(level).With().Timestamp().Logger()
}
