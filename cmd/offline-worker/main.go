package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	offlineworker "github.com/always-cache/offline-worker"
	"github.com/always-cache/offline-worker/cache"
	"github.com/always-cache/offline-worker/queue"
)

var (
	// CLI flags
	configFilenameFlag string
	originFlag         string
	upstreamFlag       string
	staticDirFlag      string
	portFlag           int
	providerFlag       string
	dbFilenameFlag     string
	queueFilenameFlag  string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", os.Getenv("OFFLINE_WORKER_CONFIG"), "Path to config file")
	flag.StringVar(&originFlag, "origin", "", "Origin of the site (overrides config)")
	flag.StringVar(&upstreamFlag, "upstream", "", "Server answering same-origin requests (overrides config)")
	flag.StringVar(&staticDirFlag, "static-dir", "", "Directory to serve as the site (overrides config)")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&providerFlag, "provider", "sqlite", "Cache storage to use (sqlite, leveldb or memory)")
	flag.StringVar(&dbFilenameFlag, "db", "cache.db", "Cache DB file or directory name")
	flag.StringVar(&queueFilenameFlag, "queue-db", "outbox.db", "Outbox DB file name (use 'memory' for in-memory queue)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("build", version).Logger()

	storage, err := openStorage(providerFlag, dbFilenameFlag)
	if err != nil {
		log.Fatal().Err(err).Str("provider", providerFlag).Msg("Could not open cache storage")
	}
	defer storage.Close()

	outbox, closeOutbox, err := openQueue(queueFilenameFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open outbox")
	}
	defer closeOutbox()

	s := &server{
		configFilename: configFilenameFlag,
		flags:          Config{Origin: originFlag, Upstream: upstreamFlag, StaticDir: staticDirFlag},
		runtime:        offlineworker.NewRuntime(&log.Logger),
		storage:        storage,
		queue:          outbox,
		metrics:        offlineworker.NewMetrics(),
		log:            log.Logger,
		network:        newNetwork,
	}
	defer s.runtime.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w, err := s.deploy(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not deploy worker")
	}

	syncInterval, err := parseDuration(s.currentConfig().SyncInterval)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid sync interval")
	}
	if syncInterval > 0 {
		go s.runtime.SyncEvery(ctx, syncInterval)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", portFlag),
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Msgf("Serving version %s of %s on port %v", w.Version(), s.currentConfig().Origin, portFlag)
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Server error")
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown failed")
	}
}

func openStorage(provider, filename string) (cache.Storage, error) {
	switch provider {
	case "sqlite":
		// set up sqlite memory provider
		if filename == "memory" {
			filename = "file::memory:?cache=shared"
		}
		return cache.NewSQLiteStorage(filename)
	case "leveldb":
		return cache.NewLevelDBStorage(filename)
	case "memory":
		return cache.NewMemStorage(), nil
	default:
		return nil, fmt.Errorf("unsupported cache provider: %s", provider)
	}
}

func openQueue(filename string) (queue.Queue, func(), error) {
	if filename == "memory" {
		return queue.NewMemQueue(), func() {}, nil
	}
	q, err := queue.NewSQLiteQueue(filename)
	if err != nil {
		return nil, nil, err
	}
	return q, func() { q.Close() }, nil
}
