package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/always-cache/cachefirst"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFilenameFlag string
	originFlag         string
	portFlag           int
	metricsPortFlag    int
	providerFlag       string
	dbFilenameFlag     string
	redisAddrFlag      string
	redisPrefixFlag    string
	generationFlag     string
	maxEntriesFlag     int
	manifestFlag       string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to serve (overrides config)")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.IntVar(&metricsPortFlag, "metrics-port", 0, "Port to serve Prometheus metrics on (disabled if 0)")
	flag.StringVar(&providerFlag, "provider", "sqlite", "Caching provider to use (sqlite, memory, redis)")
	flag.StringVar(&dbFilenameFlag, "db", "cache.db", "Cache DB file name (use 'memory' for in-memory db)")
	flag.StringVar(&redisAddrFlag, "redis-addr", "localhost:6379", "Redis address for the redis provider")
	flag.StringVar(&redisPrefixFlag, "redis-prefix", "cachefirst:", "Prefix of all redis keys")
	flag.StringVar(&generationFlag, "generation", cachefirst.DefaultGeneration, "Name of the active cache generation")
	flag.IntVar(&maxEntriesFlag, "max-entries", cachefirst.DefaultMaxEntries, "Maximum number of stored responses")
	flag.StringVar(&manifestFlag, "manifest", "", "Comma separated paths to store on startup (overrides config)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

// applyFlags overrides the config with every flag given on the command line.
func applyFlags(config *Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "origin":
			config.Origin = originFlag
		case "port":
			config.Port = portFlag
		case "metrics-port":
			config.MetricsPort = metricsPortFlag
		case "provider":
			config.Provider = providerFlag
		case "db":
			config.DB = dbFilenameFlag
		case "redis-addr":
			config.Redis.Addr = redisAddrFlag
		case "redis-prefix":
			config.Redis.Prefix = redisPrefixFlag
		case "generation":
			config.Generation = generationFlag
		case "max-entries":
			config.MaxEntries = maxEntriesFlag
		case "manifest":
			config.Manifest = splitList(manifestFlag)
		}
	})
}

func splitList(s string) []string {
	list := make([]string, 0)
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			list = append(list, item)
		}
	}
	return list
}

// runLifecycle installs the manifest and activates the generation.
// Activation happens even if the install failed: old generations are never read
// again, and the active store fills up from misses instead.
func runLifecycle(ctx context.Context, engine *cachefirst.Engine) {
	if err := engine.Install(ctx); err != nil {
		log.Warn().Err(err).Msg("Serving without a complete manifest")
	}
	if err := engine.Activate(ctx); err != nil {
		log.Warn().Err(err).Msg("Obsolete stores not removed")
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
		With().Str("version", version).Logger()

	var config Config
	if configFilenameFlag != "" {
		var err error
		if config, err = getConfig(configFilenameFlag); err != nil {
			log.Fatal().Err(err).Str("file", configFilenameFlag).Msg("Could not read config")
		}
	}
	applyFlags(&config)
	config.applyDefaults()
	if err := config.validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}

	originUrl, err := url.Parse(config.Origin)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not parse url")
	}

	storage, closeStorage, err := newStorage(config)
	if err != nil {
		log.Fatal().Err(err).Str("provider", config.Provider).Msg("Could not open cache storage")
	}
	defer func() {
		if err := closeStorage(); err != nil {
			log.Error().Err(err).Msg("Could not close cache storage")
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	engine := cachefirst.New(cachefirst.Config{
		Storage:         storage,
		Generation:      config.Generation,
		MaxEntries:      config.MaxEntries,
		Manifest:        config.Manifest,
		ImageExtensions: config.ImageExtensions,
		OriginURL:       *originUrl,
		Logger:          &log.Logger,
		Registerer:      registry,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	runLifecycle(ctx, engine)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(hlog.NewHandler(log.Logger))
	r.Use(hlog.RemoteAddrHandler("ip"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Trace().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Access")
	}))
	r.Handle("/*", engine)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: r,
	}
	servers := []*http.Server{server}
	if config.MetricsPort > 0 {
		servers = append(servers, &http.Server{
			Addr:    fmt.Sprintf(":%d", config.MetricsPort),
			Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		})
	}

	for _, s := range servers {
		go func() {
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Str("addr", s.Addr).Msg("Server failed")
				cancel()
			}
		}()
	}
	log.Info().Msgf("Serving %s on port %v (generation '%s')", originUrl.String(), config.Port, engine.Generation())

	<-ctx.Done()
	log.Info().Msg("Shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	for _, s := range servers {
		if err := s.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Str("addr", s.Addr).Msg("Server shutdown error")
		}
	}
	// let pending cache writes finish before closing the storage
	engine.Wait()
}
