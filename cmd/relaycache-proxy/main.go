// Command relaycache-proxy runs relaycache as a standalone reverse proxy in
// front of a single origin.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	relaycache "github.com/relaycache/relaycache"
	"github.com/relaycache/relaycache/cachekey"
	"github.com/relaycache/relaycache/config"
	"github.com/relaycache/relaycache/config/rules"
	"github.com/relaycache/relaycache/metrics"
	"github.com/relaycache/relaycache/store"
	"github.com/relaycache/relaycache/store/leveldb"
	"github.com/relaycache/relaycache/store/redisstore"
	"github.com/relaycache/relaycache/store/sqlite"

	"github.com/redis/go-redis/v9"
)

var (
	originFlag    string
	portFlag      int
	configFlag    string
	verboseFlag   bool
	sweepCronFlag string

	version string
)

func init() {
	flag.StringVar(&originFlag, "origin", "", "origin URL to proxy to (overrides config file)")
	flag.IntVar(&portFlag, "port", 8080, "port to listen on")
	flag.StringVar(&configFlag, "config", "relaycache.yaml", "path to YAML config file")
	flag.BoolVar(&verboseFlag, "vv", false, "trace-level logging")
	flag.StringVar(&sweepCronFlag, "sweep-cron", "@every 1h", "cron schedule for the eager-refresh sweep")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	level := zerolog.InfoLevel
	if verboseFlag {
		level = zerolog.TraceLevel
	}
	log.Logger = log.Level(level).With().Str("version", version).Logger()

	file, engine, err := config.Load(configFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("loading configuration")
	}

	origin := originFlag
	if origin == "" && len(file.Origins) > 0 {
		origin = file.Origins[0].Origin
	}
	if origin == "" {
		log.Fatal().Msg("no origin configured: pass -origin or set origins in the config file")
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		log.Fatal().Err(err).Msg("parsing origin URL")
	}

	backingStore, closeStore, err := openStore(engine, originURL.String())
	if err != nil {
		log.Fatal().Err(err).Msg("opening cache store")
	}
	defer closeStore()

	registry := prometheus.NewRegistry()
	recorder := metrics.New(registry, originURL.Host)

	cacheLogger := log.Logger
	cache := relaycache.New(relaycache.Config{
		Store:                   backingStore,
		OriginURL:               *originURL,
		Logger:                  &cacheLogger,
		Metrics:                 recorder,
		MaxObjectSizeBytes:      engine.MaxObjectSizeBytes,
		SharedCache:             engine.SharedCache,
		HeuristicCachingEnabled: engine.HeuristicCachingEnabled,
		HeuristicCoefficient:    engine.HeuristicCoefficient,
		AsyncWorkersMax:         engine.AsyncWorkersMax,
		AsyncWorkersCore:        engine.AsyncWorkersCore,
		RevalidationQueueSize:   engine.RevalidationQueueSize,
		Rules:                   originRules(file, *originURL),
	})

	proxy := &httputil.ReverseProxy{
		Director: func(r *http.Request) {
			r.URL.Scheme = originURL.Scheme
			r.URL.Host = originURL.Host
			r.Host = originURL.Host
		},
		Transport: cache,
	}

	router := chi.NewRouter()
	router.Use(chimw.RealIP)
	router.Use(requestIDMiddleware)
	router.Use(chimw.Recoverer)
	router.Use(loggingMiddleware(log.Logger))

	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Handle("/*", proxy)

	sweepKeyer := cachekey.NewCacheKeyer(originURL.String())
	sched := cron.New()
	if _, err := sched.AddFunc(sweepCronFlag, func() {
		sweepIdleEntries(context.Background(), backingStore, cache, sweepKeyer, log.Logger)
	}); err != nil {
		log.Fatal().Err(err).Msg("scheduling sweep")
	}
	sched.Start()
	defer sched.Stop()

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", portFlag),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("origin", originURL.String()).Int("port", portFlag).Msg("relaycache-proxy listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown failed")
	}
}

func openStore(engine config.Engine, originID string) (store.Store, func(), error) {
	switch engine.StoreDriver {
	case "", "memory":
		return store.NewMemStoreWithLimit(originID, engine.MaxObjectSizeBytes), func() {}, nil
	case "sqlite":
		s, err := sqlite.Open(engine.StoreDSN, originID)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "leveldb":
		s, err := leveldb.Open(engine.StoreDSN, originID)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: engine.StoreDSN})
		return redisstore.New(rdb, originID), func() { _ = rdb.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", engine.StoreDriver)
	}
}

func originRules(file config.File, originURL url.URL) rules.Rules {
	for _, o := range file.Origins {
		if o.Origin == originURL.String() {
			return o.Rules
		}
	}
	return nil
}

// sweepIdleEntries replays every stored entry's request through the cache,
// rebuilding it from its cache key with keyer. A still-fresh entry is
// served straight from the store at negligible cost; a stale one drives the
// same revalidate-or-refetch path a live client request would, so entries
// nearing expiry get refreshed (or dropped, on a non-2xx/3xx replay) ahead
// of the next real request rather than on it.
func sweepIdleEntries(ctx context.Context, backing store.Store, c *relaycache.Cache, keyer cachekey.CacheKeyer, logger zerolog.Logger) {
	entries, err := backing.Entries(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("sweep: listing cache entries failed")
		return
	}

	var refreshed, failed int
	for _, entry := range entries {
		req, err := keyer.GetRequestFromKey(entry.Key)
		if err != nil {
			logger.Debug().Err(err).Str("key", entry.Key).Msg("sweep: skipping unrebuildable key")
			continue
		}
		req = req.WithContext(ctx)

		resp, err := c.Execute(ctx, req.URL, req)
		if err != nil {
			failed++
			logger.Warn().Err(err).Str("key", entry.Key).Msg("sweep: replaying entry failed")
			continue
		}
		if resp.Body != nil {
			resp.Body.Close()
		}
		refreshed++
	}

	hits, misses, updates := c.Stats()
	logger.Info().
		Int("entries", len(entries)).
		Int("refreshed", refreshed).
		Int("failed", failed).
		Uint64("hits", hits).Uint64("misses", misses).Uint64("updates", updates).
		Msg("periodic sweep")
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := relaycache.WithStatusRecorder(r.Context())
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))
			status, _ := relaycache.StatusFromContext(ctx)
			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Str("cache", string(status)).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}

