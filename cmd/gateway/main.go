// Command gateway runs a rate limiting reverse proxy. Requests are checked
// against the configured policies and either forwarded to UPSTREAM_URL or
// rejected with 429 and the standard rate limit headers. An admin API
// mutates policies, system load and user behavior at runtime, optionally
// broadcasting every change to other instances over Redis.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/toolink/gate/limiter"
	"github.com/toolink/gate/metrics"
	"github.com/toolink/gate/middleware"
	"github.com/toolink/gate/signals"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Fatal().Err(err).Msg("failed to load .env file")
	}

	cfg, err := readConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("config error")
	}
	setupLogging(cfg)

	fileCfg := &limiter.Config{}
	fileCfg.SetDefaults()
	if cfg.configPath != "" {
		fileCfg, err = limiter.LoadConfig(cfg.configPath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load policy config")
		}
	}

	store, redisClient, err := buildStore(fileCfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build store")
	}
	defer store.Close()
	if redisClient != nil {
		defer redisClient.Close()
	}

	recorder := metrics.NewRecorder(prometheus.DefaultRegisterer)
	opts := []limiter.Option{limiter.WithRecorder(recorder)}
	if redisClient != nil {
		opts = append(opts, limiter.WithAuditSink(limiter.NewRedisAudit(redisClient)))
	}
	rl := limiter.NewRateLimiter(store, opts...)
	if err := fileCfg.ApplyPolicies(rl); err != nil {
		log.Fatal().Err(err).Msg("failed to apply policies")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.configPath != "" && cfg.watchConfig {
		watcher, err := limiter.NewWatcher(cfg.configPath, rl)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to watch policy config")
		}
		go watcher.Run(ctx)
	}

	var pub *signals.Publisher
	if cfg.signalsEnabled {
		if redisClient == nil {
			log.Warn().Msg("SIGNALS_ENABLED requires redis storage, signals disabled")
		} else {
			var sigOpts []signals.Option
			if cfg.signalsChannel != "" {
				sigOpts = append(sigOpts, signals.WithChannel(cfg.signalsChannel))
			}
			pub = signals.NewPublisher(redisClient, sigOpts...)
			listener := signals.NewListener(redisClient, rl, sigOpts...)
			go func() {
				if err := listener.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Error().Err(err).Msg("signal listener stopped")
				}
			}()
		}
	}

	handler, err := buildRouter(cfg, rl, pub)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build router")
	}

	srv := &http.Server{
		Addr:              cfg.listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
		}
	}()

	log.Info().
		Str("listen", cfg.listenAddr).
		Str("upstream", cfg.upstreamURL).
		Str("storage", fileCfg.Storage.Type).
		Int("policies", len(fileCfg.Policies)).
		Msg("gateway listening")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server error")
	}
	log.Info().Msg("gateway stopped")
}

func setupLogging(cfg config) {
	level, err := zerolog.ParseLevel(cfg.logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.logPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

// buildStore constructs the store named in the storage config. The redis
// client is returned alongside so main can share it with the audit sink and
// the signal bus.
func buildStore(sc limiter.StorageConfig) (limiter.Store, *redis.Client, error) {
	switch sc.Type {
	case limiter.StorageMemory:
		return limiter.NewMemoryStore(), nil, nil

	case limiter.StorageRedis, limiter.StorageRedisLocked:
		client := redis.NewClient(&redis.Options{
			Addr:     sc.Addr,
			Password: sc.Password,
			DB:       sc.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			client.Close()
			return nil, nil, err
		}

		storeOpts := []limiter.StoreOption{
			limiter.WithKeyPrefix(sc.KeyPrefix),
			limiter.WithOpTimeout(time.Duration(sc.OpTimeoutMs) * time.Millisecond),
		}
		if sc.Type == limiter.StorageRedisLocked {
			return limiter.NewLockedStore(client, storeOpts...), client, nil
		}
		return limiter.NewRedisStore(client, storeOpts...), client, nil

	default:
		return nil, nil, errors.New("unknown storage type: " + sc.Type)
	}
}

func buildRouter(cfg config, rl *limiter.RateLimiter, pub *signals.Publisher) (http.Handler, error) {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	admin := newAdminServer(rl, pub)
	r.Route("/admin", admin.routes(cfg))

	upstream, err := upstreamHandler(cfg.upstreamURL)
	if err != nil {
		return nil, err
	}
	limited := middleware.Handler(middleware.Options{
		Limiter:           rl,
		TrustForwardedFor: cfg.trustXFF,
		APIKeyHeader:      cfg.apiKeyHeader,
	})
	r.Handle("/*", limited(upstream))

	return r, nil
}

// upstreamHandler proxies to UPSTREAM_URL, or answers 200 itself when no
// upstream is configured so the limiter can be exercised standalone.
func upstreamHandler(upstreamURL string) (http.Handler, error) {
	if upstreamURL == "" {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		}), nil
	}
	target, err := url.Parse(upstreamURL)
	if err != nil {
		return nil, err
	}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("proxy error")
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}
	return proxy, nil
}
