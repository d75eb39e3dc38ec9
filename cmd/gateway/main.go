package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/secprog/poors-man-ratelimiter/internal/admin"
	"github.com/secprog/poors-man-ratelimiter/internal/analytics"
	"github.com/secprog/poors-man-ratelimiter/internal/antibot"
	"github.com/secprog/poors-man-ratelimiter/internal/httpserver"
	"github.com/secprog/poors-man-ratelimiter/internal/middleware"
	"github.com/secprog/poors-man-ratelimiter/internal/proxy"
	"github.com/secprog/poors-man-ratelimiter/internal/ratelimit"
	"github.com/secprog/poors-man-ratelimiter/internal/rules"
	"github.com/secprog/poors-man-ratelimiter/internal/sysconfig"
	"github.com/secprog/poors-man-ratelimiter/pkg/config"
)

func main() {
	// ------- Logging setup -------
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	switch strings.ToLower(config.MustEnv("LOG_LEVEL", "info")) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	// ---- Load config (with env fallbacks) ----
	var cfg *config.Config
	if cfgPath := os.Getenv("PMRL_CONFIG"); cfgPath == "" {
		cfg = config.Default()
	} else {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			log.Fatal().Err(err).Str("config", cfgPath).Msg("cannot load config")
		}
		cfg = loaded
	}

	// ---- Shared state store ----
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		DB:       cfg.Redis.DB,
		Password: cfg.Redis.Password,
	})

	// Non-fatal ping: the limiter fails open while the store is away.
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Warn().Err(err).Msg("redis not reachable yet")
	} else {
		log.Info().Msg("redis reachable")
	}
	pingCancel()

	// ---- Wiring ----
	ruleStore := rules.NewRedisStore(rdb)
	ruleCache := rules.NewCache(ruleStore)

	settings := sysconfig.New(sysconfig.NewRedisStore(rdb))
	seedCtx, seedCancel := context.WithTimeout(context.Background(), 2*time.Second)
	if err := settings.Seed(seedCtx); err != nil {
		log.Warn().Err(err).Msg("config seed failed; defaults apply on read")
	}
	if err := ruleCache.Refresh(seedCtx); err != nil {
		log.Warn().Err(err).Msg("initial rule load failed; starting with no rules")
	}
	seedCancel()

	counters := ratelimit.NewRedisCounterStore(rdb)
	queue := ratelimit.NewQueueAccountant()
	limiter := ratelimit.New(counters, queue)

	statsStore := analytics.NewRedisStore(rdb)
	recorder := analytics.NewRecorder(statsStore, settings)
	aggregator := analytics.NewAggregator(recorder, statsStore, settings)
	reader := analytics.NewReader(statsStore)

	broadcaster := analytics.NewBroadcaster(func(ctx context.Context) (analytics.Update, error) {
		sum, err := reader.Summary(ctx)
		if err != nil {
			return analytics.Update{}, err
		}
		return analytics.Update{
			RequestsAllowed: sum.Allowed,
			RequestsBlocked: sum.Blocked,
			ActivePolicies:  ruleCache.ActiveCount(),
			Timestamp:       time.Now().UnixMilli(),
		}, nil
	})

	validator := antibot.NewValidator()

	proxies, err := proxy.NewPool(cfg.Proxy.DefaultUpstream)
	if err != nil {
		log.Fatal().Err(err).Str("upstream", cfg.Proxy.DefaultUpstream).Msg("invalid upstream URL")
	}

	publicRouter := httpserver.NewRouter(httpserver.Deps{
		Validator:     validator,
		Settings:      settings,
		Recorder:      recorder,
		RateLimit:     middleware.NewRateLimiter(ruleCache, limiter, recorder),
		Proxies:       proxies,
		MaxBodyBytes:  cfg.Proxy.MaxBodyBytes,
		AdminBasePath: admin.BasePath,
	})

	adminRouter := admin.NewRouter(admin.Deps{
		Rules:       ruleStore,
		Cache:       ruleCache,
		Counters:    counters,
		Settings:    settings,
		Logs:        statsStore,
		Reader:      reader,
		Broadcaster: broadcaster,
	})

	// ---- Background tasks ----
	bgCtx, bgCancel := context.WithCancel(context.Background())
	go aggregator.Run(bgCtx, cfg.Intervals.StatsFlush())
	go broadcaster.Run(bgCtx, cfg.Intervals.Broadcast())
	go queue.StartSweeper(cfg.Intervals.QueueCleanup(), bgCtx.Done())
	go refreshRulesPeriodically(bgCtx, ruleCache, cfg.Intervals.ConfigRefresh())

	log.Info().
		Str("addr", cfg.Server.Addr).
		Str("admin_addr", cfg.Server.AdminAddr).
		Str("upstream", cfg.Proxy.DefaultUpstream).
		Str("log_level", zerolog.GlobalLevel().String()).
		Msg("gateway starting")

	publicSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           publicRouter,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	adminSrv := &http.Server{
		Addr:              cfg.Server.AdminAddr,
		Handler:           adminRouter,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", publicSrv.Addr).Msg("public server listening")
		if err := publicSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("public server stopped unexpectedly")
		}
	}()
	go func() {
		log.Info().Str("addr", adminSrv.Addr).Msg("admin server listening")
		if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("admin server stopped unexpectedly")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutdown requested; draining")

	shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shCancel()
	if err := publicSrv.Shutdown(shCtx); err != nil {
		log.Error().Err(err).Msg("public server shutdown did not complete in time; forcing close")
		_ = publicSrv.Close()
	}
	if err := adminSrv.Shutdown(shCtx); err != nil {
		log.Error().Err(err).Msg("admin server shutdown did not complete in time; forcing close")
		_ = adminSrv.Close()
	}

	// Stop background tasks after draining; the aggregator flushes the
	// last pending counts on its way out.
	bgCancel()
	time.Sleep(100 * time.Millisecond)

	if err := rdb.Close(); err != nil {
		log.Warn().Err(err).Msg("redis close")
	} else {
		log.Info().Msg("redis closed")
	}
	log.Info().Msg("gateway exited")
}

// refreshRulesPeriodically reloads the rule cache so out-of-band store
// edits converge even without an explicit refresh call.
func refreshRulesPeriodically(ctx context.Context, cache *rules.Cache, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := cache.Refresh(ctx); err != nil {
				log.Warn().Err(err).Msg("periodic rule refresh failed")
			}
		}
	}
}
