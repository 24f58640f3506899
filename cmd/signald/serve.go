package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Tracy625/event-stream-starter-sub000/pkg/audit"
	"github.com/Tracy625/event-stream-starter-sub000/pkg/config"
	"github.com/Tracy625/event-stream-starter-sub000/pkg/enrich"
	"github.com/Tracy625/event-stream-starter-sub000/pkg/identity"
	"github.com/Tracy625/event-stream-starter-sub000/pkg/locker"
	"github.com/Tracy625/event-stream-starter-sub000/pkg/merge"
	"github.com/Tracy625/event-stream-starter-sub000/pkg/observability"
	"github.com/Tracy625/event-stream-starter-sub000/pkg/rules"
	"github.com/Tracy625/event-stream-starter-sub000/pkg/store"
	"github.com/Tracy625/event-stream-starter-sub000/pkg/verify"
)

const healthAddr = ":8081"

//nolint:gocognit
func runServer() int {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 2
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := observability.New(ctx, &observability.Config{
		ServiceName:    "signald",
		ServiceVersion: EngineVersion,
		Environment:    "production",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.OTLPEnabled,
		Insecure:       cfg.OTLPInsecure,
	})
	if err != nil {
		logger.Error("observability init failed", "error", err)
		return 1
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()

	instruments, err := observability.NewInstruments(provider.Meter())
	if err != nil {
		logger.Error("metric instruments init failed", "error", err)
		return 1
	}

	auditLog, closeAudit, err := openAudit(cfg.AuditPath)
	if err != nil {
		logger.Error("audit log init failed", "path", cfg.AuditPath, "error", err)
		return 1
	}
	defer closeAudit()

	st, err := openStore(cfg)
	if err != nil {
		logger.Error("event store init failed", "driver", cfg.DatabaseDriver, "error", err)
		return 1
	}

	locks, err := openLocker(ctx, cfg)
	if err != nil {
		logger.Error("locker init failed", "error", err)
		return 1
	}

	resolver := identity.NewResolver(identity.KeySpec{
		SaltVersion:  cfg.IdentitySaltVersion,
		Salt:         []byte(cfg.IdentitySalt),
		BucketWindow: cfg.BucketWindow,
	}, logger)
	checkSaltVersion(ctx, st, resolver, logger)

	_, limits, err := loadTuning(cfg)
	if err != nil {
		logger.Error("tuning profile load failed", "profile", cfg.Profile, "error", err)
		return 2
	}

	builder, err := rules.NewBuilder(EngineVersion, limits)
	if err != nil {
		logger.Error("rule builder init failed", "error", err)
		return 1
	}
	ruleStore, err := rules.NewStore(ctx, cfg.RulesPath, builder,
		rules.WithPollInterval(cfg.RulePollInterval),
		rules.WithCooldown(cfg.RuleReloadCooldown),
		rules.WithLogger(logger),
		rules.WithAudit(auditLog),
		rules.WithInstruments(instruments),
	)
	if err != nil {
		logger.Error("initial rule load failed", "path", cfg.RulesPath, "error", err)
		return 1
	}
	go ruleStore.Watch(ctx)

	mode, err := merge.ParseMode(cfg.MergeMode)
	if err != nil {
		logger.Error("config: merge mode", "error", err)
		return 2
	}

	worker := verify.NewWorker(st, locks, ruleStore, enrich.NewComposite(), verify.Config{
		Mode:         mode,
		FetchBudget:  cfg.FetchBudget,
		EnrichWindow: cfg.EnrichWindow,
		LockTTL:      cfg.LockTTL,
	},
		verify.WithLogger(logger),
		verify.WithAudit(auditLog),
		verify.WithInstruments(instruments),
		verify.WithNotifier(verify.NewLogNotifier(logger)),
	)
	runner := verify.NewRunner(st, worker,
		verify.WithScanInterval(cfg.ScanInterval),
		verify.WithWorkerCount(cfg.WorkerCount),
		verify.WithRunnerLogger(logger),
		verify.WithRunnerInstruments(instruments),
		verify.WithTracer(provider.Tracer()),
	)
	go runner.Run(ctx)

	// SIGHUP forces a rule reload outside the watcher's cadence.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			logger.Info("SIGHUP received, forcing rule reload")
			if err := ruleStore.ForceReload(ctx); err != nil {
				logger.Error("forced rule reload failed", "error", err)
			}
		}
	}()

	go serveHealth(logger)

	logger.Info("signald ready",
		"driver", cfg.DatabaseDriver,
		"rules", cfg.RulesPath,
		"mode", mode,
		"scan_interval", cfg.ScanInterval,
	)

	<-ctx.Done()
	signal.Stop(hup)
	close(hup)
	logger.Info("shutting down")
	return 0
}

// loadTuning resolves the deployment tuning profile into score weights
// and rule source limits. Without a profile code the built-in defaults
// apply; with one, the profile's merge mode also fills MergeMode when
// the environment left it unset.
func loadTuning(cfg *config.Config) (merge.Weights, rules.Limits, error) {
	weights := merge.DefaultWeights()
	limits := rules.DefaultLimits()
	if cfg.Profile == "" {
		return weights, limits, nil
	}

	profile, err := config.LoadProfile(cfg.ProfilesDir, cfg.Profile)
	if err != nil {
		return weights, limits, err
	}
	weights = profile.Weights
	if profile.Limits.MaxRuleFileBytes > 0 {
		limits.MaxBytes = int64(profile.Limits.MaxRuleFileBytes)
	}
	if profile.Limits.MaxRuleCount > 0 {
		limits.MaxRules = profile.Limits.MaxRuleCount
	}
	if cfg.MergeMode == "" {
		cfg.MergeMode = profile.MergeMode
	}
	return weights, limits, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func openAudit(path string) (*audit.Logger, func(), error) {
	if path == "" {
		return audit.NewLogger(), func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return audit.NewLoggerWithWriter(f), func() { _ = f.Close() }, nil
}

func openStore(cfg *config.Config) (store.EventStore, error) {
	switch cfg.DatabaseDriver {
	case "postgres":
		return store.OpenPostgres(cfg.DatabaseURL)
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		return store.OpenSQLite(cfg.DatabaseURL)
	}
}

func openLocker(ctx context.Context, cfg *config.Config) (locker.Locker, error) {
	if cfg.RedisAddr == "" {
		return locker.NewMemoryLocker(), nil
	}
	l := locker.NewRedisLocker(cfg.RedisAddr, cfg.RedisPassword, 0)
	if err := l.Ping(ctx); err != nil {
		return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
	}
	return l, nil
}

// checkSaltVersion surfaces identity salt rotation once at boot. A
// changed salt re-keys every future event; evidence merged under the
// old salt stays under its old keys.
func checkSaltVersion(ctx context.Context, st store.EventStore, resolver *identity.Resolver, logger *slog.Logger) {
	current := fmt.Sprintf("%d", resolver.SaltVersion())
	stored, err := st.GetMeta(ctx, identity.SaltVersionMetaKey)
	if err == nil && stored != "" && stored != current {
		logger.Warn("identity salt version changed, event keys will not match prior runs",
			"stored", stored, "configured", current)
	}
	if err := st.SetMeta(ctx, identity.SaltVersionMetaKey, current); err != nil {
		logger.Warn("could not record identity salt version", "error", err)
	}
}

func serveHealth(logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	logger.Info("health server listening", "addr", healthAddr)
	//nolint:gosec // Intentionally listening on all interfaces
	if err := http.ListenAndServe(healthAddr, mux); err != nil {
		logger.Error("health server error", "error", err)
	}
}
