package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quailyquaily/smartops/agent"
	"github.com/quailyquaily/smartops/db"
	"github.com/quailyquaily/smartops/guard"
	"github.com/quailyquaily/smartops/internal/metrics"
	"github.com/quailyquaily/smartops/mcp"
	"github.com/quailyquaily/smartops/ratelimit"
	"github.com/quailyquaily/smartops/session"
	"github.com/quailyquaily/smartops/tracker"
	"github.com/spf13/viper"
)

// app holds the wired components of one CLI process.
type app struct {
	log       *slog.Logger
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	db        *sql.DB
	tools     *mcp.Client
	approvals *guard.ApprovalManager
	audit     guard.AuditSink
	history   guard.ApprovalHistory
	tracker   *tracker.Tracker
	engine    *agent.Engine
	targets   map[string]string

	metricsSrv *http.Server
}

// newToolClient builds the rate-limited invocation client alone, for
// commands that do not talk to the model.
func newToolClient(ctx context.Context, log *slog.Logger, mt *metrics.Metrics) (*mcp.Client, error) {
	cfg, err := mcpConfigFromViper(ctx, secretsResolverFromViper())
	if err != nil {
		return nil, err
	}
	limiter := ratelimit.New(ratelimitConfigFromViper(),
		ratelimit.WithLogger(log),
		ratelimit.WithMetrics(mt),
	)
	return mcp.New(cfg,
		mcp.WithLimiter(limiter),
		mcp.WithLogger(log),
		mcp.WithMetrics(mt),
	)
}

func newApp(ctx context.Context, log *slog.Logger, notifier agent.Notifier) (*app, error) {
	a := &app{log: log, registry: prometheus.NewRegistry()}
	a.metrics = metrics.New(a.registry)

	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	if needsDB() {
		sqlDB, err := db.Open(ctx, dbConfigFromViper())
		if err != nil {
			return nil, err
		}
		a.db = sqlDB
	}

	tools, err := newToolClient(ctx, log, a.metrics)
	if err != nil {
		return nil, err
	}
	a.tools = tools

	model, err := llmClientFromViper(ctx, secretsResolverFromViper())
	if err != nil {
		return nil, err
	}

	targets, err := targetsFromViper()
	if err != nil {
		return nil, err
	}
	a.targets = targets

	var store session.Store = session.NewMemoryStore()
	if sessionStoreKind() == "sqlite" {
		s, err := session.NewSQLiteStore(ctx, a.db)
		if err != nil {
			return nil, err
		}
		store = s
	}

	// The engine does not exist yet when the approval manager is built.
	var engine *agent.Engine
	a.approvals, a.audit, a.history = approvalsFromViper(log, a.metrics, a.db, func(req guard.ApprovalRequest) {
		if engine != nil {
			engine.HandleApprovalExpired(req)
		}
	})

	a.tracker, err = tracker.New(trackerConfigFromViper(),
		&tracker.InvocationPoller{Invoker: tools, Tool: statusToolFromViper()},
		tracker.WithLogger(log),
		tracker.WithMetrics(a.metrics),
	)
	if err != nil {
		return nil, err
	}

	opts := []agent.Option{
		agent.WithModel(llmModelFromViper()),
		agent.WithClassifier(classifierFromViper()),
		agent.WithApprovals(a.approvals),
		agent.WithTracker(a.tracker),
		agent.WithStore(store),
		agent.WithNotifier(notifier),
		agent.WithLogger(log),
		agent.WithMaxIterations(viper.GetInt("agent.max_iterations")),
	}
	if p := strings.TrimSpace(viper.GetString("agent.system_prompt")); p != "" {
		opts = append(opts, agent.WithSystemPrompt(p))
	}
	engine, err = agent.New(model, tools, opts...)
	if err != nil {
		return nil, err
	}
	a.engine = engine
	a.tracker.SetHandler(engine)

	ok = true
	return a, nil
}

// start launches the background loops: operation polling, approval expiry
// and, when configured, the metrics listener.
func (a *app) start(ctx context.Context) {
	a.tracker.Start(ctx)
	a.approvals.Start(ctx)

	addr := strings.TrimSpace(viper.GetString("metrics.listen"))
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	a.metricsSrv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := a.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("metrics_listen_error", "addr", addr, "error", err.Error())
		}
	}()
	a.log.Info("metrics_listening", "addr", addr)
}

func (a *app) Close() {
	if a.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = a.metricsSrv.Shutdown(ctx)
		cancel()
	}
	if a.tracker != nil {
		a.tracker.Close()
	}
	if a.approvals != nil {
		a.approvals.Close()
	}
	if a.engine != nil {
		a.engine.Close()
	}
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			a.log.Warn("approval_audit_close_error", "error", err.Error())
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn("db_close_error", "error", err.Error())
		}
	}
}
