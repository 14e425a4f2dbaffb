// SentinelMesh turns citizen emergency signals into routed responder dispatches.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/prometheus/client_golang/prometheus"

	vc "github.com/linnemanlabs/sentinelmesh/internal/cfg"
	"github.com/linnemanlabs/sentinelmesh/internal/dispatch"
	"github.com/linnemanlabs/sentinelmesh/internal/geo"
	"github.com/linnemanlabs/sentinelmesh/internal/incident"
	"github.com/linnemanlabs/sentinelmesh/internal/incident/memstore"
	"github.com/linnemanlabs/sentinelmesh/internal/incident/pgstore"
	"github.com/linnemanlabs/sentinelmesh/internal/incidentapi"
	"github.com/linnemanlabs/sentinelmesh/internal/notify/livefeed"
	"github.com/linnemanlabs/sentinelmesh/internal/notify/slack"
	"github.com/linnemanlabs/sentinelmesh/internal/pipeline"
	"github.com/linnemanlabs/sentinelmesh/internal/postgres"
	"github.com/linnemanlabs/sentinelmesh/internal/reportapi"
)

const appName = "sentinelmesh"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

type stopFn struct {
	name string
	fn   func(context.Context) error
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Set app name, component is the role and is set after flags are parsed
	v.AppName = appName

	// each package registers its own flags and options struct
	var (
		appCfg    vc.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	// register flags for each package, which will be parsed into the shared config struct
	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// parse flags to get config values from cmdline, we check env vars next which do not override cmdline flags
	flag.Parse()

	// Fill in config values from environment variables with prefix SENTINEL_,
	// these do not override cmdline flags
	cfg.FillFromEnv(flag.CommandLine, "SENTINEL_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	v.Component = appCfg.Role

	// Get build/version info
	vi := v.Get()

	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// cross-cutting checks that only main can validate
	if appCfg.ServesHTTP() && appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}
	if appCfg.RunsDispatch() && appCfg.GRPCPort == opsCfg.Port {
		return fmt.Errorf("grpc and admin ports must differ (both %d)", appCfg.GRPCPort)
	}

	// initialize logger early
	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	// no-op for slog/stderr, but here if we swap backends in the future to ensure any buffered logs are flushed on shutdown
	defer func() { _ = lg.Sync() }()

	// create a logger with component field pre-filled for structured logging in this package
	L := lg.With("component", vi.Component)

	// add logger to context
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"role", appCfg.Role,
		"http_port", appCfg.APIPort,
		"grpc_port", appCfg.GRPCPort,
		"admin_port", opsCfg.Port,
		"kafka_brokers", appCfg.Brokers(),
		"evaluator_strategy", appCfg.EvaluatorStrategy,
		"route_target", appCfg.RouteTarget(),
		"route_in_process", appCfg.RouteInProcess,
		"enable_pprof", opsCfg.EnablePprof,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"trace_sample", traceCfg.TraceSample,
		"trace_insecure", traceCfg.Insecure,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
		"pyro_server", profCfg.PyroServer,
		"pyro_tenant", profCfg.PyroTenantID,
		"include_error_links", logCfg.IncludeErrorLinks,
		"max_error_links", logCfg.MaxErrorLinks,
		"trusted_proxy_hops", httpmwCfg.TrustedProxyHops,
	)

	// Setup pyroscope profiling early so we get profiles from the entire app lifetime
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
		"source":    "lmlabs-go-agent",
	}
	// Start profiling, returns a stop function to call for clean shutdown (flush buffers, etc)
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	// Setup otel for tracing
	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	// Start otel, returns a shutdown function to call for clean shutdown (flush buffers, etc)
	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx != nil {
		defer func() { _ = shutdownOtelx(context.Background()) }()
	}

	// Setup metrics, we use our own metrics package for internal instrumentation
	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, v.Component, &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	// Register per-query DB duration histogram and wire the observer.
	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sentinelmesh_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "outcome"})
	m.Registry().MustRegister(dbQueryDuration)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, method, route, outcome string, dur time.Duration) {
			dbQueryDuration.WithLabelValues(method, route, outcome).Observe(dur.Seconds())
		},
	))

	// subscribers are closed only after the workers using them have stopped
	var subscriberStops []stopFn

	// Messaging substrate shared by every pipeline stage in this process
	var sub *substrate
	if appCfg.Role != vc.RoleDispatch {
		sub, err = newSubstrate(&appCfg, L)
		if err != nil {
			return err
		}
		L.Info(ctx, "initialized messaging substrate", "kind", sub.kind)
	}

	// Pipeline orchestrator, configured with the stages this role runs
	pipelineMetrics := pipeline.NewMetrics(m.Registry())
	orchOpts := []pipeline.Option{
		pipeline.WithTopics(topicsFrom(&appCfg)),
		pipeline.WithMetrics(pipelineMetrics),
	}

	if appCfg.RunsEvaluator() || appCfg.RunsCore() {
		guard, closeGuard, err := newGuard(ctx, &appCfg, L)
		if err != nil {
			return err
		}
		defer func() { _ = closeGuard(context.Background()) }()
		orchOpts = append(orchOpts, pipeline.WithGuard(guard))
	}

	if appCfg.RunsEvaluator() {
		ev, err := newEvaluator(ctx, &appCfg, L, m.Registry())
		if err != nil {
			return fmt.Errorf("evaluator init: %w", err)
		}
		orchOpts = append(orchOpts, pipeline.WithEvaluator(ev))
	}

	// Live dispatch feed, only served where incidents are correlated
	var hub *livefeed.Hub
	var incidentStore incident.Store
	if appCfg.RunsCore() {
		// Initialize the incident store
		if appCfg.DatabaseURL != "" {
			pool, err := postgres.NewPool(ctx, appCfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("postgres pool: %w", err)
			}
			defer pool.Close()
			pgStore, err := pgstore.New(ctx, pool)
			if err != nil {
				return fmt.Errorf("pgstore init: %w", err)
			}
			incidentStore = pgStore
			L.Info(ctx, "using postgres store")
		} else {
			incidentStore = memstore.New()
			L.Info(ctx, "using in-memory store (no database-url configured)")
		}

		router, closeRouter, err := newRouter(ctx, &appCfg, L, m.Registry())
		if err != nil {
			return err
		}
		defer func() { _ = closeRouter(context.Background()) }()

		correlator := incident.NewCorrelator(incidentStore, router, newLocator(&appCfg), L)

		hub = livefeed.New(L, livefeed.WithAllowedOrigins(appCfg.FeedOrigins()...))
		notifiers := []pipeline.Notifier{hub}
		if appCfg.SlackWebhookURL != "" {
			notifiers = append(notifiers, slack.New(appCfg.SlackWebhookURL, L))
			L.Info(ctx, "notifier enabled", "type", "slack")
		}

		orchOpts = append(orchOpts,
			pipeline.WithCorrelator(correlator),
			pipeline.WithNotifiers(notifiers...),
		)
		if appCfg.Inline() {
			orchOpts = append(orchOpts, pipeline.WithInlineCorrelation())
		}
	}

	// Start pipeline workers on their own context so they keep consuming
	// through the drain period and stop only during component shutdown.
	workerCtx, cancelWorkers := context.WithCancel(log.WithContext(context.Background(), L))
	defer cancelWorkers()
	workersDone := make(chan error, 1)
	if sub != nil && (appCfg.RunsEvaluator() || appCfg.RunsCore()) {
		orch := pipeline.New(sub.pub, L, orchOpts...)

		g, gctx := errgroup.WithContext(workerCtx)
		startWorker := func(stage, topic string, h pipeline.Handler) error {
			s, err := sub.subscribe(stage, topic)
			if err != nil {
				return fmt.Errorf("%s subscriber: %w", stage, err)
			}
			subscriberStops = append(subscriberStops, stopFn{stage + " subscriber", func(context.Context) error { return s.Close() }})
			w := pipeline.NewWorker(stage, s, h, L, pipeline.WithHandleTimeout(appCfg.HandleTimeout()))
			g.Go(func() error { return w.Run(gctx) })
			return nil
		}
		if appCfg.RunsEvaluator() {
			if err := startWorker(pipeline.StageEvaluate, appCfg.TopicTelemetry, orch.HandleTelemetry); err != nil {
				return err
			}
		}
		if appCfg.RunsCore() && !appCfg.Inline() {
			if err := startWorker(pipeline.StageCorrelate, appCfg.TopicAnomaly, orch.HandleAnomaly); err != nil {
				return err
			}
		}
		go func() {
			err := g.Wait()
			if err != nil {
				L.Error(ctx, err, "pipeline worker failed, shutting down")
				stop()
			}
			workersDone <- err
		}()
	} else {
		workersDone <- nil
	}

	// setup toggle for server shutdown. this is used to fail readiness checks
	// during shutdown to drain connections from load balancer before killing the process.
	var shutdownGate health.ShutdownGate

	// setup readiness checks, currently just the shutdown gate
	readiness := health.All(
		shutdownGate.Probe(),
	)
	// liveness is always true if the app is able to respond
	liveness := health.Fixed(true, "")

	// Configure ops http server for metrics, health checks, pprof, etc
	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	// start admin/ops listener. sg restricts inbound to internal monitoring infrastructure.
	// we reject connections from public ips and requests with x-forwarded set in middleware
	// to prevent accidental exposure if sg is misconfigured or load balancer ever sends traffic here
	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		err := opsHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	// Routing gRPC service
	var routingStop func(context.Context) error
	if appCfg.RunsDispatch() {
		est, err := geo.NewEstimator(appCfg.ResponderSpeedMPS)
		if err != nil {
			return fmt.Errorf("route estimator: %w", err)
		}
		gs := dispatch.NewGRPCServer(dispatch.NewServer(est, L), L)
		grpcStop, err := dispatch.Start(ctx, fmt.Sprintf(":%d", appCfg.GRPCPort), gs, L)
		if err != nil {
			L.Error(ctx, err, "failed to start grpc listener")
			return err
		}
		defer func() { _ = grpcStop(context.Background()) }()
		routingStop = grpcStop
	}

	var apiStop func(context.Context) error
	if appCfg.ServesHTTP() {
		httpStop, err := startHTTP(ctx, L, &appCfg, &httpCfg, &httpmwCfg, m.Middleware,
			health.HealthzHandler(liveness), health.ReadyzHandler(readiness), sub, incidentStore, hub)
		if err != nil {
			return err
		}
		defer func() {
			err := httpStop(context.Background())
			if err != nil {
				L.Error(ctx, err, "failed to stop api http listener")
			}
		}()
		apiStop = httpStop
	}

	// Notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// Wait for ctrl+c / sigterm
	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")

	// fail health checks to drain connections
	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	// Wait for in-flight requests to finish and for load balancer
	// to detect unhealthy and stop sending new requests.
	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// Shutdown components with per-component budget sliced from total.
	// stopProf is synchronous and needs no context, so it's excluded.
	// api listener stops first so no new reports arrive while workers finish
	stopFns := []stopFn{
		{"api http server", apiStop},
		{"pipeline workers", func(ctx context.Context) error {
			cancelWorkers()
			select {
			case err := <-workersDone:
				return err
			case <-ctx.Done():
				return ctx.Err()
			}
		}},
		{"routing grpc server", routingStop},
	}
	stopFns = append(stopFns, subscriberStops...)
	if hub != nil {
		stopFns = append(stopFns, stopFn{"live feed", func(context.Context) error { return hub.Close() }})
	}
	if sub != nil {
		stopFns = append(stopFns, stopFn{"publisher", func(context.Context) error { return sub.pub.Close() }})
	}
	stopFns = append(stopFns,
		stopFn{"ops http server", opsHTTPStop},
		stopFn{"otel", shutdownOtelx},
	)

	budget := time.Duration(appCfg.ShutdownBudgetSeconds) * time.Second
	perComponent := budget / time.Duration(len(stopFns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stopFns {
		if s.fn == nil {
			continue
		}
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
	return nil
}

// startHTTP mounts the role's API surfaces behind the standard middleware
// stack and starts the listener.
func startHTTP(
	ctx context.Context,
	L log.Logger,
	appCfg *vc.Config,
	httpCfg *httpserver.Config,
	httpmwCfg *httpmw.Config,
	instrument func(http.Handler) http.Handler,
	healthz, readyz http.HandlerFunc,
	sub *substrate,
	store incident.Store,
	hub *livefeed.Hub,
) (func(context.Context) error, error) {
	// setup main api chi router and middleware stack
	r := chi.NewRouter()

	// Compress text responses (we are JSON only for now)
	r.Use(middleware.Compress(5, "application/json"))

	// Annotate logger (and tracer if trace is recording) with http.route from chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	// Stash HTTP method in context for DB query metrics labelling.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(postgres.WithHTTPMethod(req.Context(), req.Method)))
		})
	})

	// Access log middleware
	r.Use(httpmw.AccessLog())

	// Limit request body size, this is a wrapper around http.MaxBytesHandler which returns 413 if limit is exceeded
	r.Use(httpmw.MaxBody(1024 * 64)) // reports are small, 64KB leaves plenty of headroom

	// add health check endpoints to main listener
	r.Get("/-/healthy", healthz)
	r.Get("/-/ready", readyz)

	// register api routes
	if appCfg.ServesReports() {
		reportapi.New(L, sub.pub,
			reportapi.WithTopic(appCfg.TopicTelemetry),
			reportapi.WithRateLimit(appCfg.ReportsPerMinute),
		).RegisterRoutes(r)
	}
	if appCfg.RunsCore() {
		incidentapi.New(L, store).RegisterRoutes(r)
	}

	// middleware stack for main listener, order matters these are wrappers, outermost sees raw request
	// first and is last to see response, innermost is last to see request and first to see response but
	// has access to the full rich context from outer middleware and handlers
	var h http.Handler = r

	// Request-scoped logging (inner so it sees trace_id, chi route, etc)
	h = httpmw.WithLogger(L)(h)

	// add trace-id and span-id headers to any requests with a recording trace
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	// otel instrumentation for automatic spans and trace context propagation
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			// dont trace health/readiness checks
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		// AnnotateHTTPRoute will rename the span later to the final route pattern
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		// WithPublicEndpointFn is the replacement for WithPublicEndpoint()
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)

	// Metrics middleware for prometheus instrumentation
	h = instrument(h)

	// Client IP resolution and spoofing protection middleware, outer so downstream middleware
	// and handlers can use the resolved client ip from context for consistency and security
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: httpmwCfg.TrustedProxyHops,
	})(h)

	// Request ID (outer so everything downstream sees it)
	h = httpmw.RequestID("X-Request-Id")(h) // request ID

	// Recovery middleware to recover and log panics and serve 500 response.
	// Outer to catch panics from any downstream middleware or handlers
	h = httpmw.Recover(L, nil)(h)

	// Security headers outermost to ensure they are served on every response
	h = httpmw.SecurityHeaders(h)

	// the live feed needs the raw connection for the websocket upgrade, so it
	// sits beside the wrapped stack rather than inside it
	if hub != nil {
		outer := chi.NewRouter()
		hub.RegisterRoutes(outer)
		outer.Handle("/*", h)
		h = outer
	}

	// Configure http server options from config
	apiOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return nil, err
	}

	// Start API HTTP server with middleware and handlers
	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		return nil, err
	}
	return apiHTTPStop, nil
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // G704: addr is from NOTIFY_SOCKET set by systemd not user input, no context support in net package for unixgram sockets
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
