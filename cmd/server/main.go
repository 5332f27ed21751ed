// Carewatch is a clinical alert triage engine: it evaluates patient
// observations against alert rules, scores and ranks the resulting alerts,
// tracks their lifecycle and streams changes to clinicians.
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
	"github.com/linnemanlabs/go-core/health"
	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/otelx"
	"github.com/linnemanlabs/go-core/prof"
	v "github.com/linnemanlabs/go-core/version"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	vc "github.com/linnemanlabs/carewatch/internal/cfg"
	"github.com/linnemanlabs/carewatch/internal/postgres"
)

const appName = "carewatch"
const component = "server"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

// config bundles the flag-registered configuration of every component.
type config struct {
	app     vc.Config
	http    httpserver.Config
	httpmw  httpmw.Config
	log     log.Config
	ops     opshttp.Config
	prof    prof.Config
	tracing otelx.Config
}

// loadConfig parses flags, then fills unset ones from CAREWATCH_* env vars
// and validates the result. showVersion reports a -V invocation.
func loadConfig(fs *flag.FlagSet, args []string) (c config, showVersion bool, err error) {
	c.app.RegisterFlags(fs)
	c.http.RegisterFlags(fs)
	c.httpmw.RegisterFlags(fs)
	c.log.RegisterFlags(fs)
	c.ops.RegisterFlags(fs)
	c.prof.RegisterFlags(fs)
	c.tracing.RegisterFlags(fs)
	fs.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	if err := fs.Parse(args); err != nil {
		return c, false, err
	}
	if showVersion {
		return c, true, nil
	}

	// env vars never override flags given on the command line
	cfg.FillFromEnv(fs, "CAREWATCH_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		c.app.Validate(),
		c.http.Validate(),
		c.httpmw.Validate(),
		c.log.Validate(),
		c.ops.Validate(),
		c.prof.Validate(),
		c.tracing.Validate(),
	); err != nil {
		return c, false, fmt.Errorf("configuration validation failed: %w", err)
	}
	if c.app.APIPort == c.ops.Port {
		return c, false, fmt.Errorf("http and admin ports must differ (both %d)", c.app.APIPort)
	}
	return c, false, nil
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v.AppName = appName
	v.Component = component
	vi := v.Get()

	c, showVersion, err := loadConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		return err
	}
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	lg, err := log.New(c.log.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	L := lg.With("component", vi.Component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing carewatch",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"http_port", c.app.APIPort,
		"admin_port", c.ops.Port,
		"rules_file", c.app.RulesPath,
		"directory_file", c.app.DirectoryPath,
		"postgres", c.app.DatabaseURL != "",
		"redis", c.app.RedisURL != "",
		"slack", c.app.SlackWebhookURL != "",
		"sweeps", !c.app.DisableSweeps,
		"stream_heartbeat_seconds", c.app.StreamHeartbeatSeconds,
		"enable_pyroscope", c.prof.EnablePyroscope,
		"enable_tracing", c.tracing.EnableTracing,
		"trace_sample", c.tracing.TraceSample,
		"otlp_endpoint", c.tracing.OTLPEndpoint,
		"trusted_proxy_hops", c.httpmw.TrustedProxyHops,
	)

	// profiling starts first so profiles cover the whole process lifetime
	profOpts := c.prof.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
	}
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", c.prof.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	traceOpts := c.tracing.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version
	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx == nil {
		shutdownOtelx = func(context.Context) error { return nil }
	}

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, &vi)
	m.SetProfilingActive(profErr == nil && c.prof.EnablePyroscope)
	observeQueries(m.Registry())

	engine, err := buildApp(ctx, c.app, L, m.Registry())
	if err != nil {
		return err
	}
	defer engine.close()

	// the gate fails readiness while draining so the load balancer stops
	// routing new requests before listeners close
	var gate health.ShutdownGate
	readiness := health.All(gate.Probe())
	liveness := health.Fixed(true, "")

	opsOpts := c.ops.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic
	stopOps, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}

	r := chi.NewRouter()
	r.Use(middleware.Compress(5, "application/json"))
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(postgres.RequestStats)
	r.Use(httpmw.AccessLog())
	r.Use(httpmw.MaxBody(1024 * 64))
	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))
	engine.mount(r, c.app.APIToken)

	serverOpts, err := c.http.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		_ = stopOps(context.Background())
		return err
	}
	stopAPI, err := httpserver.Start(ctx, fmt.Sprintf(":%d", c.app.APIPort), wrapHandler(r, L, func(h http.Handler) http.Handler { return m.Middleware(h) }, c.httpmw), L, serverOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		_ = stopOps(context.Background())
		return err
	}

	// sweeps and the rule watcher start once the API accepts requests
	stopSweeps := engine.start(ctx)

	if err := notifySystemd(); err != nil {
		// systemd kills the unit after its start timeout if this really failed
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()
	L.Info(context.Background(), "shutdown signal received")

	gate.Set("draining")
	drain(L, time.Duration(c.app.DrainSeconds)*time.Second)

	shutdown(L, time.Duration(c.app.ShutdownBudgetSeconds)*time.Second, []stopStep{
		{"api http server", stopAPI},
		{"sweeps", stopSweeps},
		{"ops http server", stopOps},
		{"otel", shutdownOtelx},
	})
	L.Info(context.Background(), "shutdown complete")
	return nil
}

// observeQueries registers the per-query duration histogram and installs
// it as the postgres query observer.
func observeQueries(reg prometheus.Registerer) {
	dur := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "carewatch_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "outcome"})
	reg.MustRegister(dur)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, method, route, outcome string, d time.Duration) {
			dur.WithLabelValues(method, route, outcome).Observe(d.Seconds())
		},
	))
}

// wrapHandler applies the outer middleware. The last wrapper applied sees
// the raw request first.
func wrapHandler(r http.Handler, L log.Logger, instrument func(http.Handler) http.Handler, c httpmw.Config) http.Handler {
	h := httpmw.WithLogger(L)(r)
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		// AnnotateHTTPRoute renames the span to the route pattern later
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(*http.Request) bool { return true }),
	)
	h = instrument(h)
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{TrustedHops: c.TrustedProxyHops})(h)
	h = httpmw.RequestID("X-Request-Id")(h)
	h = httpmw.Recover(L, nil)(h)
	return httpmw.SecurityHeaders(h)
}

// drain waits out the drain period so in-flight requests finish and the
// load balancer notices the failing readiness probe. A second signal cuts
// it short.
func drain(L log.Logger, d time.Duration) {
	force := make(chan os.Signal, 1)
	signal.Notify(force, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(force)

	L.Info(context.Background(), "draining", "drain_seconds", d.Seconds())
	select {
	case <-time.After(d):
		L.Info(context.Background(), "drain period complete")
	case <-force:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
}

type stopStep struct {
	name string
	fn   func(context.Context) error
}

// shutdown runs steps in order, giving each an equal slice of budget.
func shutdown(L log.Logger, budget time.Duration, steps []stopStep) {
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	per := budget / time.Duration(len(steps))
	for _, s := range steps {
		sctx, scancel := context.WithTimeout(ctx, per)
		if err := s.fn(sctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		scancel()
	}
}

func notifySystemd() error {
	// set by systemd for Type=notify units
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
