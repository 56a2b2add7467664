package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/peerpress/peerpress/internal/audit"
	"github.com/peerpress/peerpress/internal/bundle"
	"github.com/peerpress/peerpress/internal/cfg"
	"github.com/peerpress/peerpress/internal/fetch"
	"github.com/peerpress/peerpress/internal/httpserver"
	"github.com/peerpress/peerpress/internal/identity"
	"github.com/peerpress/peerpress/internal/log"
	"github.com/peerpress/peerpress/internal/metrics"
	"github.com/peerpress/peerpress/internal/netsafe"
	"github.com/peerpress/peerpress/internal/opshttp"
	"github.com/peerpress/peerpress/internal/otelx"
	"github.com/peerpress/peerpress/internal/overlay"
	"github.com/peerpress/peerpress/internal/pointer"
	"github.com/peerpress/peerpress/internal/probe"
	"github.com/peerpress/peerpress/internal/prof"
	"github.com/peerpress/peerpress/internal/ratelimit"
	"github.com/peerpress/peerpress/internal/scanner"
	"github.com/peerpress/peerpress/internal/site"
	"github.com/peerpress/peerpress/internal/sitehandler"
	"github.com/peerpress/peerpress/internal/sitehttp"
	"github.com/peerpress/peerpress/internal/sitestore"
	v "github.com/peerpress/peerpress/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			v.AppName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	// Precedence: cli flag > env var > default
	cfg.FillFromEnv(flag.CommandLine, "PEERPRESS_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	stLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid stacktrace level %s: %v\n", conf.StacktraceLevel, err)
		os.Exit(1)
	}
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           vi.Version,
		Commit:            vi.Commit,
		BuildId:           vi.BuildId,
		Level:             lvl,
		StacktraceLevel:   stLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", "daemon")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"backend", conf.Backend,
		"data_dir", conf.DataDir,
		"enable_watch", conf.EnableWatch,
		"enable_net_safety", conf.EnableNetSafety,
	)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": "daemon",
			"version":   vi.Version,
			"commit":    vi.Commit,
		},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer func() { stopProf() }()

	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "daemon",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "daemon", vi)
	m.SetProfilingActive(conf.EnablePyroscope)

	// local state: site metadata + keys, audit segments, bundle data
	store, err := sitestore.Open(conf.DataDir)
	if err != nil {
		L.Error(ctx, err, "failed to open site store", "data_dir", conf.DataDir)
		os.Exit(1)
	}
	chain, err := audit.Open(audit.Options{
		Dir:      filepath.Join(conf.DataDir, "audit"),
		Logger:   L,
		OnAppend: func(event string) { m.IncAuditEvent(event) },
	})
	if err != nil {
		L.Error(ctx, err, "failed to open audit chain")
		os.Exit(1)
	}
	defer chain.Close()

	// content blocklist: fetched bundles with a matching file hash are
	// quarantined instead of served
	blocklist, err := scanner.LoadBlocklist(filepath.Join(conf.DataDir, "blocklist.json"))
	if err != nil {
		L.Error(ctx, err, "failed to load content blocklist")
		os.Exit(1)
	}
	scan, err := scanner.New(scanner.Options{
		Blocklist:     blocklist,
		QuarantineDir: filepath.Join(conf.DataDir, "quarantine"),
		Logger:        L,
		Audit:         chain,
		Metrics:       m,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create content scanner")
		os.Exit(1)
	}
	if n := blocklist.Len(); n > 0 {
		L.Info(ctx, "content blocklist loaded", "blocked_hashes", n)
	}

	// overlay + bundle transport, local or AWS
	var (
		ov     overlay.Overlay
		fetchS fetch.Service
		sealer identity.Sealer
	)
	switch conf.Backend {
	case cfg.BackendAWS:
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			L.Error(ctx, err, "failed to load AWS config")
			os.Exit(1)
		}
		ov, err = overlay.NewSSM(ssm.NewFromConfig(awsCfg), overlay.SSMOptions{
			Prefix: conf.OverlaySSMPrefix,
			Prefer: pointer.PreferHighestSequence(),
			Logger: L,
		})
		if err != nil {
			L.Error(ctx, err, "failed to create SSM overlay")
			os.Exit(1)
		}
		fetchS, err = fetch.NewS3(s3.NewFromConfig(awsCfg), fetch.S3Options{
			Bucket:     conf.BundleS3Bucket,
			Prefix:     conf.BundleS3Prefix,
			ExtractDir: filepath.Join(conf.DataDir, "extract"),
			Logger:     L,
			Scanner:    scan,
		})
		if err != nil {
			L.Error(ctx, err, "failed to create S3 bundle service")
			os.Exit(1)
		}
		if conf.KeyKMSARN != "" {
			sealer = identity.NewKMSSealer(kms.NewFromConfig(awsCfg), conf.KeyKMSARN)
		}
	default:
		ov = overlay.NewMemory(pointer.PreferHighestSequence())
		fetchS, err = fetch.NewLocal(filepath.Join(conf.DataDir, "bundles"), L, scan)
		if err != nil {
			L.Error(ctx, err, "failed to create local bundle store")
			os.Exit(1)
		}
	}
	if sealer == nil {
		if pass := os.Getenv("PEERPRESS_KEY_PASSPHRASE"); pass != "" {
			sealer = identity.PassphraseSealer{Passphrase: []byte(pass)}
		}
	}

	protocol, err := pointer.New(pointer.Options{
		Overlay:        ov,
		Store:          store,
		Audit:          chain,
		Logger:         L,
		Metrics:        m,
		ResolveTimeout: conf.ResolveTimeout,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create pointer protocol")
		os.Exit(1)
	}

	registry := site.NewRegistry()

	// re-publish locally owned sites whose keys we can unseal, so a
	// restart seeds the overlay again
	republishOwnedSites(ctx, L, store, sealer, protocol, fetchS)

	watcher, err := pointer.NewWatcher(pointer.WatcherOptions{
		Resolver: protocol,
		Fetcher:  fetchS,
		Logger:   L,
		Metrics:  m,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create site watcher")
		os.Exit(1)
	}
	if conf.EnableWatch {
		go watcher.Run(ctx)
	}

	siteIDs, err := store.List()
	if err != nil {
		L.Error(ctx, err, "failed to list tracked sites")
		os.Exit(1)
	}
	for _, siteID := range siteIDs {
		trackSite(ctx, L, registry, watcher, store, conf.WatchInterval, siteID)
	}
	m.SetSitesTracked(registry.Len())
	L.Info(ctx, "tracking sites", "count", registry.Len())

	siteHandler, err := sitehandler.New(&sitehandler.Options{
		Logger:  L,
		Sites:   registry,
		Audit:   chain,
		Metrics: m,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create site handler")
		os.Exit(1)
	}
	siteRoutes := sitehttp.New(siteHandler)

	limiter := ratelimit.New(ctx,
		ratelimit.WithOnDenied(func(ip string) {
			m.IncRateLimitDenied()
		}),
		ratelimit.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "rate limit triggered", "ip", ip)
		}),
		ratelimit.WithOnCapacity(func() {
			m.IncRateLimitCapacity()
			L.Warn(ctx, "rate limit capacity reached, rejecting new visitors until some are evicted")
		}),
	)

	// readiness fails while draining, and while egress is unsafe when
	// the safety monitor is enabled
	var gate probe.ShutdownGate
	readiness := probe.Multi(gate.Probe())

	var monitor *netsafe.Monitor
	if conf.EnableNetSafety {
		monitor, err = netsafe.NewMonitor(netsafe.MonitorOptions{
			Prober:   netsafe.NewHTTPProber(netsafe.HTTPProberOptions{Logger: L}),
			Interval: conf.ProbeInterval,
			Audit:    chain,
			Logger:   L,
			Metrics:  m,
			OnEmergency: func(reason string) {
				L.Error(ctx, fmt.Errorf("egress unsafe: %s", reason), "emergency shutdown, stopping daemon")
				stop()
			},
		})
		if err != nil {
			L.Error(ctx, err, "failed to create egress safety monitor")
			os.Exit(1)
		}
		readiness = probe.Multi(gate.Probe(), probe.Func(func(context.Context) error {
			if !monitor.Safe() {
				return fmt.Errorf("egress safety: %s", monitor.State())
			}
			return nil
		}))
		go monitor.Run(ctx)
	}

	siteHTTPStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:         L,
		Port:           conf.HTTPPort,
		Health:         probe.Static(true, ""),
		Readiness:      readiness,
		RegisterRoutes: siteRoutes.RegisterRoutes,
		UseRecoverMW:   true,
		OnPanic:        m.IncHttpPanic,
		MetricsMW:      m.Middleware,
		RateLimitMW:    limiter.Middleware,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start site http listener")
		os.Exit(1)
	}
	defer func() { _ = siteHTTPStop(context.Background()) }()

	opsHTTPStop, err := opshttp.Start(ctx, L, opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       probe.Static(true, ""),
		Readiness:    readiness,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	if err := notifySystemd(); err != nil {
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	L.Info(context.Background(), "shutdown signal received, draining")

	// fail readiness so load balancers stop sending traffic, then give
	// in-flight requests a moment; a second signal skips the wait
	gate.Set("draining")
	sigCtx, stopSig := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(5 * time.Second):
	case <-sigCtx.Done():
		L.Warn(context.Background(), "second signal received, skipping drain wait")
	}
	stopSig()

	if err := siteHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "site http server shutdown")
	}
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}
	if monitor != nil {
		monitor.Stop()
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}
	stopProf()

	L.Info(context.Background(), "shutdown complete")
}

// trackSite registers a site with the serving registry and, when
// watching is enabled, subscribes it for pointer updates that hot-swap
// the served snapshot.
func trackSite(ctx context.Context, L log.Logger, registry *site.Registry, watcher *pointer.Watcher, store *sitestore.Store, interval time.Duration, siteID string) {
	state := registry.Track(siteID)
	watcher.Watch(siteID, interval, func(ptr *pointer.Pointer, contentDir string) {
		state.Set(site.Snapshot{Pointer: *ptr, ContentDir: contentDir})
		meta, err := store.Load(siteID)
		if err != nil {
			L.Error(ctx, err, "failed to load metadata after swap", "site_id", siteID)
			return
		}
		if ptr.Sequence > meta.CurrentSequence {
			meta.CurrentSequence = ptr.Sequence
			meta.CurrentBundleID = ptr.BundleID
			if err := store.Save(meta); err != nil {
				L.Error(ctx, err, "failed to persist metadata after swap", "site_id", siteID)
			}
		}
		L.Info(ctx, "site content swapped",
			"site_id", siteID, "sequence", ptr.Sequence, "bundle_id", ptr.BundleID)
	})
}

// republishOwnedSites packages and publishes every locally owned site
// whose sealed key the configured sealer can open. Sites without an
// openable key are still served and watched, just not re-announced.
func republishOwnedSites(ctx context.Context, L log.Logger, store *sitestore.Store, sealer identity.Sealer, protocol *pointer.Protocol, fetchS fetch.Service) {
	siteIDs, err := store.List()
	if err != nil {
		L.Error(ctx, err, "failed to list sites for republish")
		return
	}
	for _, siteID := range siteIDs {
		meta, err := store.Load(siteID)
		if err != nil {
			L.Error(ctx, err, "corrupt site metadata, skipping republish", "site_id", siteID)
			continue
		}
		if meta.LocalContentRoot == "" || sealer == nil {
			continue
		}

		blob, err := store.LoadKey(siteID)
		if err != nil {
			L.Warn(ctx, "no key for owned site, skipping republish", "site_id", siteID)
			continue
		}
		priv, err := sealer.Unseal(ctx, blob)
		if err != nil {
			L.Error(ctx, err, "failed to unseal site key, skipping republish", "site_id", siteID)
			continue
		}
		id, err := identity.FromPrivateKey(priv)
		if err != nil {
			L.Error(ctx, err, "invalid site key, skipping republish", "site_id", siteID)
			continue
		}

		b, err := bundle.Package(ctx, meta.LocalContentRoot)
		if err != nil {
			L.Error(ctx, err, "failed to package site content", "site_id", siteID, "root", meta.LocalContentRoot)
			continue
		}
		if b.ID == meta.CurrentBundleID {
			// content unchanged since the last publish; the stored
			// pointer already names this bundle
			continue
		}
		if _, err := fetchS.Publish(ctx, meta.LocalContentRoot); err != nil {
			L.Error(ctx, err, "failed to publish bundle content", "site_id", siteID)
			continue
		}
		ptr, err := protocol.Publish(ctx, id, b)
		if err != nil {
			L.Error(ctx, err, "failed to publish pointer", "site_id", siteID)
			continue
		}
		L.Info(ctx, "republished site",
			"site_id", siteID, "sequence", ptr.Sequence, "bundle_id", ptr.BundleID)
	}
}

func notifySystemd() error {
	// systemd sets NOTIFY_SOCKET when started with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	conn.Write([]byte("READY=1"))
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
