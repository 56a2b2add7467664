package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/peerpress/peerpress/internal/log"
)

// Backend selects how the overlay and bundle store are wired.
const (
	BackendLocal = "local"
	BackendAWS   = "aws"
)

type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	HTTPPort    int
	AdminPort   int
	EnablePprof bool

	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64

	// DataDir holds keys/, metadata/, bundles/ and audit/.
	DataDir string

	// Backend selects local (in-process overlay + on-disk bundle store) or
	// aws (SSM pointer overlay + S3 bundle store).
	Backend string

	OverlaySSMPrefix string
	BundleS3Bucket   string
	BundleS3Prefix   string

	// KeyKMSARN enables KMS envelope wrapping of site private keys at rest.
	// Empty means passphrase sealing only.
	KeyKMSARN string

	EnableWatch    bool
	WatchInterval  time.Duration
	ResolveTimeout time.Duration

	EnableNetSafety bool
	ProbeInterval   time.Duration
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.DataDir, "data-dir", "data", "root directory for keys, metadata, bundles and audit segments")
	fs.StringVar(&c.Backend, "backend", BackendLocal, "overlay/bundle backend: local|aws")
	fs.StringVar(&c.OverlaySSMPrefix, "overlay-ssm-prefix", "/app/peerpress/overlay/pointers", "ssm parameter prefix for published pointer records")
	fs.StringVar(&c.BundleS3Bucket, "bundle-s3-bucket", "", "s3 bucket name for content bundles")
	fs.StringVar(&c.BundleS3Prefix, "bundle-s3-prefix", "apps/peerpress/bundles", "s3 prefix (key) for content bundles")
	fs.StringVar(&c.KeyKMSARN, "key-kms-arn", "", "KMS key ARN for wrapping site private keys at rest (optional)")
	fs.BoolVar(&c.EnableWatch, "enable-watch", true, "Enable polling the overlay for updates to tracked sites")
	fs.DurationVar(&c.WatchInterval, "watch-interval", 30*time.Second, "interval between overlay polls for tracked sites")
	fs.DurationVar(&c.ResolveTimeout, "resolve-timeout", 30*time.Second, "bound on a single overlay resolve")
	fs.BoolVar(&c.EnableNetSafety, "enable-net-safety", true, "Enable the egress safety monitor and kill switch")
	fs.DurationVar(&c.ProbeInterval, "probe-interval", 30*time.Second, "interval between egress safety probes")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	// Tracing sample
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	// Pyroscope (URL and scheme)
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	// Error link limits
	if c.IncludeErrorLinks {
		if c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64 {
			errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
		}
	}

	if c.DataDir == "" {
		errs = append(errs, fmt.Errorf("DATA_DIR is required"))
	}

	switch c.Backend {
	case BackendLocal:
		// nothing extra
	case BackendAWS:
		if c.OverlaySSMPrefix == "" {
			errs = append(errs, fmt.Errorf("OVERLAY_SSM_PREFIX is required when BACKEND=aws"))
		}
		if c.BundleS3Bucket == "" {
			errs = append(errs, fmt.Errorf("BUNDLE_S3_BUCKET is required when BACKEND=aws"))
		}
		if c.BundleS3Prefix == "" {
			errs = append(errs, fmt.Errorf("BUNDLE_S3_PREFIX is required when BACKEND=aws"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid BACKEND %q (must be local|aws)", c.Backend))
	}

	if c.EnableWatch && c.WatchInterval < time.Second {
		errs = append(errs, fmt.Errorf("WATCH_INTERVAL must be >= 1s (got %s)", c.WatchInterval))
	}
	if c.ResolveTimeout < time.Second {
		errs = append(errs, fmt.Errorf("RESOLVE_TIMEOUT must be >= 1s (got %s)", c.ResolveTimeout))
	}
	if c.EnableNetSafety && c.ProbeInterval < time.Second {
		errs = append(errs, fmt.Errorf("PROBE_INTERVAL must be >= 1s (got %s)", c.ProbeInterval))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
