// Package netsafe watches observed network egress and trips an
// emergency shutdown when the egress path stops looking safe. The
// probe is advisory at best — it cannot prove a tunnel is up — so the
// monitor fails closed: an unreachable or inconclusive probe counts as
// unsafe.
package netsafe

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/peerpress/peerpress/internal/log"
	"github.com/peerpress/peerpress/internal/xerrors"
)

// Status is one probe observation.
type Status struct {
	// Safe reports whether the observed egress address looks like a
	// routable public address.
	Safe bool

	// Address is the observed public address, empty when none could be
	// determined.
	Address string
}

// Prober observes the current egress condition. Implementations must
// honor ctx cancellation.
type Prober interface {
	Probe(ctx context.Context) (Status, error)
}

// DefaultEchoEndpoints are redundant IP-echo services tried in order.
var DefaultEchoEndpoints = []string{
	"https://api.ipify.org?format=json",
	"https://ifconfig.me/ip",
}

const probeRequestTimeout = 5 * time.Second

// HTTPProber asks redundant IP-echo endpoints for the apparent public
// address. The first endpoint that answers wins; private and loopback
// answers are reported unsafe.
type HTTPProber struct {
	endpoints []string
	client    *http.Client
	logger    log.Logger
}

type HTTPProberOptions struct {
	// Endpoints overrides DefaultEchoEndpoints (tests).
	Endpoints []string

	// Client overrides the default HTTP client.
	Client *http.Client

	Logger log.Logger
}

func NewHTTPProber(opts HTTPProberOptions) *HTTPProber {
	endpoints := opts.Endpoints
	if len(endpoints) == 0 {
		endpoints = DefaultEchoEndpoints
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: probeRequestTimeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	return &HTTPProber{endpoints: endpoints, client: client, logger: logger}
}

// Probe queries the echo endpoints in order and classifies the first
// answer. No answer from any endpoint is an error; callers treat it as
// unsafe.
func (p *HTTPProber) Probe(ctx context.Context) (Status, error) {
	var lastErr error
	for _, endpoint := range p.endpoints {
		addr, err := p.fetchAddress(ctx, endpoint)
		if err != nil {
			lastErr = err
			p.logger.Debug(ctx, "egress probe endpoint failed", "endpoint", endpoint, "error", err.Error())
			continue
		}
		return Status{Safe: isPublicAddress(addr), Address: addr}, nil
	}
	if lastErr == nil {
		lastErr = xerrors.New("netsafe: no probe endpoints configured")
	}
	return Status{}, xerrors.Wrap(lastErr, "netsafe: all probe endpoints failed")
}

func (p *HTTPProber) fetchAddress(ctx context.Context, endpoint string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", xerrors.Wrapf(err, "netsafe: build probe request for %s", endpoint)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", xerrors.Newf("netsafe: probe endpoint %s returned %d", endpoint, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", xerrors.Wrap(err, "netsafe: read probe response")
	}

	// endpoints answer either {"ip": "..."} or a bare address line
	var parsed struct {
		IP string `json:"ip"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.IP != "" {
		return parsed.IP, nil
	}
	addr := strings.TrimSpace(string(body))
	if addr == "" {
		return "", xerrors.Newf("netsafe: empty probe response from %s", endpoint)
	}
	return addr, nil
}

// isPublicAddress reports whether addr parses as a routable public IP.
// Unparseable input counts as non-public.
func isPublicAddress(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	return !(ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsUnspecified())
}
