package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/peerpress/peerpress/internal/httpmw"
	"github.com/peerpress/peerpress/internal/log"
	"github.com/peerpress/peerpress/internal/probe"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool

	// OnPanic is called when the recover middleware catches a panic,
	// e.g. to increment a prometheus counter.
	OnPanic func()

	// MetricsMW wraps the handler for prometheus instrumentation.
	MetricsMW func(http.Handler) http.Handler

	// RateLimitMW wraps the handler for per-IP rate limiting. Applied after
	// client IP resolution so it sees the resolved address.
	RateLimitMW func(http.Handler) http.Handler

	Health    probe.Probe
	Readiness probe.Probe

	// RegisterRoutes adds routes (site serving, status APIs) to the router.
	RegisterRoutes func(chi.Router)

	ClientIPOpts httpmw.ClientIPOptions
}
