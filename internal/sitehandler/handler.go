// Package sitehandler serves resolved site content over HTTP. Every
// client-supplied path goes through pathguard before any file I/O, and
// every rejection is audited with full detail while the client only
// ever sees a generic status line.
package sitehandler

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"

	"github.com/peerpress/peerpress/internal/audit"
	"github.com/peerpress/peerpress/internal/httpmw"
	"github.com/peerpress/peerpress/internal/identity"
	"github.com/peerpress/peerpress/internal/log"
	"github.com/peerpress/peerpress/internal/pathguard"
	"github.com/peerpress/peerpress/internal/site"
	"github.com/peerpress/peerpress/internal/xerrors"
)

// ErrInvalidOptions is returned by New for a misconfigured handler.
var ErrInvalidOptions = xerrors.New("sitehandler: invalid options")

// SiteProvider is the slice of the site registry the handler needs.
type SiteProvider interface {
	Get(siteID string) (*site.State, bool)
}

// Metrics is implemented by the metrics package.
type Metrics interface {
	IncSecurityViolation(vtype string)
}

type Options struct {
	Logger log.Logger

	// Sites resolves a site id to its active content snapshot.
	Sites SiteProvider

	// Audit receives FILE_ACCESS and SECURITY_VIOLATION events.
	// Optional.
	Audit *audit.Chain

	Metrics Metrics
}

func (o *Options) validate() error {
	if o.Sites == nil {
		return xerrors.Wrap(ErrInvalidOptions, "Sites is nil")
	}
	return nil
}

// Handler maps (siteID, path) requests onto sandboxed site content.
type Handler struct {
	opts Options
}

func New(opts *Options) (*Handler, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &Handler{opts: *opts}, nil
}

// Serve handles one request for a file inside a site. The path is the
// site-relative remainder of the URL, already stripped of the site id
// prefix by the router.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, siteID, reqPath string) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	clientIP := httpmw.ClientIPFromContext(ctx)

	if !identity.ValidateSiteID(siteID) {
		h.opts.Logger.Info(ctx, "rejected malformed site id", "client_ip", clientIP)
		http.Error(w, "invalid site id", http.StatusBadRequest)
		return
	}

	state, ok := h.opts.Sites.Get(siteID)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	snap, ok := state.Get()
	if !ok {
		// tracked but not yet resolved and downloaded
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	if reqPath == "" || reqPath == "/" {
		reqPath = "index.html"
	}

	resolved, err := pathguard.Resolve(reqPath, snap.ContentDir)
	if err != nil {
		h.rejectPath(ctx, w, siteID, reqPath, clientIP, err)
		return
	}

	f, err := os.Open(resolved)
	if err != nil {
		h.fileAccess(ctx, siteID, reqPath, false, clientIP)
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		h.fileAccess(ctx, siteID, reqPath, false, clientIP)
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	h.fileAccess(ctx, siteID, reqPath, true, clientIP)
	// ServeContent rather than ServeFile: the latter redirects paths
	// ending in /index.html. Content type comes from the validated
	// extension via the name argument.
	http.ServeContent(w, r, filepath.Base(resolved), info.ModTime(), f)
}

// rejectPath handles a pathguard rejection: full detail to the audit
// trail, a bare 403 to the client so the validation order can't be
// probed.
func (h *Handler) rejectPath(ctx context.Context, w http.ResponseWriter, siteID, reqPath, clientIP string, err error) {
	var rej *pathguard.RejectError
	reason := pathguard.ReasonNone.String()
	if errors.As(err, &rej) {
		reason = rej.Reason.String()
	} else {
		// contract violation (relative sandbox root) is an internal
		// fault, not a client error
		h.opts.Logger.Error(ctx, err, "path validation contract failure", "site_id", siteID)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	h.opts.Logger.Warn(ctx, "path rejected",
		"site_id", siteID, "reason", reason, "client_ip", clientIP)
	if h.opts.Metrics != nil {
		h.opts.Metrics.IncSecurityViolation("path_" + reason)
	}
	if h.opts.Audit != nil {
		if aerr := h.opts.Audit.SecurityViolation("path_rejected", map[string]any{
			"site_id":   siteID,
			"path":      reqPath,
			"reason":    reason,
			"client_ip": clientIP,
		}); aerr != nil {
			h.opts.Logger.Error(ctx, aerr, "failed to audit path rejection")
		}
	}
	h.fileAccess(ctx, siteID, reqPath, false, clientIP)
	http.Error(w, "forbidden", http.StatusForbidden)
}

func (h *Handler) fileAccess(ctx context.Context, siteID, reqPath string, success bool, clientIP string) {
	if h.opts.Audit == nil {
		return
	}
	if err := h.opts.Audit.FileAccess(siteID, reqPath, success, clientIP); err != nil {
		h.opts.Logger.Error(ctx, err, "failed to audit file access")
	}
}
