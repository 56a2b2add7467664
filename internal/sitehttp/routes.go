// Package sitehttp registers the public content routes on a chi
// router: /{siteID} for the site root and /{siteID}/* for files
// within it.
package sitehttp

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// SiteServer is implemented by sitehandler.Handler.
type SiteServer interface {
	Serve(w http.ResponseWriter, r *http.Request, siteID, path string)
}

type Routes struct {
	site SiteServer
}

func New(site SiteServer) *Routes {
	return &Routes{site: site}
}

// RegisterRoutes should be passed LAST so control routes registered by
// other registrars keep precedence.
func (rt *Routes) RegisterRoutes(r chi.Router) {
	r.Get("/{siteID}", rt.serveRoot)
	r.Head("/{siteID}", rt.serveRoot)
	r.Get("/{siteID}/*", rt.serveFile)
	r.Head("/{siteID}/*", rt.serveFile)
}

func (rt *Routes) serveRoot(w http.ResponseWriter, r *http.Request) {
	rt.site.Serve(w, r, chi.URLParam(r, "siteID"), "")
}

func (rt *Routes) serveFile(w http.ResponseWriter, r *http.Request) {
	rt.site.Serve(w, r, chi.URLParam(r, "siteID"), chi.URLParam(r, "*"))
}
