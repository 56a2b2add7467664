package httpmw

import (
	"net/http"
	"runtime/debug"

	"github.com/peerpress/peerpress/internal/log"
	"github.com/peerpress/peerpress/internal/xerrors"
)

// Recover converts handler panics into 500 responses and logs them with a
// stack trace. onPanic is optional (metrics counter, alerting).
func Recover(base log.Logger, onPanic func()) func(http.Handler) http.Handler {
	if base == nil {
		base = log.Nop()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				// http.ErrAbortHandler is the sanctioned way to abort a
				// response; re-panic so the server handles it normally.
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				if onPanic != nil {
					onPanic()
				}

				var err error
				if e, ok := rec.(error); ok {
					err = xerrors.Wrap(e, "panic")
				} else {
					err = xerrors.Newf("panic: %v", rec)
				}

				l := base.With(
					"method", r.Method,
					"path", r.URL.Path,
					"panic_stack", string(debug.Stack()),
				)
				l.Error(r.Context(), err, "httpserver panic recovered")

				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}()

			next.ServeHTTP(w, r)
		})
	}
}
