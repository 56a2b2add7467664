// Package pathguard validates a client-requested relative path against
// a site's sandbox root before any file I/O. It is stateless and safe
// for unrestricted concurrent use.
//
// Rejections are individually distinguishable via Reason for audit
// logging, but callers must present them uniformly to remote clients.
package pathguard

import (
	"net/url"
	"path/filepath"
	"strings"

	"github.com/peerpress/peerpress/internal/xerrors"
)

// Reason identifies which validation step rejected a path.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonAbsolutePath
	ReasonNulByte
	ReasonEmptyPath
	ReasonBadSegment
	ReasonResolveFailed
	ReasonEscapesRoot
	ReasonBadExtension
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonAbsolutePath:
		return "absolute_path"
	case ReasonNulByte:
		return "nul_byte"
	case ReasonEmptyPath:
		return "empty_path"
	case ReasonBadSegment:
		return "bad_segment"
	case ReasonResolveFailed:
		return "resolve_failed"
	case ReasonEscapesRoot:
		return "escapes_root"
	case ReasonBadExtension:
		return "bad_extension"
	default:
		return "unknown"
	}
}

// RejectError carries the internal rejection reason. The client-visible
// message is uniform regardless of reason.
type RejectError struct {
	Reason Reason
	Path   string
}

func (e *RejectError) Error() string {
	return "pathguard: invalid path (" + e.Reason.String() + ")"
}

func reject(reason Reason, path string) error {
	return &RejectError{Reason: reason, Path: path}
}

// allowedExtensions is the fixed allow-list of servable content types.
// Executables, shell/interpreter scripts, and archives are excluded.
var allowedExtensions = map[string]bool{
	".html": true, ".htm": true, ".css": true, ".js": true,
	".json": true, ".txt": true, ".md": true,
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".svg": true, ".webp": true, ".ico": true,
	".woff": true, ".woff2": true, ".ttf": true, ".otf": true, ".eot": true,
	".xml": true, ".pdf": true,
	".mp3": true, ".mp4": true, ".webm": true, ".ogg": true,
}

// AllowedExtension reports whether ext (with leading dot) is servable.
func AllowedExtension(ext string) bool {
	return allowedExtensions[strings.ToLower(ext)]
}

func safeSegment(seg string) bool {
	for i := 0; i < len(seg); i++ {
		c := seg[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '.' || c == '-':
		default:
			return false
		}
	}
	return true
}

// Resolve validates userPath against sandboxRoot and returns the
// absolute on-disk path it may serve. Checks are applied in a fixed
// order and the first failure wins.
//
// sandboxRoot must be absolute; a relative root is a contract violation
// by the caller, not a client rejection.
func Resolve(userPath, sandboxRoot string) (string, error) {
	if !filepath.IsAbs(sandboxRoot) {
		return "", xerrors.Newf("pathguard: sandbox root %q is not absolute", sandboxRoot)
	}

	// absolute paths, Windows drive letters, NUL
	if strings.HasPrefix(userPath, "/") || strings.HasPrefix(userPath, "\\") || hasDriveLetter(userPath) {
		return "", reject(ReasonAbsolutePath, userPath)
	}
	if strings.ContainsRune(userPath, 0) {
		return "", reject(ReasonNulByte, userPath)
	}

	trimmed := strings.Trim(strings.TrimSpace(userPath), "/\\")
	if trimmed == "" {
		return "", reject(ReasonEmptyPath, userPath)
	}

	// decode exactly once: defeats single-encoded traversal without
	// opening a second decoding oracle for double-encoded input
	if decoded, err := url.QueryUnescape(trimmed); err == nil {
		trimmed = decoded
	}
	if strings.ContainsRune(trimmed, 0) {
		return "", reject(ReasonNulByte, userPath)
	}

	segments := strings.Split(strings.ReplaceAll(trimmed, "\\", "/"), "/")
	for _, seg := range segments {
		if seg == "" || seg == "." || seg == ".." || !safeSegment(seg) {
			return "", reject(ReasonBadSegment, userPath)
		}
	}

	joined := filepath.Join(append([]string{sandboxRoot}, segments...)...)

	resolvedRoot, err := filepath.EvalSymlinks(sandboxRoot)
	if err != nil {
		return "", reject(ReasonResolveFailed, userPath)
	}
	resolved, err := resolveLenient(joined)
	if err != nil {
		return "", reject(ReasonResolveFailed, userPath)
	}

	// containment against the resolved root, so a symlinked root itself
	// cannot be used to escape
	rel, err := filepath.Rel(resolvedRoot, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", reject(ReasonEscapesRoot, userPath)
	}

	if !AllowedExtension(filepath.Ext(resolved)) {
		return "", reject(ReasonBadExtension, userPath)
	}

	return resolved, nil
}

// resolveLenient resolves symlinks in the longest existing prefix of
// path, keeping the non-existent tail. A request for a file that does
// not exist yet must fail containment or extension checks, not the
// symlink walk.
func resolveLenient(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err == nil {
		return resolved, nil
	}

	dir, base := filepath.Split(filepath.Clean(path))
	dir = strings.TrimSuffix(dir, string(filepath.Separator))
	if dir == "" || dir == path {
		return "", err
	}
	resolvedDir, err := resolveLenient(dir)
	if err != nil {
		return "", err
	}
	return filepath.Join(resolvedDir, base), nil
}

func hasDriveLetter(p string) bool {
	if len(p) < 3 {
		return false
	}
	c := p[0]
	isAlpha := c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
	return isAlpha && p[1] == ':' && (p[2] == '\\' || p[2] == '/')
}
