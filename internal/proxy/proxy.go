// Package proxy implements the worktree HTTP proxy (spec §4.6): a
// single handler registered under the `/wt/:name` prefix that forwards
// requests, including WebSocket upgrades, to a running worktree's own
// container HTTP port.
package proxy

import (
	"encoding/json"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"github.com/orchestrator/devchain/internal/gitrunner"
	"github.com/orchestrator/devchain/internal/logging"
	"github.com/orchestrator/devchain/internal/store"
)

const prefix = "/wt/"

// WorktreeLookup is the subset of *store.Store the proxy depends on.
type WorktreeLookup interface {
	FindWorktreeByName(name string) (*store.Worktree, error)
}

// Handler is the `ALL /wt/:name/*` HTTP handler described in spec §4.6
// and the core's HTTP surface table.
type Handler struct {
	store WorktreeLookup
}

// New builds a Handler backed by store.
func New(st WorktreeLookup) *Handler {
	return &Handler{store: st}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	name, subPath, _ := strings.Cut(rest, "/")

	if err := gitrunner.ValidateWorktreeName(name); err != nil {
		writeError(w, r, "", http.StatusBadRequest, "invalid worktree name")
		return
	}

	wt, err := h.store.FindWorktreeByName(name)
	if err != nil {
		writeError(w, r, name, http.StatusNotFound, "worktree not found")
		return
	}

	if !isForwardable(wt) || !wt.ContainerPort.Valid {
		writeError(w, r, name, http.StatusServiceUnavailable, "worktree is not running")
		return
	}

	target := &url.URL{Scheme: "http", Host: "127.0.0.1:" + strconv.FormatInt(wt.ContainerPort.Int64, 10)}
	rp := httputil.NewSingleHostReverseProxy(target)
	originalDirector := rp.Director
	rp.Director = func(req *http.Request) {
		originalDirector(req)
		req.URL.Path = "/" + subPath
		req.Host = target.Host
	}
	rp.ModifyResponse = func(resp *http.Response) error {
		resp.Header.Set("X-Worktree-Name", name)
		return nil
	}
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logging.WithWorktree(wt.ID).Warn("proxy request failed", "error", err)
		writeError(w, r, name, http.StatusBadGateway, "worktree did not respond")
	}

	w.Header().Set("X-Worktree-Name", name)
	rp.ServeHTTP(w, r)
}

// isForwardable reports whether wt's status permits forwarding
// traffic, matching spec §4.6 step 3's {running, completed} allow-set.
// The state machine in internal/worktree never produces "completed" (a
// name used only by the proxy's own HTTP surface table); "merged" is
// its closest terminal-but-still-forwardable analogue, since a merged
// worktree's container may still be running until Delete tears it down.
func isForwardable(wt *store.Worktree) bool {
	return wt.Status == store.StatusRunning || wt.Status == store.StatusMerged
}

type errorEnvelope struct {
	Message string `json:"message"`
}

// writeError writes spec §4.6 step 3's 400/404/503 error response:
// JSON when the request accepts it or targets an API-shaped subpath,
// a minimal HTML page otherwise, always carrying X-Worktree-Name.
func writeError(w http.ResponseWriter, r *http.Request, name string, status int, message string) {
	w.Header().Set("X-Worktree-Name", name)
	if wantsJSON(r) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(errorEnvelope{Message: message})
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte("<!doctype html><html><body><h1>" + message + "</h1></body></html>"))
}

func wantsJSON(r *http.Request) bool {
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		return true
	}
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	_, subPath, _ := strings.Cut(rest, "/")
	subPath = "/" + subPath
	for _, apiPrefix := range []string{"/api/", "/mcp/", "/socket.io/"} {
		if strings.HasPrefix(subPath, apiPrefix) {
			return true
		}
	}
	return false
}
