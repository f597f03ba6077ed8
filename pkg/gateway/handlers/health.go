package handlers

import (
	"net/http"
	"time"

	"github.com/vani-protocol/vani-gateway/pkg/core/types"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/config"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/lifecycle"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/registry"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyHandler reports whether the gateway can accept new sessions: it is not draining and
// every stage a session needs has a reachable default backend.
type ReadyHandler struct {
	Config    config.Config
	Registry  *registry.Registry
	Lifecycle *lifecycle.Lifecycle
	// Sessions reports the live session count; optional.
	Sessions func() int
}

type readyResponse struct {
	OK              bool              `json:"ok"`
	Draining        bool              `json:"draining"`
	AuthMode        string            `json:"auth_mode"`
	RegistryVersion uint64            `json:"registry_version"`
	Defaults        map[string]string `json:"defaults"`
	ActiveSessions  int               `json:"active_sessions"`
	UptimeSeconds   int64             `json:"uptime_seconds"`
	DrainingSince   *time.Time        `json:"draining_since,omitempty"`
	Issues          []string          `json:"issues,omitempty"`
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := readyResponse{
		AuthMode: string(h.Config.AuthMode),
		Defaults: make(map[string]string, 3),
	}
	resp.UptimeSeconds = int64(h.Lifecycle.Uptime(time.Now()).Seconds())
	if since, ok := h.Lifecycle.DrainingSince(); ok {
		resp.Draining = true
		resp.DrainingSince = &since
		resp.Issues = append(resp.Issues, "draining")
	}
	if h.Config.AuthMode == config.AuthModeRequired && len(h.Config.APIKeys) == 0 {
		resp.Issues = append(resp.Issues, "auth_mode=required but no api keys configured")
	}
	if h.Sessions != nil {
		resp.ActiveSessions = h.Sessions()
	}

	if h.Registry == nil {
		resp.Issues = append(resp.Issues, "no backend registry")
	} else {
		snap := h.Registry.Snapshot()
		resp.RegistryVersion = snap.Version()
		for _, stage := range []types.Stage{types.StageSTT, types.StageLLM, types.StageTTS} {
			id := snap.Default(stage)
			if id == "" {
				resp.Issues = append(resp.Issues, "no default "+string(stage)+" backend")
				continue
			}
			resp.Defaults[string(stage)] = id
			if !snap.Reachable(id) {
				resp.Issues = append(resp.Issues, "default "+string(stage)+" backend "+id+" is unreachable")
			}
		}
	}

	resp.OK = len(resp.Issues) == 0
	status := http.StatusOK
	if !resp.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
