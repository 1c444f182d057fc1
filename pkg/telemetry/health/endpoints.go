package health

import (
	"encoding/json"
	"net/http"
	"runtime"
)

// VersionInfo describes the running build and the evaluation semantics it
// implements. Decisions record the engine and snapshot versions, so
// operators can tell which builds produced comparable verdicts.
type VersionInfo struct {
	Version         string `json:"version"`
	Commit          string `json:"commit"`
	BuildTime       string `json:"build_time"`
	GoVersion       string `json:"go_version"`
	EngineVersion   string `json:"engine_version,omitempty"`
	SnapshotVersion string `json:"snapshot_version,omitempty"`
}

// LivenessHandler serves CheckLiveness.
func (c *Checker) LivenessHandler() http.HandlerFunc {
	return probeHandler(func(r *http.Request) (int, any) {
		return http.StatusOK, c.CheckLiveness(r.Context())
	})
}

// ReadinessHandler serves CheckReadiness with 503 while degraded:
//
//	{
//	    "status": "degraded",
//	    "checks": {
//	        "storage": {"status": "ok"},
//	        "queue": {"status": "unhealthy", "message": "queue: dial tcp 127.0.0.1:6379: connection refused"}
//	    },
//	    "timestamp": "2026-03-01T10:30:00Z"
//	}
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return probeHandler(func(r *http.Request) (int, any) {
		status := c.CheckReadiness(r.Context())
		if status.Status != StatusReady {
			return http.StatusServiceUnavailable, status
		}
		return http.StatusOK, status
	})
}

// VersionHandler serves info. GoVersion defaults to the running toolchain.
func VersionHandler(info VersionInfo) http.HandlerFunc {
	if info.GoVersion == "" {
		info.GoVersion = runtime.Version()
	}
	return probeHandler(func(*http.Request) (int, any) {
		return http.StatusOK, info
	})
}

// probeHandler accepts GET and HEAD and writes the body as JSON.
func probeHandler(fn func(r *http.Request) (int, any)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		code, body := fn(r)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if r.Method != http.MethodHead {
			_ = json.NewEncoder(w).Encode(body)
		}
	}
}
