package api

import (
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/TonyBeen/p2p/internal/server"
)

// Handler holds the shared read surfaces behind the API routes.
type Handler struct {
	logger   *slog.Logger
	registry *server.Registry
	liveness *server.Liveness
	stats    *server.Stats
	started  time.Time
}

// healthResponse is the GET /health body.
type healthResponse struct {
	Status        string  `json:"status"`
	PID           int     `json:"pid"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	MemUsedMB     float64 `json:"mem_used_mb,omitempty"`
	MemPercent    float64 `json:"mem_percent,omitempty"`
	CPUPercent    float64 `json:"cpu_percent,omitempty"`
}

// Health reports process and host health.
func (h *Handler) Health(c *gin.Context) {
	resp := healthResponse{
		Status:        "ok",
		PID:           os.Getpid(),
		UptimeSeconds: time.Since(h.started).Seconds(),
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		resp.MemUsedMB = float64(vm.Used) / (1024 * 1024)
		resp.MemPercent = vm.UsedPercent
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		resp.CPUPercent = percents[0]
	}
	c.JSON(http.StatusOK, resp)
}

// peerView is one row of the GET /peers body: the registry record joined
// with the in-memory liveness view.
type peerView struct {
	server.Peer
	Live         bool   `json:"live"`
	LiveAddr     string `json:"live_addr,omitempty"`
	LastSeenUnix int64  `json:"last_seen_unix,omitempty"`
}

// Peers lists registered peers from the KV store joined with liveness.
func (h *Handler) Peers(c *gin.Context) {
	peers, err := h.registry.DumpPeers(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	live := h.liveness.Snapshot()
	out := make([]peerView, 0, len(peers))
	for _, p := range peers {
		v := peerView{Peer: p}
		if e, ok := live[p.UUID]; ok {
			v.Live = true
			v.LiveAddr = e.Addr.String()
			v.LastSeenUnix = e.LastSeen.Unix()
		}
		out = append(out, v)
	}
	c.JSON(http.StatusOK, gin.H{"count": len(out), "peers": out})
}

// Stats returns the rendezvous counters.
func (h *Handler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.stats.Snapshot())
}

// requestID tags every request; clients and logs correlate on it.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if id == "" {
			id = uuid.New().String()
		}
		c.Header("X-Request-Id", id)
		c.Set("request_id", id)
		c.Next()
	}
}

// requestLogging emits one structured line per request.
func requestLogging(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("api request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", float64(time.Since(start).Microseconds())/1000,
			"request_id", c.GetString("request_id"),
		)
	}
}
