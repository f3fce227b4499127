package gateway

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

type processStats struct {
	PID        int32   `json:"pid"`
	RSSBytes   uint64  `json:"rss_bytes,omitempty"`
	CPUPercent float64 `json:"cpu_percent"`
	NumThreads int32   `json:"num_threads,omitempty"`
	Goroutines int     `json:"goroutines"`
}

type healthBody struct {
	Status        string       `json:"status"`
	Version       string       `json:"version,omitempty"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	Ledger        string       `json:"ledger"`
	Provider      string       `json:"provider"`
	TokensToday   int64        `json:"tokens_today"`
	Process       processStats `json:"process"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	out := healthBody{
		Status:        "ok",
		Version:       s.version,
		UptimeSeconds: int64(s.now().Sub(s.startedAt).Seconds()),
		Ledger:        "ok",
		Provider:      s.provider.Name(),
		TokensToday:   s.budget.Used(),
		Process:       collectProcessStats(ctx),
	}
	status := http.StatusOK
	if s.ledger != nil {
		if err := s.ledger.Ping(ctx); err != nil {
			s.log.Warn("ledger ping failed", "error", err)
			out.Status = "degraded"
			out.Ledger = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, out)
}

// collectProcessStats is best effort; fields that cannot be read stay zero.
func collectProcessStats(ctx context.Context) processStats {
	stats := processStats{PID: int32(os.Getpid()), Goroutines: runtime.NumGoroutine()}
	p, err := process.NewProcessWithContext(ctx, stats.PID)
	if err != nil {
		return stats
	}
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		stats.RSSBytes = mem.RSS
	}
	if pct, err := p.CPUPercentWithContext(ctx); err == nil {
		stats.CPUPercent = pct
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		stats.NumThreads = n
	}
	return stats
}
