package relay

import (
	"encoding/json"
	"net/http"
	"time"
)

// DebugHandler 返回 /debug/relay 所需的 handler。
func (d *Dispatcher) DebugHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snapshot := d.snapshot()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snapshot)
	})
}

type debugSnapshot struct {
	QueueDepth int       `json:"queueDepth"`
	InFlight   []string  `json:"inFlight"`
	Workers    int       `json:"workers"`
	Processed  uint64    `json:"processed"`
	RateLimit  float64   `json:"rateLimit"`
	Endpoint   string    `json:"endpoint"`
	Timestamp  time.Time `json:"timestamp"`
}

func (d *Dispatcher) snapshot() debugSnapshot {
	snap := debugSnapshot{
		Workers:   d.cfg.Workers,
		Processed: d.processed.Load(),
		Endpoint:  d.cfg.Agent.Endpoint,
		Timestamp: time.Now(),
	}
	d.mu.Lock()
	snap.InFlight = make([]string, 0, len(d.inFlight))
	for id := range d.inFlight {
		snap.InFlight = append(snap.InFlight, id)
	}
	d.mu.Unlock()
	snap.QueueDepth = len(d.queue)
	if limiter := d.limiter.Load(); limiter != nil {
		snap.RateLimit = float64(limiter.Limit())
	}
	return snap
}
