// Package traffic holds the data types shared between the request lifecycle
// tracker, the aggregator, and the metering API: per-hop request metrics and
// per-job traffic deltas.
package traffic

import (
	"time"
)

// Engine identifies the browser automation engine backing a session.
type Engine string

const (
	EngineChromium Engine = "chromium"
	EngineFirefox  Engine = "firefox"
	EngineWebKit   Engine = "webkit"
)

// CDPCapable reports whether the engine exposes a Chrome DevTools Protocol
// network event channel. Traffic can only be metered on CDP-capable engines.
func (e Engine) CDPCapable() bool {
	return e == EngineChromium
}

// RequestMetric records the lifecycle of one network hop. A redirect chain
// produces one metric per hop, all sharing a transport id but each with its
// own hop index. The owning tracker mutates a metric between creation and
// finalization; after finalization it is handed off by value and never
// modified again.
type RequestMetric struct {
	// ID identifies the hop as "<session id>:<transport id>:<hop index>".
	ID     string `json:"id"`
	JobID  string `json:"job_id"`
	Engine Engine `json:"engine"`
	URL    string `json:"url"`
	Method string `json:"method"`
	// Status is 0 when the hop never observed a response.
	Status int64 `json:"status"`
	// FromCache is set when the response was served from a browser cache
	// (disk, memory, service worker or prefetch) instead of the network.
	FromCache bool `json:"from_cache"`

	RequestBytes  int64 `json:"request_bytes"`
	ResponseBytes int64 `json:"response_bytes"`
	// TotalBytes is RequestBytes + ResponseBytes, computed at finalization.
	TotalBytes int64 `json:"total_bytes"`

	StartTime time.Time `json:"start_time" format:"date-time"`
	// EndTime is set at finalization.
	EndTime time.Time `json:"end_time" format:"date-time"`

	// Failed is set when the hop ended with a loading failure rather than
	// normal completion.
	Failed bool `json:"failed"`
}
