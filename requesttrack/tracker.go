// Package requesttrack correlates a browsing session's Chrome DevTools
// Protocol network events into finalized per-hop traffic metrics.
//
// One Tracker is attached per session. It opens one metric per request hop,
// accounts request and response bytes as events arrive, and hands each
// metric to a Recorder exactly once when the hop completes, fails, or is
// superseded by the next hop of a redirect chain.
package requesttrack

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"sync"

	"github.com/chromedp/cdproto/network"
	"github.com/coder/quartz"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"

	"github.com/crawlmeter/crawlmeter/traffic"
)

// Recorder receives finalized request metrics. Implementations must not
// block: recording happens on the session's event dispatch path.
type Recorder interface {
	RecordRequest(m traffic.RequestMetric)
}

// Tracker converts one session's network event stream into finalized
// traffic.RequestMetrics. Events observed before SetJob are dropped; a
// metric is never created without a job to attribute it to.
type Tracker struct {
	sessionID string
	engine    traffic.Engine
	recorder  Recorder
	log       slog.Logger
	clock     quartz.Clock

	mu    sync.Mutex
	jobID string
	// activeHop maps a transport id to its currently open hop.
	activeHop map[network.RequestID]string
	// nextHopIndex numbers hops per transport id. It never resets, so a
	// hop id is unique even across a reused transport id.
	nextHopIndex map[network.RequestID]int
	open         map[string]*openHop
}

// openHop is an in-progress metric plus the bookkeeping needed to
// re-estimate its request size when wire headers arrive.
type openHop struct {
	metric    traffic.RequestMetric
	bodyBytes int64
}

// New returns a Tracker for one browsing session. Finalized metrics are
// handed to recorder.
func New(sessionID string, engine traffic.Engine, recorder Recorder, opts ...Option) *Tracker {
	t := &Tracker{
		sessionID:    sessionID,
		engine:       engine,
		recorder:     recorder,
		log:          slog.Make(sloghuman.Sink(os.Stderr)),
		clock:        quartz.NewReal(),
		activeHop:    make(map[network.RequestID]string),
		nextHopIndex: make(map[network.RequestID]int),
		open:         make(map[string]*openHop),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

type Option func(*Tracker)

// WithLogger sets the logger used by the tracker.
func WithLogger(log slog.Logger) Option {
	return func(t *Tracker) {
		t.log = log
	}
}

// WithClock replaces the clock used for metric timestamps. This is only
// used for testing.
func WithClock(clock quartz.Clock) Option {
	return func(t *Tracker) {
		t.clock = clock
	}
}

// SessionID returns the id of the session this tracker observes.
func (t *Tracker) SessionID() string {
	return t.sessionID
}

// SetJob attributes subsequent events on this session to jobID. Callers
// must set a job before dispatching work on the session; events observed
// earlier are dropped. Setting a new job moves the session to that job
// without touching hops already open under the previous one.
func (t *Tracker) SetJob(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobID = jobID
}

// Job returns the current job context, or "" when none is set.
func (t *Tracker) Job() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.jobID
}

// HandleEvent consumes one Network-domain event. Event types outside the
// request lifecycle and events for untracked transport ids are ignored.
// HandleEvent never performs I/O. Protocol sources deliver events from a
// single goroutine per session, but HandleEvent is safe for concurrent use
// regardless.
func (t *Tracker) HandleEvent(ev any) {
	switch ev := ev.(type) {
	case *network.EventRequestWillBeSent:
		t.requestWillBeSent(ev)
	case *network.EventRequestWillBeSentExtraInfo:
		t.requestExtraInfo(ev)
	case *network.EventResponseReceived:
		t.responseReceived(ev)
	case *network.EventRequestServedFromCache:
		t.servedFromCache(ev)
	case *network.EventDataReceived:
		t.dataReceived(ev)
	case *network.EventLoadingFinished:
		t.loadingFinished(ev)
	case *network.EventLoadingFailed:
		t.loadingFailed(ev)
	}
}

func (t *Tracker) requestWillBeSent(ev *network.EventRequestWillBeSent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ev.RedirectResponse != nil {
		// The response for the previous hop of a redirect chain arrives
		// attached to the next hop's initiation event. Settle the previous
		// hop before opening the new one. The previous hop was opened under
		// its own job context, so it settles even if the session has no job
		// right now.
		if id, ok := t.activeHop[ev.RequestID]; ok {
			if hop, ok := t.open[id]; ok {
				hop.applyResponse(ev.RedirectResponse)
				if hop.metric.ResponseBytes == 0 && ev.RedirectResponse.EncodedDataLength > 0 {
					hop.metric.ResponseBytes = int64(ev.RedirectResponse.EncodedDataLength)
				}
			}
			t.finalizeLocked(id, false)
			delete(t.activeHop, ev.RequestID)
		}
	}

	if t.jobID == "" {
		return
	}

	index := t.nextHopIndex[ev.RequestID]
	t.nextHopIndex[ev.RequestID] = index + 1
	id := hopID(t.sessionID, ev.RequestID, index)

	var (
		method  string
		url     string
		headers map[string]string
		body    int64
	)
	if ev.Request != nil {
		method = ev.Request.Method
		url = ev.Request.URL
		headers = headerStrings(ev.Request.Headers)
		body = postDataBytes(ev.Request)
	}

	t.open[id] = &openHop{
		metric: traffic.RequestMetric{
			ID:           id,
			JobID:        t.jobID,
			Engine:       t.engine,
			URL:          url,
			Method:       method,
			RequestBytes: traffic.EstimateRequestBytes(method, url, headers, body),
			StartTime:    t.clock.Now(),
		},
		bodyBytes: body,
	}
	t.activeHop[ev.RequestID] = id
}

// requestExtraInfo re-estimates the active hop's request size from the wire
// headers, which include cookies and browser-added headers missing from the
// initiation event.
func (t *Tracker) requestExtraInfo(ev *network.EventRequestWillBeSentExtraInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	hop, ok := t.openActiveLocked(ev.RequestID)
	if !ok || len(ev.Headers) == 0 {
		return
	}
	hop.metric.RequestBytes = traffic.EstimateRequestBytes(
		hop.metric.Method, hop.metric.URL, headerStrings(ev.Headers), hop.bodyBytes,
	)
}

func (t *Tracker) responseReceived(ev *network.EventResponseReceived) {
	t.mu.Lock()
	defer t.mu.Unlock()
	hop, ok := t.openActiveLocked(ev.RequestID)
	if !ok {
		return
	}
	hop.applyResponse(ev.Response)
}

// servedFromCache marks the active hop as cached. Chromium reports memory
// cache hits only through this event, never on the response itself.
func (t *Tracker) servedFromCache(ev *network.EventRequestServedFromCache) {
	t.mu.Lock()
	defer t.mu.Unlock()
	hop, ok := t.openActiveLocked(ev.RequestID)
	if !ok {
		return
	}
	hop.metric.FromCache = true
}

func (t *Tracker) dataReceived(ev *network.EventDataReceived) {
	t.mu.Lock()
	defer t.mu.Unlock()
	hop, ok := t.openActiveLocked(ev.RequestID)
	if !ok {
		return
	}
	hop.metric.ResponseBytes += ev.DataLength
}

func (t *Tracker) loadingFinished(ev *network.EventLoadingFinished) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.activeHop[ev.RequestID]
	if !ok {
		return
	}
	if hop, ok := t.open[id]; ok && hop.metric.ResponseBytes == 0 && ev.EncodedDataLength > 0 {
		// Empty or cache-served bodies produce no data events; fall back
		// to the total reported at completion.
		hop.metric.ResponseBytes = int64(ev.EncodedDataLength)
	}
	t.finalizeLocked(id, false)
	delete(t.activeHop, ev.RequestID)
}

func (t *Tracker) loadingFailed(ev *network.EventLoadingFailed) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.activeHop[ev.RequestID]
	if !ok {
		return
	}
	if ev.ErrorText != "" && !ev.Canceled {
		t.log.Debug(context.Background(), "request loading failed",
			slog.F("request_id", ev.RequestID),
			slog.F("error_text", ev.ErrorText),
		)
	}
	t.finalizeLocked(id, true)
	delete(t.activeHop, ev.RequestID)
}

// finalizeLocked closes the metric and hands it to the recorder exactly
// once. Finalizing an unknown or already finalized id is a no-op, so a stray
// late event cannot double-record a hop.
func (t *Tracker) finalizeLocked(id string, failed bool) {
	hop, ok := t.open[id]
	if !ok {
		return
	}
	delete(t.open, id)
	hop.metric.Failed = failed
	hop.metric.TotalBytes = hop.metric.RequestBytes + hop.metric.ResponseBytes
	hop.metric.EndTime = t.clock.Now()
	t.recorder.RecordRequest(hop.metric)
}

// openActiveLocked resolves the transport id's active hop, if still open.
func (t *Tracker) openActiveLocked(reqID network.RequestID) (*openHop, bool) {
	id, ok := t.activeHop[reqID]
	if !ok {
		return nil, false
	}
	hop, ok := t.open[id]
	return hop, ok
}

func (h *openHop) applyResponse(resp *network.Response) {
	if resp == nil {
		return
	}
	h.metric.Status = resp.Status
	if resp.URL != "" {
		h.metric.URL = resp.URL
	}
	if resp.FromDiskCache || resp.FromServiceWorker || resp.FromPrefetchCache {
		h.metric.FromCache = true
	}
}

func hopID(sessionID string, reqID network.RequestID, index int) string {
	return fmt.Sprintf("%s:%s:%d", sessionID, reqID, index)
}

// headerStrings flattens protocol headers into plain strings for size
// estimation.
func headerStrings(h network.Headers) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for name, value := range h {
		if value == nil {
			out[name] = ""
			continue
		}
		out[name] = fmt.Sprint(value)
	}
	return out
}

// postDataBytes measures a request body from its base64-encoded post data
// entries. Entries that fail to decode measure 0.
func postDataBytes(req *network.Request) int64 {
	if !req.HasPostData {
		return 0
	}
	var n int64
	for _, entry := range req.PostDataEntries {
		if entry == nil || entry.Bytes == "" {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(entry.Bytes)
		if err != nil {
			continue
		}
		n += int64(len(decoded))
	}
	return n
}
