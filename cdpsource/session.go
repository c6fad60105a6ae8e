// Package cdpsource adapts a chromedp browser target into a protocol event
// source the request tracker can attach to.
package cdpsource

import (
	"context"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"

	"github.com/crawlmeter/crawlmeter/requesttrack"
	"github.com/crawlmeter/crawlmeter/traffic"
)

// Session is one chromedp target's network event channel. It holds the
// target's context because chromedp routes both commands and event listeners
// through it; the session lives exactly as long as that context.
type Session struct {
	ctx context.Context
	id  string
}

var _ requesttrack.Source = (*Session)(nil)

// New wraps a chromedp context. The session id is the target id when the
// context is already associated with a target, otherwise a fresh random id.
func New(ctx context.Context) *Session {
	var id string
	if c := chromedp.FromContext(ctx); c != nil && c.Target != nil {
		id = string(c.Target.TargetID)
	}
	if id == "" {
		id = uuid.NewString()
	}
	return &Session{ctx: ctx, id: id}
}

// SessionID returns the stable identifier for this target.
func (s *Session) SessionID() string {
	return s.id
}

// Engine reports chromium: chromedp only drives CDP browsers.
func (s *Session) Engine() traffic.Engine {
	return traffic.EngineChromium
}

// Enable turns on Network-domain event delivery for the target. The
// target's own context governs the call.
func (s *Session) Enable(context.Context) error {
	return chromedp.Run(s.ctx, network.Enable())
}

// Subscribe delivers every target event to h. chromedp dispatches from a
// single goroutine per target, and delivery stops when the target's context
// is canceled.
func (s *Session) Subscribe(h requesttrack.Handler) {
	chromedp.ListenTarget(s.ctx, h.HandleEvent)
}
