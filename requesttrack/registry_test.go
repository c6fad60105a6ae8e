package requesttrack_test

import (
	"context"
	"testing"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/crawlmeter/crawlmeter/requesttrack"
	"github.com/crawlmeter/crawlmeter/testutil"
	"github.com/crawlmeter/crawlmeter/traffic"
)

// fakeSource is a scriptable protocol event source.
type fakeSource struct {
	id        string
	engine    traffic.Engine
	enableErr error
	enables   int
	handler   requesttrack.Handler
}

func (s *fakeSource) SessionID() string      { return s.id }
func (s *fakeSource) Engine() traffic.Engine { return s.engine }

func (s *fakeSource) Enable(context.Context) error {
	s.enables++
	return s.enableErr
}

func (s *fakeSource) Subscribe(h requesttrack.Handler) {
	s.handler = h
}

func TestRegistryAttachMemoized(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)
	registry := requesttrack.NewRegistry(testutil.Logger(t))
	sink := &recordSink{}
	src := &fakeSource{id: "sess", engine: traffic.EngineChromium}

	first, err := registry.Attach(ctx, src, sink)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := registry.Attach(ctx, src, sink)
	require.NoError(t, err)
	require.Same(t, first, second, "the same session must reuse its tracker")
	require.Equal(t, 1, src.enables, "the enable handshake must run once per session")
	require.Equal(t, 1, registry.Len())
}

func TestRegistryUnsupportedEngine(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)
	registry := requesttrack.NewRegistry(testutil.Logger(t))
	src := &fakeSource{id: "sess", engine: traffic.EngineFirefox}

	tracker, err := registry.Attach(ctx, src, &recordSink{})
	require.NoError(t, err, "an unsupported engine is not an error")
	require.Nil(t, tracker)
	require.Zero(t, src.enables)
	require.Zero(t, registry.Len())
}

func TestRegistryEnableFailure(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)
	registry := requesttrack.NewRegistry(testutil.Logger(t))
	src := &fakeSource{id: "sess", engine: traffic.EngineChromium, enableErr: xerrors.New("target gone")}

	tracker, err := registry.Attach(ctx, src, &recordSink{})
	require.ErrorContains(t, err, "target gone")
	require.Nil(t, tracker)
	require.Zero(t, registry.Len(), "a failed handshake must install nothing")

	// The handshake is retried once the source recovers.
	src.enableErr = nil
	tracker, err = registry.Attach(ctx, src, &recordSink{})
	require.NoError(t, err)
	require.NotNil(t, tracker)
	require.Equal(t, 2, src.enables)
}

func TestRegistryDetach(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)
	registry := requesttrack.NewRegistry(testutil.Logger(t))
	sink := &recordSink{}
	src := &fakeSource{id: "sess", engine: traffic.EngineChromium}

	first, err := registry.Attach(ctx, src, sink)
	require.NoError(t, err)

	registry.Detach("sess")
	require.Zero(t, registry.Len())

	second, err := registry.Attach(ctx, src, sink)
	require.NoError(t, err)
	require.NotSame(t, first, second, "a detached session attaches fresh")
	require.Equal(t, 2, src.enables)
}

func TestRegistryClose(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)
	registry := requesttrack.NewRegistry(testutil.Logger(t))
	for _, id := range []string{"a", "b"} {
		_, err := registry.Attach(ctx, &fakeSource{id: id, engine: traffic.EngineChromium}, &recordSink{})
		require.NoError(t, err)
	}
	require.Equal(t, 2, registry.Len())

	registry.Close()
	require.Zero(t, registry.Len())
}

func TestRegistrySubscriptionDeliversEvents(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)
	registry := requesttrack.NewRegistry(testutil.Logger(t))
	sink := &recordSink{}
	src := &fakeSource{id: "sess", engine: traffic.EngineChromium}

	tracker, err := registry.Attach(ctx, src, sink)
	require.NoError(t, err)
	require.NotNil(t, src.handler, "attach must subscribe the tracker to the source")

	tracker.SetJob("J1")
	src.handler.HandleEvent(&network.EventRequestWillBeSent{
		RequestID: "1",
		Request:   &network.Request{URL: "https://example.com/", Method: "GET"},
	})
	src.handler.HandleEvent(&network.EventLoadingFinished{RequestID: "1", EncodedDataLength: 99})

	metrics := sink.all()
	require.Len(t, metrics, 1)
	require.Equal(t, "J1", metrics[0].JobID)
	require.EqualValues(t, 99, metrics[0].ResponseBytes)
}
