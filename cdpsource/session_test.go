package cdpsource_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/crawlmeter/crawlmeter/cdpsource"
	"github.com/crawlmeter/crawlmeter/traffic"
)

func TestSessionID(t *testing.T) {
	t.Parallel()

	// Outside a chromedp context there is no target id to borrow, so the
	// session mints a random one and keeps it stable.
	sess := cdpsource.New(context.Background())
	id := sess.SessionID()
	_, err := uuid.Parse(id)
	require.NoError(t, err)
	require.Equal(t, id, sess.SessionID())

	other := cdpsource.New(context.Background())
	require.NotEqual(t, id, other.SessionID())
}

func TestSessionEngine(t *testing.T) {
	t.Parallel()

	sess := cdpsource.New(context.Background())
	require.Equal(t, traffic.EngineChromium, sess.Engine())
	require.True(t, sess.Engine().CDPCapable())
}
