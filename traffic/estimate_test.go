package traffic_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crawlmeter/crawlmeter/traffic"
)

func TestEstimateRequestBytes(t *testing.T) {
	t.Parallel()

	t.Run("Empty", func(t *testing.T) {
		t.Parallel()
		require.EqualValues(t, 0, traffic.EstimateRequestBytes("", "", nil, 0))
	})

	t.Run("RequestLineOnly", func(t *testing.T) {
		t.Parallel()
		got := traffic.EstimateRequestBytes("GET", "https://example.com/", nil, 0)
		want := int64(len("GET https://example.com/ HTTP/1.1\r\n\r\n"))
		require.Equal(t, want, got)
	})

	t.Run("Headers", func(t *testing.T) {
		t.Parallel()
		got := traffic.EstimateRequestBytes("GET", "https://example.com/", map[string]string{
			"Accept": "*/*",
		}, 0)
		want := int64(len("GET https://example.com/ HTTP/1.1\r\nAccept: */*\r\n\r\n"))
		require.Equal(t, want, got)
	})

	t.Run("Body", func(t *testing.T) {
		t.Parallel()
		withBody := traffic.EstimateRequestBytes("POST", "https://example.com/submit", nil, 42)
		without := traffic.EstimateRequestBytes("POST", "https://example.com/submit", nil, 0)
		require.Equal(t, int64(42), withBody-without)
	})

	t.Run("NegativeBodyIgnored", func(t *testing.T) {
		t.Parallel()
		got := traffic.EstimateRequestBytes("GET", "https://example.com/", nil, -100)
		want := traffic.EstimateRequestBytes("GET", "https://example.com/", nil, 0)
		require.Equal(t, want, got)
	})

	t.Run("MultiByteText", func(t *testing.T) {
		t.Parallel()
		// "é" is two bytes in UTF-8 and must be counted as such.
		got := traffic.EstimateRequestBytes("GET", "https://example.com/", map[string]string{
			"X-Name": "héllo",
		}, 0)
		want := int64(len("GET https://example.com/ HTTP/1.1\r\nX-Name: héllo\r\n\r\n"))
		require.Equal(t, want, got)
		require.Equal(t, want, traffic.EstimateRequestBytes("GET", "https://example.com/", map[string]string{
			"X-Name": "hello!",
		}, 0), "a 6-byte ASCII value must estimate the same as the 5-rune value")
	})
}
