package cli_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crawlmeter/crawlmeter/cli/clitest"
	"github.com/crawlmeter/crawlmeter/meterd/meterdtest"
	"github.com/crawlmeter/crawlmeter/metersdk"
	"github.com/crawlmeter/crawlmeter/testutil"
	"github.com/crawlmeter/crawlmeter/traffic"
)

func TestTraffic(t *testing.T) {
	t.Parallel()

	t.Run("Table", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		client := meterdtest.New(t, nil)
		err := client.AddJobTraffic(ctx, "job1", traffic.Delta{
			TotalBytes:    2048,
			RequestBytes:  1024,
			ResponseBytes: 1024,
			RequestCount:  4,
		})
		require.NoError(t, err)

		inv := clitest.New(t, "--url", client.URL.String(), "traffic", "job1")
		buf := new(bytes.Buffer)
		inv.Stdout = buf
		err = inv.WithContext(ctx).Run()
		require.NoError(t, err)
		require.Contains(t, buf.String(), "job1")
		require.Contains(t, buf.String(), "2.0 KiB")
	})

	t.Run("JSON", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		client := meterdtest.New(t, nil)
		for _, jobID := range []string{"beta", "alpha"} {
			err := client.AddJobTraffic(ctx, jobID, traffic.Delta{TotalBytes: 100, RequestCount: 1})
			require.NoError(t, err)
		}

		inv := clitest.New(t, "--url", client.URL.String(), "traffic", "--output", "json")
		buf := new(bytes.Buffer)
		inv.Stdout = buf
		err := inv.WithContext(ctx).Run()
		require.NoError(t, err)

		var got []metersdk.JobTraffic
		require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
		require.Len(t, got, 2)
		require.Equal(t, "alpha", got[0].JobID)
		require.Equal(t, "beta", got[1].JobID)
	})

	t.Run("NotFound", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		client := meterdtest.New(t, nil)

		inv := clitest.New(t, "--url", client.URL.String(), "traffic", "missing")
		err := inv.WithContext(ctx).Run()
		require.ErrorContains(t, err, "no traffic recorded")
	})

	t.Run("NoServerURL", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)

		inv := clitest.New(t, "traffic")
		// Guard against an ambient CRAWLMETER_URL.
		inv.Environ = nil
		err := inv.WithContext(ctx).Run()
		require.ErrorContains(t, err, "no server URL set")
	})
}
