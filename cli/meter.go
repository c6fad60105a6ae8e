package cli

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/dustin/go-humanize"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"github.com/coder/serpent"

	"github.com/crawlmeter/crawlmeter/cdpsource"
	"github.com/crawlmeter/crawlmeter/jobusage"
	"github.com/crawlmeter/crawlmeter/meterd/httpapi"
	"github.com/crawlmeter/crawlmeter/metersdk"
	"github.com/crawlmeter/crawlmeter/requesttrack"
	"github.com/crawlmeter/crawlmeter/traffic"
)

func (r *RootCmd) meter() *serpent.Command {
	client := new(metersdk.Client)
	var (
		jobID         string
		engine        string
		flushInterval time.Duration
		timeout       time.Duration
		wait          time.Duration
		headless      bool
	)
	cmd := &serpent.Command{
		Use:   "meter <url>",
		Short: "Visit a page with an automated browser and report the traffic it generates",
		Middleware: serpent.Chain(
			serpent.RequireNArgs(1),
			r.InitClient(client),
		),
		Handler: func(inv *serpent.Invocation) error {
			ctx := inv.Context()
			logger := r.logger(inv)

			if !httpapi.ValidJobID(jobID) {
				return xerrors.Errorf("%q is not a valid job id", jobID)
			}
			targetURL := inv.Args[0]
			if _, err := url.Parse(targetURL); err != nil {
				return xerrors.Errorf("parse url %q: %w", targetURL, err)
			}
			if !traffic.Engine(engine).CDPCapable() {
				return xerrors.Errorf("engine %q has no DevTools event channel, only %q can be metered", engine, traffic.EngineChromium)
			}

			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			agg := jobusage.New(client,
				jobusage.WithLogger(logger.Named("jobusage")),
				jobusage.WithFlushInterval(flushInterval),
			)
			go agg.Loop()
			defer agg.Close()

			dir, err := os.MkdirTemp("", "crawlmeter")
			if err != nil {
				return xerrors.Errorf("create user data dir: %w", err)
			}
			defer func() {
				_ = os.RemoveAll(dir)
			}()
			allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
				chromedp.UserDataDir(dir),
				chromedp.DisableGPU,
			)
			if !headless { // headless is the default
				allocOpts = append(allocOpts, chromedp.Flag("headless", false))
			}
			allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, allocOpts...)
			defer allocCancel()
			browserCtx, browserCancel := chromedp.NewContext(allocCtx,
				chromedp.WithLogf(func(format string, args ...interface{}) {
					logger.Debug(ctx, fmt.Sprintf(format, args...))
				}),
				chromedp.WithErrorf(func(format string, args ...interface{}) {
					logger.Warn(ctx, fmt.Sprintf(format, args...))
				}),
			)
			defer browserCancel()

			registry := requesttrack.NewRegistry(logger.Named("requesttrack"))
			defer registry.Close()

			src := cdpsource.New(browserCtx)
			tracker, err := registry.Attach(ctx, src, agg)
			if err != nil {
				return xerrors.Errorf("attach tracker: %w", err)
			}
			tracker.SetJob(jobID)

			logger.Info(ctx, "navigating",
				slog.F("url", targetURL),
				slog.F("job_id", jobID),
			)
			actions := []chromedp.Action{
				chromedp.Navigate(targetURL),
			}
			if wait > 0 {
				actions = append(actions, chromedp.Sleep(wait))
			}
			err = chromedp.Run(browserCtx, actions...)
			if err != nil {
				return xerrors.Errorf("run browser: %w", err)
			}

			// Tear the browser down before the final flush so every
			// event that made it to the tracker is accounted.
			browserCancel()
			registry.Detach(src.SessionID())
			agg.Close()

			jobTraffic, err := client.JobTraffic(inv.Context(), jobID)
			if err != nil {
				return xerrors.Errorf("fetch job traffic: %w", err)
			}
			_, _ = fmt.Fprintf(inv.Stdout, "Metered %s for job %q: %s across %d requests (%s sent, %s received)\n",
				targetURL, jobID,
				humanize.IBytes(uint64(jobTraffic.TotalBytes)),
				jobTraffic.RequestCount,
				humanize.IBytes(uint64(jobTraffic.RequestBytes)),
				humanize.IBytes(uint64(jobTraffic.ResponseBytes)),
			)
			return nil
		},
	}

	cmd.Options = serpent.OptionSet{
		{
			Flag:        "job",
			Env:         "CRAWLMETER_JOB",
			Description: "Job id the visit's traffic is accounted against.",
			Required:    true,
			Value:       serpent.StringOf(&jobID),
		},
		{
			Flag:        "engine",
			Env:         "CRAWLMETER_ENGINE",
			Description: "Browser automation engine to drive.",
			Default:     string(traffic.EngineChromium),
			Value: serpent.EnumOf(&engine,
				string(traffic.EngineChromium),
				string(traffic.EngineFirefox),
				string(traffic.EngineWebKit),
			),
		},
		{
			Flag:        "flush-interval",
			Env:         "CRAWLMETER_FLUSH_INTERVAL",
			Description: "How often accumulated traffic is reported to the server. 0 reports once, when the visit finishes.",
			Default:     "5s",
			Value:       serpent.DurationOf(&flushInterval),
		},
		{
			Flag:        "timeout",
			Env:         "CRAWLMETER_TIMEOUT",
			Description: "Abort the visit after this long. 0 never aborts.",
			Default:     "60s",
			Value:       serpent.DurationOf(&timeout),
		},
		{
			Flag:        "wait",
			Env:         "CRAWLMETER_WAIT",
			Description: "Keep the page open after navigation so late subresources are accounted.",
			Default:     "2s",
			Value:       serpent.DurationOf(&wait),
		},
		{
			Flag:        "headless",
			Env:         "CRAWLMETER_HEADLESS",
			Description: "Run the browser without a visible window.",
			Default:     "true",
			Value:       serpent.BoolOf(&headless),
		},
	}

	return cmd
}
