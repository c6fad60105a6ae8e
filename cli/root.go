package cli

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"

	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"

	"github.com/coder/serpent"

	"github.com/crawlmeter/crawlmeter/buildinfo"
	"github.com/crawlmeter/crawlmeter/metersdk"
)

const (
	varURL     = "url"
	varVerbose = "verbose"

	envURL     = "CRAWLMETER_URL"
	envVerbose = "CRAWLMETER_VERBOSE"
)

// RootCmd contains parameters and flags useful to all commands.
type RootCmd struct {
	clientURL *url.URL
	verbose   bool
}

// Core returns the subcommands supported by the root command.
func (r *RootCmd) Core() []*serpent.Command {
	return []*serpent.Command{
		r.meter(),
		r.server(),
		r.traffic(),
		r.version(),
	}
}

func (r *RootCmd) Command(subcommands []*serpent.Command) *serpent.Command {
	if r.clientURL == nil {
		r.clientURL = new(url.URL)
	}

	fmtLong := `crawlmeter %s — meter the network traffic of automated browsing jobs.
`
	cmd := &serpent.Command{
		Use:  "crawlmeter",
		Long: fmt.Sprintf(fmtLong, buildinfo.Version()),
		Handler: func(inv *serpent.Invocation) error {
			return inv.Command.HelpHandler(inv)
		},
		Children: subcommands,
	}

	cmd.Options = serpent.OptionSet{
		{
			Flag:        varURL,
			Env:         envURL,
			Description: "URL of the meter server.",
			Value:       serpent.URLOf(r.clientURL),
		},
		{
			Flag:          varVerbose,
			FlagShorthand: "v",
			Env:           envVerbose,
			Description:   "Enable verbose logging.",
			Value:         serpent.BoolOf(&r.verbose),
		},
	}

	return cmd
}

// RunWithSubcommands executes the root command with the given
// subcommands. It is abstracted for use by the standalone binary.
func (r *RootCmd) RunWithSubcommands(subcommands []*serpent.Command) {
	cmd := r.Command(subcommands)
	err := cmd.Invoke().WithOS().Run()
	if err != nil {
		if xerrors.Is(err, context.Canceled) {
			//nolint:revive
			os.Exit(1)
		}
		_, _ = fmt.Fprintf(os.Stderr, "error: %s\n", err.Error())
		//nolint:revive
		os.Exit(1)
	}
}

// InitClient points client at the server URL configured on the root
// command. Commands that talk to the meter server chain it into their
// middleware.
func (r *RootCmd) InitClient(client *metersdk.Client) serpent.MiddlewareFunc {
	return func(next serpent.HandlerFunc) serpent.HandlerFunc {
		return func(inv *serpent.Invocation) error {
			if client == nil {
				panic("developer error: client is nil")
			}
			if r.clientURL == nil || r.clientURL.String() == "" {
				return xerrors.Errorf("no server URL set, pass --%s or set %s", varURL, envURL)
			}
			client.URL = r.clientURL
			if client.HTTPClient == nil {
				client.HTTPClient = &http.Client{}
			}
			return next(inv)
		}
	}
}

func (r *RootCmd) logger(inv *serpent.Invocation) slog.Logger {
	logger := slog.Make(sloghuman.Sink(inv.Stderr))
	if r.verbose {
		logger = logger.Leveled(slog.LevelDebug)
	}
	return logger
}
