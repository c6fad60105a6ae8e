package cli

import (
	"encoding/json"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"golang.org/x/xerrors"

	"github.com/coder/serpent"

	"github.com/crawlmeter/crawlmeter/metersdk"
)

func (r *RootCmd) traffic() *serpent.Command {
	client := new(metersdk.Client)
	var outputFormat string
	cmd := &serpent.Command{
		Use:   "traffic [job]",
		Short: "Show the traffic accumulated for jobs",
		Middleware: serpent.Chain(
			serpent.RequireRangeArgs(0, 1),
			r.InitClient(client),
		),
		Handler: func(inv *serpent.Invocation) error {
			ctx := inv.Context()

			var jobTraffics []metersdk.JobTraffic
			if len(inv.Args) == 0 {
				var err error
				jobTraffics, err = client.JobTraffics(ctx)
				if err != nil {
					return xerrors.Errorf("fetch job traffic: %w", err)
				}
			} else {
				jobTraffic, err := client.JobTraffic(ctx, inv.Args[0])
				if metersdk.IsNotFound(err) {
					return xerrors.Errorf("no traffic recorded for job %q", inv.Args[0])
				}
				if err != nil {
					return xerrors.Errorf("fetch job traffic: %w", err)
				}
				jobTraffics = []metersdk.JobTraffic{jobTraffic}
			}

			var out string
			switch outputFormat {
			case "table", "":
				out = displayJobTraffic(jobTraffics)
			case "json":
				outBytes, err := json.Marshal(jobTraffics)
				if err != nil {
					return xerrors.Errorf("marshal job traffic to JSON: %w", err)
				}
				out = string(outBytes)
			default:
				return xerrors.Errorf(`unknown output format %q, only "table" and "json" are supported`, outputFormat)
			}
			_, _ = fmt.Fprintln(inv.Stdout, out)
			return nil
		},
	}

	cmd.Options = serpent.OptionSet{
		{
			Flag:          "output",
			FlagShorthand: "o",
			Description:   "Output format. Available formats are: table, json.",
			Default:       "table",
			Value:         serpent.StringOf(&outputFormat),
		},
	}

	return cmd
}

func displayJobTraffic(jobTraffics []metersdk.JobTraffic) string {
	tableWriter := table.NewWriter()
	tableWriter.SetStyle(table.StyleLight)
	tableWriter.Style().Options.SeparateColumns = false
	tableWriter.AppendHeader(table.Row{"Job", "Requests", "Total", "Sent", "Received", "Updated"})
	for _, jobTraffic := range jobTraffics {
		tableWriter.AppendRow(table.Row{
			jobTraffic.JobID,
			jobTraffic.RequestCount,
			humanize.IBytes(uint64(jobTraffic.TotalBytes)),
			humanize.IBytes(uint64(jobTraffic.RequestBytes)),
			humanize.IBytes(uint64(jobTraffic.ResponseBytes)),
			humanize.Time(jobTraffic.UpdatedAt),
		})
	}
	return tableWriter.Render()
}
