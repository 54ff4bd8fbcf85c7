package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/maltedev/listing-scraper/internal/analysis"
	"github.com/maltedev/listing-scraper/internal/api"
	"github.com/maltedev/listing-scraper/internal/client"
	"github.com/maltedev/listing-scraper/internal/scraper"
)

type submitParams struct {
	Server   string
	Request  api.CreateSessionRequest
	Wait     bool
	Interval time.Duration
	Out      string
}

var submit submitParams

func init() {
	f := submitCmd.Flags()
	f.StringVar(&submit.Server, "server", "", "Server base URL. Defaults to http://localhost:$SERVER_PORT.")
	f.StringVarP(&submit.Request.Query, "query", "q", "", "Search term, or the product id with --profile reviews.")
	f.StringVar(&submit.Request.Profile, "profile", scraper.ProfileProducts, "Extraction profile: products or reviews.")
	f.IntVarP(&submit.Request.Target, "target", "n", 0, "Stop after this many records. 0 means no target.")
	f.IntVarP(&submit.Request.MaxPages, "pages", "p", 0, "Page limit. 0 uses the server default.")
	f.BoolVar(&submit.Wait, "wait", false, "Wait for the session to finish and print its summary.")
	f.DurationVar(&submit.Interval, "interval", time.Second, "Polling interval with --wait.")
	f.StringVarP(&submit.Out, "out", "o", "", "With --wait, download the records to this CSV file.")
	submitCmd.MarkFlagRequired("query")
	rootCmd.AddCommand(submitCmd)
}

var submitCmd = &cobra.Command{
	Use:   "submit --query <term> [--wait [--out file.csv]]",
	Short: "Submits a session to a running server.",
	RunE: func(cmd *cobra.Command, args []string) error {
		p := submit
		if p.Server == "" {
			p.Server = "http://localhost:" + cfg.Server.Port
		}
		if p.Out != "" && !p.Wait {
			return usageError(errors.New("--out requires --wait"))
		}
		c := client.New(p.Server, cfg.Server.ReadTimeout)
		return runSubmit(cmd.Context(), c, p, cmd.OutOrStdout())
	},
}

func runSubmit(ctx context.Context, c *client.Client, p submitParams, w io.Writer) error {
	created, err := c.CreateSession(ctx, p.Request)
	if err != nil {
		return requestError(err)
	}
	fmt.Fprintf(w, "session %s %s\n", created.ID, created.Status)
	if !p.Wait {
		return nil
	}

	job, err := c.Wait(ctx, created.ID, p.Interval)
	if err != nil {
		return requestError(err)
	}
	renderJob(w, job)

	if job.Rows == 0 {
		return &exitError{code: ExitNoRecords, err: fmt.Errorf("%w: %s", scraper.ErrNoRecords, job.Error)}
	}

	if p.Out != "" {
		if err := download(ctx, c, job.ID, p.Out); err != nil {
			return err
		}
		fmt.Fprintf(w, "wrote %d records to %s\n", job.Rows, p.Out)
	}

	summary, err := c.Summary(ctx, job.ID)
	if err != nil {
		return requestError(err)
	}
	analysis.RenderTable(w, *summary)
	return nil
}

func download(ctx context.Context, c *client.Client, id, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return &exitError{code: ExitUnavailable, err: fmt.Errorf("failed to create %s: %w", path, err)}
	}
	if err := c.DownloadCSV(ctx, id, f); err != nil {
		f.Close()
		return requestError(err)
	}
	if err := f.Close(); err != nil {
		return &exitError{code: ExitUnavailable, err: fmt.Errorf("failed to close %s: %w", path, err)}
	}
	return nil
}

func renderJob(w io.Writer, job *api.Job) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("Session")
	t.AppendHeader(table.Row{"ID", "Subject", "Status", "Records", "Pages", "Reason"})
	t.AppendRow(table.Row{job.ID, job.Query, job.Status, job.Rows, job.Pages, string(job.Reason)})
	t.SetStyle(table.StyleRounded)
	t.Render()
}

// requestError maps rejected requests to a usage error and anything else,
// such as an unreachable server, to unavailable.
func requestError(err error) error {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusBadRequest {
		return usageError(err)
	}
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return &exitError{code: ExitNoRecords, err: err}
	}
	return &exitError{code: ExitUnavailable, err: err}
}
