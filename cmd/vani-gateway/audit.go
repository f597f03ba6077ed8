package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vani-protocol/vani-gateway/pkg/gateway/audit"
)

func newAuditCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Review recorded stream anomalies",
	}

	var (
		dbPath  string
		session string
		kind    string
		since   time.Duration
		limit   int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List anomalies, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dbPath == "" {
				cfg, err := loadConfig(opts)
				if err != nil {
					return err
				}
				dbPath = cfg.AuditDBPath
			}
			if dbPath == "" {
				return fmt.Errorf("no audit database: pass --db or set VANI_AUDIT_DB")
			}
			store, err := audit.Open(dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			f := audit.Filter{SessionID: session, Kind: kind, Limit: limit}
			if since > 0 {
				f.Since = time.Now().Add(-since)
			}
			entries, err := store.List(cmd.Context(), f)
			if err != nil {
				return err
			}
			return printAnomalies(cmd.OutOrStdout(), entries)
		},
	}
	list.Flags().StringVar(&dbPath, "db", "", "audit database (default $VANI_AUDIT_DB)")
	list.Flags().StringVar(&session, "session", "", "only this session id")
	list.Flags().StringVar(&kind, "kind", "", "only this anomaly kind")
	list.Flags().DurationVar(&since, "since", 0, "only anomalies newer than this, e.g. 1h")
	list.Flags().IntVar(&limit, "limit", 100, "maximum rows")
	cmd.AddCommand(list)
	return cmd
}

func printAnomalies(w io.Writer, entries []audit.Entry) error {
	if len(entries) == 0 {
		fmt.Fprintln(w, dateStyle.Render("no anomalies recorded"))
		return nil
	}
	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("Anomalies (%d)", len(entries))))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "AT\tSESSION\tKIND\tSTAGE\tDETAIL")
	for _, e := range entries {
		stage := string(e.Stage)
		if stage == "" {
			stage = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			dateStyle.Render(e.At.Local().Format(time.DateTime)), idStyle.Render(e.SessionID), warnStyle.Render(e.Kind), stage, e.Detail)
	}
	return tw.Flush()
}
