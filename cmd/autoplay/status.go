package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fleetpilot.ai/internal/autoplay"
	"fleetpilot.ai/internal/persistence/indexdb"
	persistlog "fleetpilot.ai/internal/persistence/log"
)

func statusCmd() *cobra.Command {
	var entity string
	var limit int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the latest recorded operation of every entity",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := resolveDataDir(viper.GetString("data-dir"), viper.GetString("config"))
			if err != nil {
				return err
			}
			idx, err := indexdb.OpenSQLite(indexPath(dir))
			if err != nil {
				return err
			}
			defer idx.Close()
			out := cmd.OutOrStdout()
			if entity != "" {
				calls, err := idx.RecentCalls(cmd.Context(), entity, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(out, calls)
				}
				renderCalls(out, calls)
				return nil
			}
			ops, err := idx.LatestOperations(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(out, ops)
			}
			renderOperations(out, ops, time.Now())
			return nil
		},
	}
	cmd.Flags().StringVar(&entity, "entity", "", "show recent calls for one entity")
	cmd.Flags().IntVar(&limit, "limit", 20, "number of calls with --entity")
	return cmd
}

func journalCmd() *cobra.Command {
	var entity string
	var limit int
	cmd := &cobra.Command{
		Use:   "journal [file]",
		Short: "Print journal records (default: the newest journal file)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			} else {
				dir, err := resolveDataDir(viper.GetString("data-dir"), viper.GetString("config"))
				if err != nil {
					return err
				}
				files, err := persistlog.Files(dir)
				if err != nil {
					return err
				}
				if len(files) == 0 {
					return fmt.Errorf("no journal files under %s", dir)
				}
				path = files[len(files)-1]
			}
			recs, err := persistlog.ReadRecords(path)
			if err != nil && len(recs) == 0 {
				return err
			}
			if err != nil {
				fmt.Fprintln(os.Stderr, "warning:", err)
			}
			recs = filterRecords(recs, entity, limit)
			if viper.GetBool("json") {
				return printJSON(cmd.OutOrStdout(), recs)
			}
			renderRecords(cmd.OutOrStdout(), recs)
			return nil
		},
	}
	cmd.Flags().StringVar(&entity, "entity", "", "only this entity")
	cmd.Flags().IntVar(&limit, "limit", 50, "keep the last N records (0 for all)")
	return cmd
}

func filterRecords(recs []autoplay.Record, entity string, limit int) []autoplay.Record {
	out := recs[:0:0]
	for _, r := range recs {
		if entity == "" || string(r.EntityID) == entity {
			out = append(out, r)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func renderOperations(w io.Writer, ops []indexdb.OperationRow, now time.Time) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Entity", "Role", "State", "Operation", "Calls", "Errors", "Last Result", "Age"})
	for _, o := range ops {
		op := o.OpDetail
		if o.Event == string(autoplay.EventRemoved) {
			op = "REMOVED"
		}
		tw.AppendRow(table.Row{o.EntityID, o.Role, o.State, op, o.CallsIssued, o.CallErrors, o.LastResult, age(now, o.UpdatedAt)})
	}
	tw.Render()
}

func renderCalls(w io.Writer, calls []indexdb.CallRow) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"At", "Event", "Action", "Tx", "Error"})
	for _, c := range calls {
		tw.AppendRow(table.Row{c.At.Format(time.RFC3339), c.Event, c.Action, c.TxRef, c.Error})
	}
	tw.Render()
}

func renderRecords(w io.Writer, recs []autoplay.Record) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Time", "Entity", "Event", "State", "Operation", "Action", "Detail"})
	for _, r := range recs {
		detail := r.TxRef
		if r.Error != "" {
			detail = r.Error
		}
		tw.AppendRow(table.Row{r.Time.Format("15:04:05.000"), r.EntityID, r.Event, r.State, r.Operation.Detail, r.Action, detail})
	}
	tw.Render()
}

func age(now, t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return now.Sub(t).Round(time.Second).String()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
