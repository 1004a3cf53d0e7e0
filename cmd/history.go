package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"fluxpredict/core"
	"fluxpredict/db"
)

func newHistoryCmd(root *rootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [id]",
		Short: "Show recorded predictions",
		Long: `Lists the most recent predictions from the history database, or prints
one prediction as JSON when an id is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := core.LoadConfig(root.envFile)
			if err != nil {
				return err
			}
			database, err := db.Open(cfg.HistoryDB)
			if err != nil {
				return err
			}
			defer database.Close()
			repo := db.NewRepository(database, nil)
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if len(args) == 1 {
				p, err := repo.GetPrediction(ctx, args[0])
				if err != nil {
					return err
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(p)
			}

			list, err := repo.ListPredictions(ctx, limit)
			if err != nil {
				return err
			}
			counts, err := repo.CountByStatus(ctx)
			if err != nil {
				return err
			}
			printHistory(out, list, counts)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "Number of predictions to list")
	return cmd
}

func statusColor(status string) *color.Color {
	switch status {
	case db.StatusSucceeded:
		return color.New(color.FgGreen)
	case db.StatusFailed:
		return color.New(color.FgRed)
	case db.StatusCanceled:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgCyan)
	}
}

func printHistory(out io.Writer, list []db.Prediction, counts map[string]int64) {
	dim := color.New(color.FgHiBlack)
	if len(list) == 0 {
		dim.Fprintln(out, "no predictions recorded")
		return
	}
	for _, p := range list {
		statusColor(p.Status).Fprintf(out, "%-10s ", p.Status)
		fmt.Fprintf(out, "%s  %d/%d  ", p.ID, p.Accepted, p.Generated)
		dim.Fprintf(out, "%s  %s\n", p.CreatedAt.Local().Format(time.DateTime), truncate(p.Prompt, 48))
	}

	statuses := make([]string, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)
	fmt.Fprintln(out)
	for _, s := range statuses {
		statusColor(s).Fprintf(out, "%s", s)
		fmt.Fprintf(out, " %d  ", counts[s])
	}
	fmt.Fprintln(out)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
