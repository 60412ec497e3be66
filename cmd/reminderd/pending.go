package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

func pendingCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List persisted reminders without arming or migrating them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st := newStore(cfg)
			if err := st.OpenReadOnly(cmd.Context()); err != nil {
				return err
			}
			defer st.Close()

			recs, err := st.List(cmd.Context())
			if err != nil {
				return err
			}
			sort.Slice(recs, func(i, j int) bool {
				if recs[i].FireAtEpochMs != recs[j].FireAtEpochMs {
					return recs[i].FireAtEpochMs < recs[j].FireAtEpochMs
				}
				return recs[i].ID < recs[j].ID
			})

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(recs)
			}
			now := time.Now()
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSOURCE\tFIRES AT\tIN\tTITLE")
			for _, r := range recs {
				due := "due"
				if d := r.DueIn(now); d > 0 {
					due = d.Round(time.Second).String()
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Source(), r.FireAt().Format(time.RFC3339), due, r.Title)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Fprintln(os.Stderr, "no pending reminders")
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "Output as JSON")
	return cmd
}
