package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/dukerupert/kinship/internal/store"
	"github.com/spf13/cobra"
)

func newFamiliesCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "families",
		Short: "List families",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := opts.open()
			if err != nil {
				return err
			}
			defer db.Close()

			list, err := store.NewFamilyStore(db).List(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tCREATED")
			for _, f := range list {
				fmt.Fprintf(tw, "%d\t%s\t%s\n", f.ID, f.Name, f.CreatedAt.Format("2006-01-02"))
			}
			return tw.Flush()
		},
	}
}
