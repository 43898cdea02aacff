package main

import (
	"fmt"
	"os"

	"github.com/dukerupert/kinship/internal/seed"
	"github.com/dukerupert/kinship/internal/store"
	"github.com/dukerupert/kinship/internal/tree"
	"github.com/spf13/cobra"
)

func newImportCmd(opts *options) *cobra.Command {
	var familyID int64

	cmd := &cobra.Command{
		Use:   "import <seed.yaml>",
		Short: "Import a family tree from a YAML seed file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			doc, err := seed.Parse(f)
			if err != nil {
				return err
			}
			people, err := doc.Build()
			if err != nil {
				return err
			}
			if _, violations := tree.Load(people, opts.log()); len(violations) > 0 {
				for _, v := range violations {
					fmt.Fprintf(cmd.ErrOrStderr(), "  %s\n", v.Error())
				}
				return fmt.Errorf("seed has %d violations", len(violations))
			}

			db, err := opts.open()
			if err != nil {
				return err
			}
			defer db.Close()

			ctx := cmd.Context()
			families := store.NewFamilyStore(db)
			if familyID == 0 {
				if doc.Family == "" {
					return fmt.Errorf("seed has no family name; pass --family to import into an existing family")
				}
				fam, err := families.Create(ctx, doc.Family)
				if err != nil {
					return err
				}
				familyID = fam.ID
			} else if fam, err := families.GetByID(ctx, familyID); err != nil {
				return err
			} else if fam == nil {
				return fmt.Errorf("family %d not found", familyID)
			}

			if err := store.NewPersonStore(db).Import(ctx, familyID, people); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d people into family %d\n", len(people), familyID)
			return nil
		},
	}

	cmd.Flags().Int64Var(&familyID, "family", 0, "import into this existing family id")
	return cmd
}
