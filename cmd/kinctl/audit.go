package main

import (
	"encoding/json"
	"fmt"

	"github.com/dukerupert/kinship/internal/model"
	"github.com/dukerupert/kinship/internal/store"
	"github.com/dukerupert/kinship/internal/tree"
	"github.com/spf13/cobra"
)

type familyAudit struct {
	FamilyID   int64            `json:"family_id"`
	Family     string           `json:"family"`
	People     int              `json:"people"`
	Violations []tree.Violation `json:"violations"`
}

func newAuditCmd(opts *options) *cobra.Command {
	var familyID int64
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Check stored family trees for inconsistent edges",
		Long: "audit loads each family tree and reports every edge that breaks spouse symmetry,\n" +
			"parent/child duality, the two-parent limit or account uniqueness. It exits\n" +
			"non-zero when any violation is found.",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := opts.open()
			if err != nil {
				return err
			}
			defer db.Close()

			ctx := cmd.Context()
			families := store.NewFamilyStore(db)
			people := store.NewPersonStore(db)

			var targets []model.Family
			if familyID != 0 {
				fam, err := families.GetByID(ctx, familyID)
				if err != nil {
					return err
				}
				if fam == nil {
					return fmt.Errorf("family %d not found", familyID)
				}
				targets = []model.Family{*fam}
			} else if targets, err = families.List(ctx); err != nil {
				return err
			}

			var results []familyAudit
			total := 0
			for _, fam := range targets {
				snapshot, err := people.Snapshot(ctx, fam.ID)
				if err != nil {
					return err
				}
				_, violations := tree.Load(snapshot, opts.log())
				if violations == nil {
					violations = []tree.Violation{}
				}
				total += len(violations)
				results = append(results, familyAudit{
					FamilyID:   fam.ID,
					Family:     fam.Name,
					People:     len(snapshot),
					Violations: violations,
				})
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(results); err != nil {
					return err
				}
			} else {
				for _, r := range results {
					fmt.Fprintf(out, "%s (family %d): %d people, %d violations\n", r.Family, r.FamilyID, r.People, len(r.Violations))
					for _, v := range r.Violations {
						fmt.Fprintf(out, "  %s\n", v.Error())
					}
				}
			}

			if total > 0 {
				return fmt.Errorf("%d violations found", total)
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&familyID, "family", 0, "audit only this family id")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")
	return cmd
}
