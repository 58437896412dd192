// Command boundarylint fails when a package outside the allow-list imports
// internal/store directly. Run it from the module root in CI.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/jmerrifield20/trustsubstrate/internal/boundary"
	"github.com/spf13/cobra"
)

func main() {
	var asJSON bool

	root := &cobra.Command{
		Use:   "boundarylint [module-root]",
		Short: "Report packages that bypass the scoped access gate",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			findings, err := boundary.Check(dir, boundary.DefaultRules)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(findings); err != nil {
					return err
				}
			} else {
				for _, f := range findings {
					fmt.Fprintln(cmd.OutOrStdout(), f)
				}
			}
			if len(findings) > 0 {
				return fmt.Errorf("%d boundary violation(s)", len(findings))
			}
			return nil
		},
		SilenceUsage: true,
	}
	root.Flags().BoolVar(&asJSON, "json", false, "print findings as JSON")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
