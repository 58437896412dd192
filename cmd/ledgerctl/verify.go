package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/jmerrifield20/trustsubstrate/internal/ledger"
	"github.com/jmerrifield20/trustsubstrate/internal/verify"
	"github.com/spf13/cobra"
)

func newVerifyCmd() *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "verify [chain]",
		Short: "Recompute the hash chain and report the first broken row",
		Long: `verify walks a chain (or every chain when none is given) in write order
and recomputes each row's hash against its stored predecessor.

Exits 1 when any chain is broken.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			var reports []*verify.Report
			if len(args) == 1 {
				chain, err := ledger.ParseChain(args[0])
				if err != nil {
					return err
				}
				rep, err := a.Verifier.VerifyChain(cmd.Context(), chain, from, to)
				if err != nil {
					return err
				}
				reports = []*verify.Report{rep}
			} else {
				if from != "" || to != "" {
					return fmt.Errorf("--from and --to need a chain argument")
				}
				if reports, err = a.Verifier.VerifyAll(cmd.Context()); err != nil {
					return err
				}
			}

			if asJSON {
				if err := printJSON(cmd.OutOrStdout(), reports); err != nil {
					return err
				}
			} else {
				printReports(cmd, reports)
			}
			for _, rep := range reports {
				if !rep.Intact {
					return errFailed
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "first row id of the range (default chain start)")
	cmd.Flags().StringVar(&to, "to", "", "last row id of the range (default chain end)")
	return cmd
}

func printReports(cmd *cobra.Command, reports []*verify.Report) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CHAIN\tROWS\tVERDICT\tBROKEN AT\tHEAD")
	for _, rep := range reports {
		verdict := "intact"
		if !rep.Intact {
			verdict = "BROKEN"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", rep.Chain, rep.RowsChecked, verdict, rep.BrokenAt, rep.LastHash)
	}
	w.Flush()

	for _, rep := range reports {
		for _, v := range rep.Violations {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s seq %d row %s: %s %s\n", v.Chain, v.Seq, v.RowID, v.Reason, v.Detail)
		}
		if rep.Truncated {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s: more violations not shown\n", rep.Chain)
		}
	}
}
