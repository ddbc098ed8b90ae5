package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/asiaops/asia/cli/internal/render"
	"github.com/asiaops/asia/pkg/ingest"
	"github.com/asiaops/asia/pkg/kpi"
)

func newKPICmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "kpi <file.csv>",
		Short: "Compute the actuator KPIs of a CSV run locally",
		Long: `Parses the CSV, validates the required columns and computes the three
KPI records without contacting a server.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			samples, err := ingest.Parse(f)
			if err != nil {
				return err
			}
			kpis, err := kpi.Extract(samples)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(kpis)
			}
			fmt.Fprintf(out, "%d samples\n\n", len(samples))
			fmt.Fprint(out, render.KPITable(kpis))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the KPI records as JSON")
	return cmd
}
