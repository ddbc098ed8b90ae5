package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/asiaops/asia/cli/internal/client"
	"github.com/asiaops/asia/cli/internal/render"
	"github.com/asiaops/asia/pkg/types"
)

func newUploadCmd(a *app) *cobra.Command {
	var meta types.RunMetadata
	var show bool
	cmd := &cobra.Command{
		Use:   "upload <file.csv>",
		Short: "Upload a CSV run for analysis",
		Long: `Uploads the CSV to asia-server, which stores it, computes the KPIs and
requests a diagnosis. Prints the run ID once the analysis has completed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			c, err := a.client()
			if err != nil {
				return err
			}

			resp, err := c.Upload(cmd.Context(), filepath.Base(args[0]), data, meta)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "run %s %s\n", resp.RunID, render.Status(resp.Status))
			if !show {
				return nil
			}
			view, err := c.Results(cmd.Context(), resp.RunID)
			if err != nil {
				return err
			}
			fmt.Fprint(out, "\n"+render.Results(view, a.markdown()))
			return nil
		},
	}
	cmd.Flags().StringVar(&meta.AircraftType, "aircraft", "", "aircraft type (server default when empty)")
	cmd.Flags().StringVar(&meta.Subsystem, "subsystem", "", "subsystem (server default when empty)")
	cmd.Flags().BoolVar(&show, "show", false, "print the results after the upload")
	return cmd
}

func newResultsCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "results <run_id>",
		Short: "Show the KPIs and diagnosis of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			view, err := c.Results(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(view)
			}
			fmt.Fprint(out, render.Results(view, a.markdown()))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw results JSON")
	return cmd
}

func newRawCmd(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "raw <run_id>",
		Short: "Download the CSV uploaded for a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			data, err := c.Raw(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if output == "" || output == "-" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.WriteFile(output, data, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d bytes to %s\n", len(data), output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to this file instead of stdout")
	return cmd
}

func newChatCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "chat <run_id> <question...>",
		Short: "Ask a question about an analyzed run",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			answer, err := c.Chat(cmd.Context(), args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), a.markdown().Render(answer))
			return nil
		},
	}
}

func newRunsCmd(a *app) *cobra.Command {
	var (
		watch  bool
		filter client.StreamFilter
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !watch {
				runs, err := c.Runs(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprint(out, render.Runs(runs))
				return nil
			}
			return c.Stream(cmd.Context(), filter, func(runs []types.Run) {
				fmt.Fprint(out, render.Runs(runs)+"\n")
			})
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "stream updates from the server until interrupted")
	cmd.Flags().StringVar(&filter.Subsystem, "subsystem", "", "with --watch, only stream runs for this subsystem")
	cmd.Flags().StringVar(&filter.Status, "status", "", "with --watch, only stream runs in this status")
	return cmd
}
