package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/asiaops/asia/cli/internal/client"
	"github.com/asiaops/asia/cli/internal/config"
	"github.com/asiaops/asia/cli/internal/render"
)

// app carries the global flags and the resolved configuration shared by all
// subcommands.
type app struct {
	configPath  string
	server      string
	style       string
	maxAttempts int
	verbose     bool

	cfg *config.Config
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "asiactl", "config.yaml")
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "asiactl",
		Short: "Actuator KPI extraction and diagnosis client",
		Long: `asiactl works with flight-control actuator telemetry captured as CSV
(time_step, cmd_deg, pos_deg, hyd_pressure_psi, actuator_temp_C).

It computes the three actuator KPIs locally (cmd_pos_lag_avg,
hyd_pressure_trend, actuator_temp_C_max) or uploads runs to asia-server for
storage and an AI diagnosis, then lets you ask follow-up questions.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level := slog.LevelWarn
			if a.verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
			return a.load(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", defaultConfigPath(), "path to the asiactl config file")
	pf.StringVar(&a.server, "server", "", "asia-server base URL (overrides config and "+config.ServerEnv+")")
	pf.StringVar(&a.style, "style", "", "markdown style: auto|dark|light|notty")
	pf.IntVar(&a.maxAttempts, "max-attempts", 0, "tries per request on transient failures")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newKPICmd(),
		newUploadCmd(a),
		newResultsCmd(a),
		newRawCmd(a),
		newChatCmd(a),
		newRunsCmd(a),
	)
	return root
}

// load resolves the configuration and applies flag overrides.
func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("server") {
		cfg.Server = a.server
	}
	if flags.Changed("style") {
		cfg.Style = a.style
	}
	if flags.Changed("max-attempts") {
		cfg.MaxAttempts = a.maxAttempts
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("asiactl: %w", err)
	}
	a.cfg = cfg
	slog.Debug("asiactl: config resolved", "server", cfg.Server, "max_attempts", cfg.MaxAttempts)
	return nil
}

func (a *app) client() (*client.Client, error) {
	return client.New(a.cfg.Server, client.Options{
		Timeout:     a.cfg.Timeout,
		MaxAttempts: a.cfg.MaxAttempts,
	})
}

func (a *app) markdown() *render.Markdown {
	md, err := render.NewMarkdown(a.cfg.Style, 80)
	if err != nil {
		slog.Warn("asiactl: markdown disabled", "err", err)
		return nil
	}
	return md
}
