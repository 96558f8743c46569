package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"ciorch/cmd"
	"ciorch/config"
)

var (
	configPath string
	appConfig  config.Config
)

var rootCmd = &cobra.Command{
	Use:   "ciorch",
	Short: "ciorch - build and test orchestration across containers, hosts and VMs",
	Long: `ciorch runs a pipeline of jobs described in ciorch.yml. Jobs run on
containers, bare hosts or freshly booted virtual machines, exchange
artifacts, and are gated by markers in the triggering branch name.`,
	SilenceUsage: true,
	PersistentPreRunE: func(c *cobra.Command, args []string) error {
		var err error
		appConfig, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run [ciorch.yml]",
	Short: "Run a pipeline locally and print its report",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		var opts cmd.RunOptions
		if len(args) == 1 {
			opts.File = args[0]
		}
		opts.Ref, _ = c.Flags().GetString("ref")
		opts.Commit, _ = c.Flags().GetString("commit")

		ctx, stop := signal.NotifyContext(c.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		env, err := cmd.Setup(ctx, appConfig, cmd.NewLogger(appConfig.LogLevel))
		if err != nil {
			return err
		}
		defer env.Close()

		run, err := cmd.Run(ctx, env, opts)
		if err != nil {
			return err
		}
		if run.Activated && !run.Report.Passed {
			return fmt.Errorf("pipeline failed")
		}
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and run scheduled pipelines",
	Args:  cobra.NoArgs,
	RunE: func(c *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(c.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		env, err := cmd.Setup(ctx, appConfig, cmd.NewLogger(appConfig.LogLevel))
		if err != nil {
			return err
		}
		defer env.Close()

		return cmd.Serve(ctx, env, cwd)
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate [ciorch.yml]",
	Short: "Check a pipeline and print its execution waves",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		var path string
		if len(args) == 1 {
			path = args[0]
		}
		return cmd.Validate(c.OutOrStdout(), path)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "config file")

	runCmd.Flags().String("ref", "", "activation ref, e.g. refs/heads/ci-build-linux (default: current git branch)")
	runCmd.Flags().String("commit", "", "commit being built (default: git HEAD)")

	rootCmd.AddCommand(runCmd, serveCmd, validateCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "❌", err)
		os.Exit(1)
	}
}
