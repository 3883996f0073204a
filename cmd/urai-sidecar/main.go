package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command with its subcommands
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	cmd := command{global: globalFlags}

	root.AddCommand(
		createAcquireCommand(cmd),
		createReleaseCommand(cmd),
		createStatusCommand(cmd),
		createServeCommand(cmd),
		createHashSecretCommand(cmd),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "urai-sidecar",
		Short: "Singleton supervisor for the urai helper worker",
		Long: `urai-sidecar keeps exactly one urai-helper worker running per install
directory and reports the local endpoint it listens on.

Examples:
  urai-sidecar acquire --install-dir=/opt/urai
  urai-sidecar status --install-dir=/opt/urai
  urai-sidecar release --install-dir=/opt/urai
  urai-sidecar serve --config=sidecar.toml`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.InstallDir, "install-dir", "", "install directory holding the worker binary")
	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "", "override log level (debug, info, warn, error)")
	return root
}

func createAcquireCommand(c command) *cobra.Command {
	flags := &AcquireFlags{}
	cmd := &cobra.Command{
		Use:   "acquire",
		Short: "Start or reuse the worker and print its endpoint",
		Long: `Acquire reuses the worker recorded in the install directory's lock file when it
is still alive, or starts a new one and waits for it to announce its port.
The endpoint is printed as JSON. The worker keeps running after the command exits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Acquire(cmd.Context(), cmd.OutOrStdout(), *flags)
		},
	}
	cmd.Flags().DurationVar(&flags.Timeout, "timeout", 0, "overall deadline (0 = only startup_timeout applies)")
	return cmd
}

func createReleaseCommand(c command) *cobra.Command {
	flags := &ReleaseFlags{}
	cmd := &cobra.Command{
		Use:   "release",
		Short: "Stop the recorded worker and clear the lock file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Release(cmd.Context(), cmd.OutOrStdout(), *flags)
		},
	}
	cmd.Flags().DurationVar(&flags.Wait, "wait", 10*time.Second, "how long to wait for a concurrent acquisition to finish")
	return cmd
}

func createStatusCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the lock record and whether its worker is alive",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.OutOrStdout())
		},
	}
}

func createServeCommand(c command) *cobra.Command {
	flags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control API and release the worker on shutdown",
		Long: `Serve acquires the worker, exposes POST /endpoint, POST /release and GET /status
on the control API and, when configured, Prometheus metrics on /metrics.
SIGINT or SIGTERM releases the worker and stops the servers.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Serve(cmd.Context(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Listen, "listen", "", "control API address (overrides [server].listen)")
	cmd.Flags().StringVar(&flags.BasePath, "base-path", "", "control API base path (overrides [server].base_path)")
	cmd.Flags().StringVar(&flags.MetricsListen, "metrics-listen", "", "metrics address (overrides [metrics].listen)")
	cmd.Flags().BoolVar(&flags.Lazy, "lazy", false, "start the worker on the first /endpoint request")
	return cmd
}

func createHashSecretCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "hash-secret <secret>",
		Short: "Print the bcrypt hash to use as [server.auth].secret_hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.HashSecret(cmd.OutOrStdout(), args[0])
		},
	}
}
