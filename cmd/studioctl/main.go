package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/norskvideo/norsk-studio-docker/internal/config"
)

// Version is set at build time.
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	session := newSession(cfg, stdout, stderr)
	defer session.close()

	cmd := newRootCommand(session)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	return cmd.ExecuteContext(ctx)
}

func newRootCommand(s *session) *cobra.Command {
	root := &cobra.Command{
		Use:           "studioctl",
		Short:         "Bring the studio stack up, wait for it to converge and tear it down",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}
	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	flags := root.PersistentFlags()
	flags.StringVar(&s.flags.url, "url", "", "studio base URL, skips endpoint discovery")
	flags.StringVar(&s.flags.root, "root", "", "project directory holding up.sh and down.sh")
	flags.StringVar(&s.flags.logLevel, "log-level", "info", "minimum log level (debug, info, warn, error)")
	flags.StringVar(&s.flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	root.AddCommand(
		newUpCommand(s),
		newDownCommand(s),
		newWaitCommand(s),
		newComponentsCommand(s),
		newStateCommand(s),
		newEnvCommand(s),
		newSourceCommand(s),
		newLogsCommand(s),
		newBugreportCommand(s),
	)

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if s == nil || s.cfg == nil {
			return errors.New("config is required")
		}
		if err := s.open(cmd.Context()); err != nil {
			return err
		}
		s.logger.Logger.With("command", cmd.CommandPath()).Debug("command invocation", "args", cmd.Flags().Args())
		return nil
	}
	return root
}
