package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/norskvideo/norsk-studio-docker/internal/config"
	"github.com/norskvideo/norsk-studio-docker/internal/diagnostics"
	"github.com/norskvideo/norsk-studio-docker/internal/poll"
	"github.com/norskvideo/norsk-studio-docker/internal/process"
	"github.com/norskvideo/norsk-studio-docker/internal/reconcile"
	"github.com/norskvideo/norsk-studio-docker/internal/status"
)

func newUpCommand(s *session) *cobra.Command {
	var (
		workflow    string
		networkMode string
		keep        bool
	)
	cmd := &cobra.Command{
		Use:   "up [-- extra up.sh args]",
		Short: "Start the process group and wait until the studio is healthy",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := s.wire()
			if err != nil {
				return err
			}
			mode := networkMode
			if mode == "" {
				mode = s.cfg.NetworkMode
			}
			parsed, err := process.ParseNetworkMode(mode)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			opts := process.StartOptions{NetworkMode: parsed, Workflow: workflow, Args: args}
			if err := st.orchestrator.Start(ctx, st.group, opts); err != nil {
				if !keep {
					st.orchestrator.Stop(ctx, st.group)
				}
				return err
			}
			if workflow != "" {
				list, err := st.reconciler.WaitForWorkflow(ctx, s.cfg.Workflow.Poll())
				if err != nil {
					if !keep {
						st.orchestrator.Stop(ctx, st.group)
					}
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "workflow running with %d components\n", list.TotalComponents)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s at %s\n", st.group.Name, st.orchestrator.State(st.group.Name), st.resolver.Resolve(ctx))
			return nil
		},
	}
	cmd.Flags().StringVar(&workflow, "workflow", "", "workflow file passed to up.sh; also waits for it to run")
	cmd.Flags().StringVar(&networkMode, "network-mode", "", "default or docker (defaults to network_mode from config)")
	cmd.Flags().BoolVar(&keep, "keep-on-failure", false, "leave the group running when start fails")
	return cmd
}

func newDownCommand(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Stop the process group",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := s.wire()
			if err != nil {
				return err
			}
			st.orchestrator.Stop(cmd.Context(), st.group)
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", st.group.Name, st.orchestrator.State(st.group.Name))
			return nil
		},
	}
}

type waitFlags struct {
	attempts int
	interval time.Duration
}

// budget applies the flag overrides to a configured wait.
func (f waitFlags) budget(base config.WaitConfig) poll.Config {
	cfg := base.Poll()
	if f.attempts > 0 {
		cfg.MaxAttempts = f.attempts
	}
	if f.interval > 0 {
		cfg.Interval = f.interval
	}
	return cfg
}

func newWaitCommand(s *session) *cobra.Command {
	var flags waitFlags
	cmd := &cobra.Command{
		Use:   "wait",
		Short: "Wait for the studio to converge",
	}
	cmd.PersistentFlags().IntVar(&flags.attempts, "attempts", 0, "maximum attempts (defaults to config)")
	cmd.PersistentFlags().DurationVar(&flags.interval, "interval", 0, "delay between attempts (defaults to config)")

	cmd.AddCommand(&cobra.Command{
		Use:   "healthy",
		Short: "Wait until the health endpoint answers 200",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := s.wire()
			if err != nil {
				return err
			}
			path := s.cfg.HealthPath
			err = st.poller.Until(cmd.Context(), "studio health", flags.budget(s.cfg.Health), func(ctx context.Context) error {
				_, err := st.status.Get(ctx, path)
				return err
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "studio healthy")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "workflow",
		Short: "Wait until a workflow with at least one component is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := s.wire()
			if err != nil {
				return err
			}
			list, err := st.reconciler.WaitForWorkflow(cmd.Context(), flags.budget(s.cfg.Workflow))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "workflow running with %d components\n", list.TotalComponents)
			return nil
		},
	})

	var absent bool
	stream := &cobra.Command{
		Use:   "stream <component> <stream>...",
		Short: "Wait until streams are connected to (or gone from) a component",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := s.wire()
			if err != nil {
				return err
			}
			component := args[0]
			budget := flags.budget(s.cfg.State)
			waits := make([]reconcile.Wait, 0, len(args)-1)
			for _, name := range args[1:] {
				name := name
				waits = append(waits, func(ctx context.Context) error {
					if absent {
						_, err := st.reconciler.WaitForAbsence(ctx, component, name, budget)
						return err
					}
					_, err := st.reconciler.WaitForMembership(ctx, component, name, budget)
					return err
				})
			}
			if err := st.reconciler.WaitAll(cmd.Context(), waits...); err != nil {
				return err
			}
			verb := "connected to"
			if absent {
				verb = "disconnected from"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", strings.Join(args[1:], ", "), verb, component)
			return nil
		},
	}
	stream.Flags().BoolVar(&absent, "absent", false, "wait for the streams to disconnect instead")
	cmd.AddCommand(stream)
	return cmd
}

func newComponentsCommand(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "components",
		Short: "List the running workflow's components and their connected streams",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := s.wire()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			list, err := st.status.Components(ctx)
			if err != nil {
				return err
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.AppendHeader(table.Row{"Component", "Connected streams"})
			t.SetColumnConfigs([]table.ColumnConfig{
				{Name: "Connected streams", WidthMax: 80, WidthMaxEnforcer: text.WrapSoft},
			})
			for _, id := range list.IDs() {
				t.AppendRow(table.Row{id, describeStreams(ctx, st.status, id)})
			}
			t.AppendFooter(table.Row{"Total", list.TotalComponents})
			t.Render()
			return nil
		},
	}
}

func describeStreams(ctx context.Context, client *status.Client, componentID string) string {
	raw, err := client.ComponentState(ctx, componentID)
	if err != nil {
		return "error: " + err.Error()
	}
	streams, err := reconcile.Document{ComponentID: componentID, Raw: raw}.ConnectedStreams()
	if err != nil {
		return "error: " + err.Error()
	}
	if len(streams) == 0 {
		return "-"
	}
	return strings.Join(streams, ", ")
}

func newStateCommand(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "state <component>",
		Short: "Print a component's live state document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := s.wire()
			if err != nil {
				return err
			}
			raw, err := st.status.ComponentState(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeIndented(cmd.OutOrStdout(), raw)
		},
	}
}

func newEnvCommand(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "List the component types registered with the studio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := s.wire()
			if err != nil {
				return err
			}
			env, err := st.status.Env(cmd.Context())
			if err != nil {
				return err
			}
			for _, name := range env.RegisteredComponents {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}

func newSourceCommand(s *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "source",
		Short: "Start or stop a sample SRT source",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "start <name>",
		Short: "Start a source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := s.wire()
			if err != nil {
				return err
			}
			if err := st.orchestrator.StartSource(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "source %s started\n", args[0])
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "stop <name>",
		Short: "Stop a source; failures are logged only",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := s.wire()
			if err != nil {
				return err
			}
			st.orchestrator.StopSource(cmd.Context(), args[0])
			fmt.Fprintf(cmd.OutOrStdout(), "source %s stopped\n", args[0])
			return nil
		},
	})
	return cmd
}

func newLogsCommand(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "logs",
		Short: "Capture the tail of every process's output in the group",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := s.wire()
			if err != nil {
				return err
			}
			report := st.collector.Capture(cmd.Context(), st.group)
			renderReport(cmd.OutOrStdout(), report)
			if report.Failures() == len(report.Entries) && len(report.Entries) > 0 {
				return errors.New("no process output could be captured")
			}
			return nil
		},
	}
}

func renderReport(out io.Writer, report diagnostics.Report) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetTitle(fmt.Sprintf("Diagnostics for %s", report.Group))
	t.AppendHeader(table.Row{"Process", "Lines", "Status"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Lines", Align: text.AlignRight},
	})
	for _, entry := range report.Entries {
		result := "ok"
		if entry.Err != nil {
			result = entry.Err.Error()
		}
		lines := 0
		if entry.Output != "" {
			lines = strings.Count(entry.Output, "\n") + 1
		}
		t.AppendRow(table.Row{entry.Process, lines, result})
	}
	t.AppendFooter(table.Row{"Failures", report.Failures(), ""})
	t.Render()
}

func writeIndented(out io.Writer, raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return fmt.Errorf("format state: %w", err)
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(out)
	return err
}
