// Command aivory-debug is the CLI front end for the AIVory snapshot
// debugger: it manages snapshots and logpoints on a running debuggee
// and browses the local capture archive.
package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	isatty "github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/aivorynet/debugger-go/pkg/breakpoint"
	"github.com/aivorynet/debugger-go/pkg/history"
	"github.com/aivorynet/debugger-go/pkg/session"
	"github.com/aivorynet/debugger-go/pkg/store"
)

var (
	flagURL      string
	flagAPIKey   string
	flagDebuggee string
	flagDebug    bool
	flagHistory  string

	snapshotCondition   string
	snapshotExpressions []string
	snapshotWait        time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "aivory-debug",
	Short: "Snapshot debugger client for AIVory-instrumented services",
	Long: `aivory-debug sets snapshots and logpoints on a running service
instrumented with the AIVory agent, without stopping it.

A snapshot captures the call stack and local variables the next time
the marked line executes. A logpoint injects a log statement at the
line instead. Both are delivered to the agent through the AIVory
backend and resolve asynchronously.

Configuration is read from ` + session.ConfigPath() + `,
overridden by AIVORY_* environment variables and these flags.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagURL, "url", "", "backend websocket URL")
	rootCmd.PersistentFlags().StringVar(&flagAPIKey, "api-key", "", "backend API key")
	rootCmd.PersistentFlags().StringVarP(&flagDebuggee, "debuggee", "d", "", "debuggee id to attach to")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&flagHistory, "history-db", "", "local capture archive path")

	snapshotCmd.Flags().StringVarP(&snapshotCondition, "condition", "c", "", "only trigger when this expression is true")
	snapshotCmd.Flags().StringArrayVarP(&snapshotExpressions, "expression", "e", nil, "expression to evaluate at capture time (repeatable)")
	snapshotCmd.Flags().DurationVar(&snapshotWait, "wait", 0, "wait up to this long for the capture to resolve")

	rootCmd.AddCommand(debuggeesCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(logpointCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(historyCmd)
}

func loadConfig() *session.Config {
	var opts []session.ConfigOption
	if flagURL != "" {
		opts = append(opts, session.WithBackendURL(flagURL))
	}
	if flagAPIKey != "" {
		opts = append(opts, session.WithAPIKey(flagAPIKey))
	}
	if flagDebuggee != "" {
		opts = append(opts, session.WithDebuggeeID(flagDebuggee))
	}
	if flagDebug {
		opts = append(opts, session.WithDebug(true))
	}
	if flagHistory != "" {
		opts = append(opts, session.WithHistoryPath(flagHistory))
	}
	return session.NewConfig(opts...)
}

func attach(ctx context.Context, cb session.Callbacks) (*session.Session, error) {
	return session.Attach(ctx, loadConfig(), cb)
}

// printHeader writes a column header, skipped when output is piped so
// scripts get clean rows.
func printHeader(format string, args ...any) {
	if isatty.IsTerminal(os.Stdout.Fd()) {
		fmt.Printf(format, args...)
	}
}

// parseLocation splits "path/to/file.go:42".
func parseLocation(arg string) (string, int, error) {
	i := strings.LastIndex(arg, ":")
	if i <= 0 || i == len(arg)-1 {
		return "", 0, fmt.Errorf("invalid location %q (want file:line)", arg)
	}
	line, err := strconv.Atoi(arg[i+1:])
	if err != nil || line <= 0 {
		return "", 0, fmt.Errorf("invalid line in %q", arg)
	}
	return arg[:i], line, nil
}

var debuggeesCmd = &cobra.Command{
	Use:   "debuggees",
	Short: "List debuggees registered with the backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg := loadConfig()
		st, err := store.Dial(ctx, cfg.BackendURL, cfg.APIKey, cfg.Debug)
		if err != nil {
			return err
		}
		defer st.Close()

		debuggees, err := session.ListDebuggees(ctx, st)
		if err != nil {
			return err
		}
		if len(debuggees) == 0 {
			fmt.Println("No debuggees registered.")
			return nil
		}
		sort.Slice(debuggees, func(i, j int) bool { return debuggees[i].ID < debuggees[j].ID })
		printHeader("%-24s %-8s %s\n", "ID", "STATE", "DESCRIPTION")
		for _, d := range debuggees {
			state := "active"
			if d.IsInactive {
				state = "inactive"
			}
			fmt.Printf("%-24s %-8s %s\n", d.ID, state, d.Description)
		}
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the debuggee's active breakpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := attach(cmd.Context(), session.Callbacks{})
		if err != nil {
			return err
		}
		defer s.Close()

		bps := s.Manager().GetBreakpoints()
		if len(bps) == 0 {
			fmt.Println("No breakpoints set.")
			return nil
		}
		sort.Slice(bps, func(i, j int) bool { return bps[i].ID < bps[j].ID })
		printHeader("%-16s %-8s %s\n", "ID", "KIND", "LOCATION")
		for _, bp := range bps {
			fmt.Printf("%-16s %-8s %s:%d", bp.ID, bp.Kind, bp.Path, bp.Line)
			if bp.Condition != "" {
				fmt.Printf("  if %s", bp.Condition)
			}
			if bp.IsLogpoint() {
				fmt.Printf("  %q", bp.UserLogMessage())
			}
			fmt.Println()
		}
		return nil
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot <file:line>",
	Short: "Set a snapshot at a source location",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		path, line, err := parseLocation(args[0])
		if err != nil {
			return err
		}

		done := make(chan *breakpoint.Breakpoint, 16)
		cb := session.Callbacks{
			OnCompletedBreakpoint: func(bp *breakpoint.Breakpoint) {
				select {
				case done <- bp:
				default:
				}
			},
		}
		s, err := attach(ctx, cb)
		if err != nil {
			return err
		}
		defer s.Close()

		bp := breakpoint.FromSourceSpec(path, breakpoint.SourceSpec{
			Line:        line,
			Condition:   snapshotCondition,
			Expressions: snapshotExpressions,
		})
		if err := s.Manager().SaveBreakpointToServer(ctx, bp); err != nil {
			return err
		}
		fmt.Printf("Snapshot %s set at %s:%d\n", bp.ID, bp.Path, bp.Line)

		if snapshotWait <= 0 {
			return nil
		}
		deadline := time.After(snapshotWait)
		for {
			select {
			case completed := <-done:
				if completed.ID != bp.ID {
					continue
				}
				printCompletion(completed)
				return nil
			case <-deadline:
				fmt.Println("Still pending; it will resolve when the line executes.")
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	},
}

var logpointCmd = &cobra.Command{
	Use:   "logpoint <file:line> <message>",
	Short: "Set a logpoint at a source location",
	Long: `Set a logpoint. Embedded expressions in the message are written
in braces and evaluated in the debuggee when the line executes:

  aivory-debug logpoint src/server.go:80 "handling {req.URL} for {user.Name}"`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		path, line, err := parseLocation(args[0])
		if err != nil {
			return err
		}

		s, err := attach(ctx, session.Callbacks{})
		if err != nil {
			return err
		}
		defer s.Close()

		bp := breakpoint.FromSourceSpec(path, breakpoint.SourceSpec{
			Line:       line,
			LogMessage: args[1],
		})
		if err := s.Manager().SaveBreakpointToServer(ctx, bp); err != nil {
			return err
		}
		fmt.Printf("Logpoint %s set at %s:%d\n", bp.ID, bp.Path, bp.Line)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <breakpoint-id>",
	Short: "Delete an active breakpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := attach(cmd.Context(), session.Callbacks{})
		if err != nil {
			return err
		}
		defer s.Close()

		if _, ok := s.Manager().GetBreakpoint(args[0]); !ok {
			return fmt.Errorf("no active breakpoint %s", args[0])
		}
		if err := s.Manager().DeleteBreakpointFromServer(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted %s\n", args[0])
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history [breakpoint-id]",
	Short: "Browse locally archived captures",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		if cfg.HistoryPath == "" {
			return fmt.Errorf("no capture archive configured (set [history] path or --history-db)")
		}
		archive, err := history.Open(cfg.HistoryPath)
		if err != nil {
			return err
		}
		defer archive.Close()

		if len(args) == 1 {
			bp, err := archive.Get(args[0])
			if err != nil {
				return err
			}
			printCompletion(bp)
			return nil
		}

		entries, err := archive.List(cfg.DebuggeeID)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No archived captures.")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%-16s %s  %s:%d", e.BreakpointID, e.ArchivedAt.Local().Format(time.RFC3339), e.Path, e.Line)
			if e.Condition != "" {
				fmt.Printf("  if %s", e.Condition)
			}
			fmt.Println()
		}
		return nil
	},
}

func printCompletion(bp *breakpoint.Breakpoint) {
	fmt.Printf("%s %s at %s:%d: %s\n", bp.Kind, bp.ID, bp.Path, bp.Line, bp.State)
	if bp.HasError() && bp.Status != nil {
		fmt.Printf("  error: %s\n", bp.Status.Description.String())
		return
	}
	if !bp.HasCapturedData() {
		return
	}
	resolver := breakpoint.NewVariableResolver(bp.VariableTable)
	for i, expr := range bp.EvaluatedExpressions {
		v := resolver.Resolve(expr)
		fmt.Printf("  expr %d: %s = %s\n", i, v.Name, v.Value)
	}
	for i, frame := range bp.StackFrames {
		loc := ""
		if frame.Location != nil {
			loc = fmt.Sprintf(" (%s:%d)", frame.Location.Path, frame.Location.Line)
		}
		fmt.Printf("  #%d %s%s\n", i, frame.Function, loc)
		for _, local := range frame.Locals {
			v := resolver.Resolve(local)
			fmt.Printf("      %s = %s\n", v.Name, v.Value)
		}
		if i >= 3 {
			fmt.Printf("  ... %d more frames\n", len(bp.StackFrames)-i-1)
			break
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
