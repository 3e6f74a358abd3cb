// Package main provides the photoverse CLI entrypoint.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/photoverse/internal/expressions"
	"github.com/rendis/photoverse/internal/logging"
	"github.com/rendis/photoverse/internal/scheduler"
	"github.com/rendis/photoverse/internal/streaming"
	"github.com/rendis/photoverse/pkg/mcp"
	"github.com/rendis/photoverse/pkg/schema"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// cli carries the persistent flag values and the app built from them.
type cli struct {
	settingsFile string
	envFile      string
	logLevel     string
	definitions  string
	script       string

	app *app
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	c := &cli{}

	rootCmd := &cobra.Command{
		Use:   "photoverse",
		Short: "Generative flows over photos: poems, songs and narration",
		Long: `photoverse runs typed generative flows.

A flow validates its input, renders a prompt template, converses with a
model backend (dispatching tool calls such as textToSpeech) and validates
the structured output.

Use 'photoverse flows' to list the registered flows.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return c.setup(stderr)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.app != nil {
				c.app.Close()
			}
		},
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&c.settingsFile, "config", settingsPath(), "settings file")
	pf.StringVar(&c.envFile, "env-file", ".env", "dotenv file with PHOTOVERSE_* variables")
	pf.StringVar(&c.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	pf.StringVar(&c.definitions, "definitions", "", "flow definition file or directory")
	pf.StringVar(&c.script, "script", "", "model backend script (defaults to the built-in demo script)")

	rootCmd.AddCommand(
		c.flowsCmd(),
		c.runCmd(),
		c.mcpCmd(),
		c.scheduleCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, args []string) {
				printVersion(cmd.OutOrStdout())
			},
		},
	)

	return rootCmd
}

// setup loads the configuration, applies flag overrides and wires the app.
// Logs go to stderr so stdout stays free for results and the MCP transport.
func (c *cli) setup(stderr io.Writer) error {
	cfg, err := loadConfig(c.settingsFile, c.envFile)
	if err != nil {
		return err
	}

	// Layer 5: flags.
	if c.logLevel != "" {
		cfg.LogLevel = c.logLevel
	}
	if c.definitions != "" {
		cfg.Definitions = c.definitions
	}
	if c.script != "" {
		cfg.Script = c.script
	}

	logger := logging.NewLogger(stderr, parseLevel(cfg.LogLevel))
	slog.SetDefault(logger)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	c.app = a
	return nil
}

func (c *cli) flowsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flows",
		Short: "List registered flows with their tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"flows": c.app.flows.List(),
				"tools": c.app.tools.List(),
			})
		},
	}
}

func (c *cli) runCmd() *cobra.Command {
	var (
		input  string
		filter string
		trace  bool
	)
	cmd := &cobra.Command{
		Use:   "run <flow>",
		Short: "Invoke a flow once and print its output",
		Example: `  photoverse run photoToPoem --input '{"photoUrls":["https://example.com/a.jpg"]}'
  photoverse run narratePoem --input @poem.json --trace
  photoverse run photoToSong --input @photos.json --jq .song`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flow := args[0]
			raw, err := readInput(input)
			if err != nil {
				return err
			}

			var events <-chan streaming.StreamEvent
			if trace {
				ch, cancel, err := c.app.hub.Subscribe(cmd.Context(), streaming.EventFilter{Flow: flow})
				if err != nil {
					return err
				}
				defer cancel()
				events = ch
			}

			out, runErr := c.app.executor.Invoke(cmd.Context(), flow, raw)

			if events != nil {
				drainEvents(cmd.ErrOrStderr(), events)
			}
			if runErr != nil {
				writeFailure(cmd.ErrOrStderr(), runErr)
				return runErr
			}

			if filter != "" {
				out, err = expressions.NewGoJQEngine().EvaluateValue(cmd.Context(), filter, out)
				if err != nil {
					return fmt.Errorf("apply --jq: %w", err)
				}
			}
			if s, ok := out.(string); ok {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), s)
				return err
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&input, "input", "{}", "flow input as JSON, or @file to read it from a file")
	cmd.Flags().StringVar(&filter, "jq", "", "jq filter applied to the output")
	cmd.Flags().BoolVar(&trace, "trace", false, "print execution events to stderr")
	return cmd
}

func (c *cli) mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve every flow as an MCP tool over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			srv := mcp.NewServer(mcp.ServerDeps{
				Invoker: c.app.executor,
				Flows:   c.app.flows,
				Tools:   c.app.tools,
				Version: version,
				Logger:  c.app.logger,
			})
			c.app.logger.Info("mcp server starting", slog.Int("flows", len(c.app.flows.List())))
			if err := srv.Serve(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}

func (c *cli) scheduleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Run the configured flow schedules until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sched := scheduler.NewScheduler(c.app.executor, c.app.logger)
			for _, job := range c.app.cfg.Schedules {
				if err := sched.Add(job); err != nil {
					return fmt.Errorf("schedule %q: %w", job.ID, err)
				}
			}
			if len(sched.Jobs()) == 0 {
				return errors.New("no schedules configured")
			}

			ctx := cmd.Context()
			if err := sched.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			if err := sched.Stop(); err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), sched.Jobs())
		},
	}
}

// readInput decodes --input: inline JSON, or @path for a file.
func readInput(arg string) (any, error) {
	data := []byte(arg)
	if path, ok := strings.CutPrefix(arg, "@"); ok {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read input: %w", err)
		}
		data = b
	}
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("parse input: %w", err)
	}
	return v, nil
}

// drainEvents prints the events already buffered for a finished invocation.
// The hub publishes synchronously, so everything is queued by now.
func drainEvents(w io.Writer, events <-chan streaming.StreamEvent) {
	enc := json.NewEncoder(w)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = enc.Encode(ev)
		default:
			return
		}
	}
}

func writeFailure(w io.Writer, err error) {
	var se *schema.Error
	if !errors.As(err, &se) {
		se = schema.NewError(schema.ErrCodeBackend, err.Error())
	}
	_ = writeJSON(w, map[string]any{
		"error":        se,
		"user_message": se.UserFacing(),
	})
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
