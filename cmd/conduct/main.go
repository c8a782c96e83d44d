// Command conduct compiles and runs declarative shell-command workflows:
// check and visualize sources, lower them to bytecode, and execute them
// under the dependency-aware parallel engine, optionally with a Prometheus
// monitor or the browser UI.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	conduct "github.com/armadha/conduct"
	"github.com/armadha/conduct/bytecode"
	"github.com/armadha/conduct/internal/config"
	"github.com/armadha/conduct/internal/webui"
	"github.com/armadha/conduct/observer"
	"github.com/armadha/conduct/parser"
	"github.com/armadha/conduct/visualize"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "conduct:", err)
		os.Exit(1)
	}
}

// errRunFailed signals a workflow that ran but did not fully succeed; the
// result has already been printed, so the message stays terse.
type errRunFailed struct{ result conduct.Result }

func (e errRunFailed) Error() string { return "workflow " + e.result.String() }

func newRootCmd() *cobra.Command {
	var cfgPath string
	var trace bool
	cfg := config.Default()

	root := &cobra.Command{
		Use:           "conduct",
		Short:         "Workflow orchestrator for shell-command pipelines",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cfg = config.Load(cfgPath)
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to conduct.toml")
	root.PersistentFlags().BoolVar(&trace, "trace", false, "export OTEL spans and metrics")

	newEngine := func(wf *conduct.Workflow, maxWorkers, memLimitMB int, extra ...conduct.EngineOption) (*conduct.Engine, func()) {
		if maxWorkers == 0 {
			maxWorkers = cfg.Run.MaxWorkers
		}
		if memLimitMB == 0 {
			memLimitMB = cfg.Run.MemLimitMB
		}
		opts := []conduct.EngineOption{
			conduct.WithWorkdir(cfg.Run.Workdir),
			conduct.WithMaxWorkers(maxWorkers),
			conduct.WithMemLimit(memLimitMB),
		}
		cleanup := func() {}
		if trace {
			if inst, shutdown, err := observer.Init(context.Background()); err == nil {
				opts = append(opts,
					conduct.WithTracer(observer.NewTracer()),
					conduct.WithStatusFunc(inst.StatusFunc()),
				)
				start := time.Now()
				cleanup = func() {
					inst.RunDuration.Record(context.Background(), time.Since(start).Seconds())
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = shutdown(ctx)
				}
			} else {
				slog.Warn("tracing disabled", "error", err)
			}
		}
		opts = append(opts, extra...)
		return conduct.NewEngine(wf, opts...), cleanup
	}

	report := func(result conduct.Result, err error) error {
		if err != nil {
			return err
		}
		fmt.Println("workflow", result)
		if !result.OK() {
			return errRunFailed{result}
		}
		return nil
	}

	root.AddCommand(&cobra.Command{
		Use:   "parse <file>",
		Short: "Parse a workflow source and print its shape",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := parser.ParseFile(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("workflow %s: %d steps, %d notifiers, %d triggers\n",
				wf.Name, len(wf.Steps), len(wf.Notifiers), len(wf.Triggers))
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "check <file>",
		Short: "Validate a workflow and print its canonical order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, order, err := checkFile(args[0])
			if err != nil {
				return err
			}
			fmt.Println("semantic ok, order:", order)
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "emit-bytecode <file> <out>",
		Short: "Compile a workflow source to a bytecode file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, _, err := checkFile(args[0])
			if err != nil {
				return err
			}
			if err := bytecode.Emit(bytecode.FromWorkflow(wf), args[1]); err != nil {
				return err
			}
			fmt.Println("bytecode emitted ->", args[1])
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "run <file>",
		Short: "Run a workflow one step at a time in canonical order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, order, err := checkFile(args[0])
			if err != nil {
				return err
			}
			engine, cleanup := newEngine(wf, 0, 0)
			defer cleanup()
			return report(engine.ExecuteSerial(signalContext(), order))
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "run-parallel <file> [max_workers] [mem_limit_mb]",
		Short: "Run a workflow under the parallel engine",
		Args:  cobra.RangeArgs(1, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, _, err := checkFile(args[0])
			if err != nil {
				return err
			}
			workers, err := optInt(args, 1)
			if err != nil {
				return err
			}
			memLimit, err := optInt(args, 2)
			if err != nil {
				return err
			}
			engine, cleanup := newEngine(wf, workers, memLimit)
			defer cleanup()
			return report(engine.Execute(signalContext()))
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "run-bytecode <file> [mem_limit_mb] [max_workers]",
		Short: "Run a previously emitted bytecode file",
		Args:  cobra.RangeArgs(1, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			prog, err := bytecode.Load(args[0])
			if err != nil {
				return err
			}
			memLimit, err := optInt(args, 1)
			if err != nil {
				return err
			}
			workers, err := optInt(args, 2)
			if err != nil {
				return err
			}
			engine, cleanup := newEngine(prog.ToWorkflow(), workers, memLimit)
			defer cleanup()
			return report(engine.Execute(signalContext()))
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "visualize <file> <out.dot>",
		Short: "Render a workflow's dependency graph as Graphviz DOT",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, _, err := checkFile(args[0])
			if err != nil {
				return err
			}
			if err := visualize.WriteFile(wf, args[1], visualize.Options{ShowDetails: true}); err != nil {
				return err
			}
			fmt.Println("rendered ->", args[1])
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "start-monitor [port]",
		Short: "Serve the Prometheus metrics endpoint and block",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			port := cfg.Monitor.Port
			if len(args) == 1 {
				p, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid port %q", args[0])
				}
				port = p
			}
			metrics := observer.NewMetrics()
			srv := metrics.Serve(port, slog.Default())
			fmt.Printf("metrics at http://localhost:%d/metrics\n", port)
			ctx := signalContext()
			<-ctx.Done()
			return srv.Shutdown(context.Background())
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "run-with-monitor <bytecode> [port] [mem_limit_mb] [max_workers]",
		Short: "Run a bytecode file while serving live metrics",
		Args:  cobra.RangeArgs(1, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			prog, err := bytecode.Load(args[0])
			if err != nil {
				return err
			}
			port := cfg.Monitor.Port
			if len(args) > 1 {
				p, err := strconv.Atoi(args[1])
				if err != nil {
					return fmt.Errorf("invalid port %q", args[1])
				}
				port = p
			}
			memLimit, err := optInt(args, 2)
			if err != nil {
				return err
			}
			workers, err := optInt(args, 3)
			if err != nil {
				return err
			}

			metrics := observer.NewMetrics()
			srv := metrics.Serve(port, slog.Default())
			defer srv.Shutdown(context.Background())
			fmt.Printf("metrics at http://localhost:%d/metrics\n", port)

			engine, cleanup := newEngine(prog.ToWorkflow(), workers, memLimit,
				conduct.WithStatusFunc(metrics.StatusFunc()),
				conduct.WithNotifyCallback(metrics.NotifyFunc()),
			)
			defer cleanup()
			return report(engine.Execute(signalContext()))
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "serve [addr]",
		Short: "Serve the upload/run web UI",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := cfg.Web.Addr
			if len(args) == 1 {
				addr = args[0]
			}
			srv, err := webui.New(cfg.Web, cfg.Run, slog.Default())
			if err != nil {
				return err
			}
			return srv.ListenAndServe(signalContext(), addr)
		},
	})

	return root
}

// checkFile parses and analyzes a source file, printing handler warnings.
func checkFile(path string) (*conduct.Workflow, []string, error) {
	wf, err := parser.ParseFile(path)
	if err != nil {
		return nil, nil, err
	}
	order, err := conduct.Analyze(wf)
	if err != nil {
		return nil, nil, err
	}
	for _, warning := range conduct.HandlerWarnings(wf) {
		fmt.Fprintln(os.Stderr, "warning:", warning)
	}
	return wf, order, nil
}

// optInt parses args[i] as a non-negative integer, or returns 0 when absent.
func optInt(args []string, i int) (int, error) {
	if i >= len(args) {
		return 0, nil
	}
	n, err := strconv.Atoi(args[i])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid integer argument %q", args[i])
	}
	return n, nil
}

func signalContext() context.Context {
	ctx, _ := signal.NotifyContext(context.Background(), os.Interrupt)
	return ctx
}
