// Command stagehand executes and serves CI/CD pipelines.
//
// Usage:
//
//	stagehand run <pipeline.yaml> [-p key=value]...   execute a pipeline
//	stagehand validate <pipeline.yaml>                check a definition
//	stagehand serve                                   start the trigger API
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/stagehand-ci/stagehand/internal/config"
	"github.com/stagehand-ci/stagehand/internal/core/domain"
	"github.com/stagehand-ci/stagehand/internal/definition"
	"github.com/stagehand-ci/stagehand/internal/engine"
	"github.com/stagehand-ci/stagehand/internal/logging"
	"github.com/stagehand-ci/stagehand/internal/server"
	"github.com/stagehand-ci/stagehand/internal/telemetry"
)

// Exit codes for the run subcommand.
const (
	exitOK         = 0
	exitFailure    = 1
	exitAborted    = 2
	exitValidation = 3
	exitUsage      = 64
)

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		usage()
		os.Exit(exitUsage)
	}

	switch os.Args[1] {
	case "run":
		os.Exit(cmdRun(os.Args[2:]))
	case "validate":
		os.Exit(cmdValidate(os.Args[2:]))
	case "serve":
		os.Exit(cmdServe(os.Args[2:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		usage()
		os.Exit(exitUsage)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  stagehand run <pipeline.yaml> [-p key=value]... [-config stagehand.yaml]
  stagehand validate <pipeline.yaml> [-p key=value]...
  stagehand serve [-config stagehand.yaml]`)
}

// paramFlags collects repeated -p key=value flags.
type paramFlags map[string]string

func (p paramFlags) String() string { return fmt.Sprintf("%v", map[string]string(p)) }

func (p paramFlags) Set(v string) error {
	key, value, ok := strings.Cut(v, "=")
	if !ok || key == "" {
		return fmt.Errorf("parameter must be key=value, got %q", v)
	}
	p[key] = value
	return nil
}

func cmdRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	params := paramFlags{}
	fs.Var(params, "p", "run parameter key=value (repeatable)")

	if len(args) < 1 || strings.HasPrefix(args[0], "-") {
		fmt.Fprintln(os.Stderr, "run: missing pipeline definition path")
		return exitUsage
	}
	pipelinePath := args[0]
	fs.Parse(args[1:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFailure
	}
	if err := logging.Init(cfg.Log.Format, cfg.Log.Level); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFailure
	}

	p, err := definition.Load(pipelinePath)
	if err != nil {
		slog.Error("could not load pipeline", slog.String("error", err.Error()))
		return exitValidation
	}

	app, err := buildApp(cfg)
	if err != nil {
		slog.Error("startup failed", slog.String("error", err.Error()))
		return exitFailure
	}
	defer app.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := app.manager.RunSync(ctx, p, params)
	if err != nil {
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			fmt.Fprintln(os.Stderr, ve.Error())
			return exitValidation
		}
		slog.Error("run did not start", slog.String("error", err.Error()))
		return exitFailure
	}

	printReport(report)

	switch report.Status {
	case domain.StatusSuccess, domain.StatusUnstable:
		return exitOK
	case domain.StatusAborted:
		return exitAborted
	default:
		return exitFailure
	}
}

func cmdValidate(args []string) int {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	params := paramFlags{}
	fs.Var(params, "p", "run parameter key=value (repeatable)")

	if len(args) < 1 || strings.HasPrefix(args[0], "-") {
		fmt.Fprintln(os.Stderr, "validate: missing pipeline definition path")
		return exitUsage
	}
	pipelinePath := args[0]
	fs.Parse(args[1:])

	p, err := definition.Load(pipelinePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitValidation
	}
	if _, err := engine.Resolve(p, params); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitValidation
	}

	fmt.Printf("pipeline %q is valid (%d stages)\n", p.Name, len(p.Stages))
	return exitOK
}

func cmdServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFailure
	}
	if err := logging.Init(cfg.Log.Format, cfg.Log.Level); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFailure
	}
	logger := slog.Default()

	shutdownTracer, err := telemetry.Init("stagehand", logger)
	if err != nil {
		logger.Error("tracer init failed", slog.String("error", err.Error()))
		return exitFailure
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("tracer shutdown failed", slog.String("error", err.Error()))
		}
	}()

	app, err := buildApp(cfg)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		return exitFailure
	}
	defer app.close()

	srv := server.New(app.manager, cfg.Server.PipelineDir, logger)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: srv.Handler(),
	}

	go func() {
		logger.Info("trigger API listening",
			slog.Int("port", cfg.Server.Port),
			slog.String("pipeline_dir", cfg.Server.PipelineDir))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", slog.String("error", err.Error()))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if err := app.manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("runs cancelled during shutdown", slog.String("error", err.Error()))
	}

	logger.Info("shutdown complete")
	return exitOK
}

func printReport(report *domain.RunReport) {
	fmt.Printf("run %s: %s (%s)\n", report.RunID, report.Status, report.Duration.Round(time.Millisecond))
	for _, stage := range report.Stages {
		printStage(&stage, "  ")
	}
	for _, step := range report.FailedSteps() {
		fmt.Printf("  failed: %s/%s (%d attempt(s))", step.Stage, step.Step, step.Attempts)
		if step.LogRef != "" {
			fmt.Printf(" log: %s", step.LogRef)
		}
		if step.Reason != "" {
			fmt.Printf("\n    %s", step.Reason)
		}
		fmt.Println()
	}
}

func printStage(stage *domain.StageResult, indent string) {
	fmt.Printf("%s%-20s %s (%s)\n", indent, stage.Stage, stage.Status, stage.Duration.Round(time.Millisecond))
	for _, br := range stage.Branches {
		printStage(&br, indent+"  ")
	}
}
