// Package main provides the gleitzeit binary: the workflow orchestration
// server plus document validation tooling.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gleitzeit/gleitzeit/config"
	"github.com/gleitzeit/gleitzeit/resolver"
	"github.com/gleitzeit/gleitzeit/workflow"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "gleitzeit"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Workflow orchestration engine",
		Long: `Gleitzeit orchestrates workflows of dependent tasks across a pool of
protocol providers connected over NATS.

Tasks declare dependencies and reference each other's results; the engine
dispatches them in dependency order, retries transient failures with
backoff and persists every state change before acting on it.`,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")

	cmd.AddCommand(serveCmd(&configPath, &logLevel))
	cmd.AddCommand(validateCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func serveCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if *logLevel != "" {
				cfg.LogLevel = *logLevel
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			return serve(cfg)
		},
	}
}

func serve(cfg *config.Config) error {
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	app := NewApp(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Start(ctx); err != nil {
		return err
	}
	logger.Info("gleitzeit ready", "version", Version)

	<-ctx.Done()
	logger.Info("shutdown signal received")
	app.Shutdown(30 * time.Second)
	logger.Info("shutdown complete")
	return nil
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a workflow document and print its execution levels",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			doc, err := workflow.ParseDocument(data)
			if err != nil {
				return err
			}
			wf, tasks, err := doc.Build(workflow.BuildOptions{Source: args[0]})
			if err != nil {
				return err
			}
			graph, err := resolver.NewGraph(wf.ID, tasks)
			if err != nil {
				return err
			}

			fmt.Printf("%s: %d tasks, strategy %s\n", displayName(wf), len(tasks), wf.Strategy)
			for i, level := range graph.Levels() {
				fmt.Printf("  level %d: %s\n", i, strings.Join(level, ", "))
			}
			return nil
		},
	}
}

func displayName(wf *workflow.Workflow) string {
	if wf.Name != "" {
		return wf.Name
	}
	return wf.ID
}

func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader(slog.Default())
	if path != "" {
		return loader.LoadFile(path)
	}
	return loader.Load()
}

func newLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
