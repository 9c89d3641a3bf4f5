package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/edgesight/agent/internal/agent"
	"github.com/edgesight/agent/internal/config"
	"github.com/edgesight/agent/internal/logging"
	"github.com/edgesight/agent/internal/status"
)

var (
	version = "0.1.0"
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "edge-agent",
	Short: "EdgeSight edge agent",
	Long:  `EdgeSight Agent - on-device video analytics: camera capture, AI inference, session recording and publishing`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the agent",
	Run: func(cmd *cobra.Command, args []string) {
		runAgent()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("EdgeSight Agent v%s\n", version)
	},
}

var checkconfigCmd = &cobra.Command{
	Use:   "checkconfig",
	Short: "Validate the configuration and print the effective values",
	Run: func(cmd *cobra.Command, args []string) {
		checkConfig()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/edgesight/edge-agent.yaml)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(checkconfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "Config error: %v\n", e)
		}
		os.Exit(1)
	}
	return cfg
}

func runAgent() {
	cfg := loadConfig()

	var logOut io.Writer
	if cfg.Logging.File != "" {
		w, err := logging.NewRotatingWriter(cfg.Logging.File, cfg.Logging.MaxSizeMB, cfg.Logging.MaxBackups)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
			os.Exit(1)
		}
		defer w.Close()
		logOut = w
	}
	logging.Init(cfg.Logging.Format, cfg.Logging.Level, logOut)

	// An unhandled panic still takes the orderly path: children die with the
	// process group, and the exit code distinguishes it from a clean stop.
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "panic: %v\n%s", r, debug.Stack())
			os.Exit(2)
		}
	}()

	fmt.Printf("Starting EdgeSight Agent v%s (device %s)\n", version, cfg.Device.ID)

	a := agent.New(cfg)
	srv := status.New(cfg.Status.Port, a, a.Bus())
	srv.Start()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Stop(shutdownCtx)

	fmt.Println("Agent stopped")
}

func checkConfig() {
	cfg := loadConfig()

	out, err := yaml.Marshal(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Configuration OK\n---\n%s", out)
}
