package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"harvester"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.viam.com/rdk/logging"
)

type rootOptions struct {
	configPath  string
	port        string
	dataDir     string
	metricsAddr string
	debug       bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:          "harvester",
		Short:        "Drive the harvester gantry, arm and mission from a terminal",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "JSON config file")
	rootCmd.PersistentFlags().StringVarP(&opts.port, "port", "p", "", "Serial port of the motion controller")
	rootCmd.PersistentFlags().StringVar(&opts.dataDir, "data-dir", "", "Directory for persisted state")
	rootCmd.PersistentFlags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	rootCmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(
		newPortsCmd(),
		newStatusCmd(opts),
		newHomeCmd(opts),
		newCalibrateCmd(opts),
		newMoveCmd(opts),
		newArmCmd(opts),
		newResyncCmd(opts),
		newFullStartCmd(opts),
		newDailyScanCmd(opts),
		newResetTotalsCmd(opts),
		newRawCmd(opts),
	)
	return rootCmd
}

// setupSignalHandler cancels the context on SIGINT or SIGTERM.
func setupSignalHandler() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func (o *rootOptions) loadConfig() (*harvester.Config, error) {
	var cfg *harvester.Config
	if o.configPath != "" {
		loaded, err := harvester.LoadConfig(o.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = harvester.DefaultConfig("")
	}
	if o.port != "" {
		cfg.Port = o.port
	}
	if o.dataDir != "" {
		cfg.DataDir = o.dataDir
	}
	if cfg.Port == "" {
		return nil, errors.New("no serial port: pass --port or set port in the config file")
	}
	return cfg, nil
}

func (o *rootOptions) logger() logging.Logger {
	logger := logging.NewLogger("harvester-cli")
	if o.debug {
		logger.SetLevel(logging.DEBUG)
	}
	return logger
}

// withSupervisor starts a supervisor for the duration of fn.
func (o *rootOptions) withSupervisor(
	opts harvester.SupervisorOptions,
	fn func(ctx context.Context, sup *harvester.Supervisor) error,
) error {
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}
	logger := o.logger()
	cfg.Logger = logger
	if opts.Metrics == nil {
		opts.Metrics = harvester.NewMetrics()
	}

	ctx, cancel := setupSignalHandler()
	defer cancel()

	if o.metricsAddr != "" {
		srv := &http.Server{Addr: o.metricsAddr, Handler: opts.Metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warnf("metrics server stopped: %v", err)
			}
		}()
		defer srv.Close()
	}

	sup := harvester.NewSupervisor(cfg, opts, logger)
	if err := sup.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := sup.Close(); err != nil {
			logger.Warnf("close: %v", err)
		}
	}()
	return fn(ctx, sup)
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal json")
	}
	fmt.Println(string(b))
	return nil
}
