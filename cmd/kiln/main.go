package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/jbweber/kiln/internal/config"
	"github.com/jbweber/kiln/internal/logging"
	"github.com/jbweber/kiln/internal/metrics"
	"github.com/jbweber/kiln/internal/output"
	"github.com/jbweber/kiln/internal/runner"
	"github.com/jbweber/kiln/internal/target"
	"github.com/jbweber/kiln/internal/tracing"
)

var (
	version = "dev"
	commit  = "unknown"
)

// Persistent flags.
var (
	configPath   string
	uriFlag      string
	logLevel     string
	outputFormat string
	noHeaders    bool
)

// errReported marks an error whose message was already printed.
var errReported = errors.New("reported")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	shutdown()
	if err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "kiln",
	Short: "Kiln - libvirt VM provisioning tool",
	Long: `Kiln provisions and manages libvirt VMs on a local or SSH-reachable
hypervisor.

It resolves disk images from URLs or host paths, builds cloud-init seed
ISOs, drives the VM lifecycle, and finds a VM's IP address through the
guest agent, DHCP leases or the host's ARP table.`,
	Version:           fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "config file (default "+config.DefaultPath+" when present)")
	flags.StringVarP(&uriFlag, "uri", "c", "", "hypervisor URI, e.g. qemu+ssh://root@kvm01/system")
	flags.StringVar(&logLevel, "log-level", "", "log level: error, info, debug, trace")
	flags.StringVarP(&outputFormat, "output", "o", string(output.FormatTable), "output format: table, yaml, json")
	flags.BoolVar(&noHeaders, "no-headers", false, "omit table headers")

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(destroyCmd)
	rootCmd.AddCommand(renameCmd)
	rootCmd.AddCommand(ipCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(imageCmd)
	rootCmd.AddCommand(cloudInitCmd)
	rootCmd.AddCommand(testConnCmd)
}

// app holds what every command needs. It is built once per process in
// the root pre-run hook.
type app struct {
	cfg    *config.Config
	target target.Target
	log    logr.Logger
	rec    *metrics.Recorder
	// remote runs commands on the hypervisor host, local on this machine.
	// Both are the same runner for a local target.
	remote runner.Runner
	local  runner.Runner

	syncLog     func()
	stopTracing func(context.Context) error
}

var current *app

func setup(cmd *cobra.Command, _ []string) error {
	if err := output.ValidateFormat(outputFormat); err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if uriFlag != "" {
		cfg.URI = uriFlag
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	t, err := target.Parse(cfg.URI)
	if err != nil {
		return err
	}

	log, syncLog, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}

	stopTracing, err := tracing.Setup(cmd.Context(), cfg.Tracing)
	if err != nil {
		log.Error(err, "tracing disabled")
		stopTracing = func(context.Context) error { return nil }
	}

	rec := metrics.New()
	a := &app{
		cfg:         cfg,
		target:      t,
		log:         log.WithValues("target", t.String()),
		rec:         rec,
		syncLog:     syncLog,
		stopTracing: stopTracing,
	}
	a.remote = runner.New(t, cfg, a.log, rec)
	a.local = a.remote
	if t.IsRemote() {
		a.local = runner.NewLocalRunner(cfg.Commands.Timeout, a.log, rec)
	}

	current = a
	return nil
}

// shutdown flushes traces, metrics and logs. It runs after every command,
// successful or not.
func shutdown() {
	a := current
	if a == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.stopTracing(ctx); err != nil {
		a.log.V(1).Info("failed to flush traces", "error", err.Error())
	}

	if a.cfg.Metrics.Textfile != "" {
		if err := a.rec.WriteTextfile(a.cfg.Metrics.Textfile); err != nil {
			a.log.Error(err, "failed to write metrics", "path", a.cfg.Metrics.Textfile)
		}
	}

	a.syncLog()
}

func newFormatter() (output.Formatter, error) {
	return output.NewFormatter(output.Options{
		Format:    output.Format(outputFormat),
		NoHeaders: noHeaders,
	})
}
