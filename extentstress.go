package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"
	"gopkg.in/go-playground/validator.v9"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/bradfitz/extentstress/internal/fiemap"
	"github.com/bradfitz/extentstress/internal/metrics"
	"github.com/bradfitz/extentstress/internal/supervisor"
	"github.com/bradfitz/extentstress/internal/target"
)

// Config holds the configuration for extentstress
type Config struct {
	Bytes        uint64
	Instances    int `validate:"min=1"`
	Workers      int `validate:"min=1"`
	Ops          uint64
	Timeout      time.Duration `validate:"min=0"`
	TempPath     string        `validate:"required"`
	SyncEvery    int           `validate:"min=0"`
	StallTimeout time.Duration `validate:"min=0"`
	MetricsAddr  string
	LogFile      string
	LogLevel     string
	Verbose      bool
}

var validate = validator.New()

func newRootCommand() (*cobra.Command, *viper.Viper) {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "extentstress",
		Short: "Stress FS_IOC_FIEMAP against a file being fragmented",
		Long: `extentstress fragments a sparse file with small writes and hole punches
while query workers repeatedly read its extent map with FS_IOC_FIEMAP.

It exits 0 on success, 1 on failure, 3 when a resource ran out and 4 when
the filesystem does not support FS_IOC_FIEMAP.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	f := cmd.Flags()
	f.String("bytes", humanize.IBytes(target.DefaultBytes), "total file size across all instances (1MiB to 1TiB)")
	f.Int("instances", 1, "stressor instances to run in parallel")
	f.Int("workers", supervisor.DefaultWorkers, "query worker processes per instance")
	f.Uint64("ops", 0, "stop after this many extent queries per instance (0 for no limit)")
	f.Duration("timeout", 60*time.Second, "stop after this long (0 for no limit)")
	f.String("temp-path", ".", "directory for the temporary files")
	f.Int("sync-every", fiemap.DefaultSyncEvery, "flush the file every N query cycles (0 to disable)")
	f.Duration("stall-timeout", supervisor.DefaultStallTimeout, "warn when no query completes for this long (0 to disable)")
	f.String("metrics-addr", "", "serve Prometheus metrics on this address")
	f.String("log-file", "", "write logs to this file, rotated, instead of stderr")
	f.String("log-level", "info", "log level (debug, info, warn, error)")
	f.BoolP("verbose", "v", false, "show progress and statistics")
	f.String("config", "", "read settings from this file")

	_ = v.BindPFlags(f)
	v.SetEnvPrefix("EXTENTSTRESS")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	return cmd, v
}

// loadConfig resolves flags, environment and the optional config file,
// in that order of precedence.
func loadConfig(v *viper.Viper) (*Config, error) {
	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	size, err := humanize.ParseBytes(v.GetString("bytes"))
	if err != nil {
		return nil, fmt.Errorf("invalid size: %w", err)
	}
	config := &Config{
		Bytes:        size,
		Instances:    v.GetInt("instances"),
		Workers:      v.GetInt("workers"),
		Ops:          v.GetUint64("ops"),
		Timeout:      v.GetDuration("timeout"),
		TempPath:     v.GetString("temp-path"),
		SyncEvery:    v.GetInt("sync-every"),
		StallTimeout: v.GetDuration("stall-timeout"),
		MetricsAddr:  v.GetString("metrics-addr"),
		LogFile:      v.GetString("log-file"),
		LogLevel:     v.GetString("log-level"),
		Verbose:      v.GetBool("verbose"),
	}

	// Validate configuration
	if config.Bytes < target.MinBytes || config.Bytes > target.MaxBytes {
		return nil, fmt.Errorf("size must be between %s and %s",
			humanize.IBytes(target.MinBytes), humanize.IBytes(target.MaxBytes))
	}
	if err := validate.Struct(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// newLogger returns the logger and the writer it logs to, which workers
// share.
func newLogger(config *Config) (*slog.Logger, io.Writer, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(config.LogLevel)); err != nil {
		return nil, nil, fmt.Errorf("invalid log level: %w", err)
	}
	if config.Verbose && level > slog.LevelDebug {
		level = slog.LevelDebug
	}

	var w io.Writer = os.Stderr
	if config.LogFile != "" {
		w = &lumberjack.Logger{
			Filename:   config.LogFile,
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 7,
			LocalTime:  true,
		}
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), w, nil
}

func main() {
	supervisor.MaybeRunWorker()

	status := supervisor.StatusSuccess
	cmd, v := newRootCommand()
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig(v)
		if err != nil {
			return err
		}
		log, w, err := newLogger(config)
		if err != nil {
			return err
		}
		undo, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
			log.Debug(fmt.Sprintf(format, args...))
		}))
		if err != nil {
			log.Warn("failed to set GOMAXPROCS", "err", err)
		}
		defer undo()
		status = runExtentstress(cmd.Context(), config, log, w)
		return nil
	}

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(int(supervisor.StatusFailure))
	}
	os.Exit(int(status))
}

// runExtentstress runs every instance to completion and returns the most
// severe of their statuses.
func runExtentstress(ctx context.Context, config *Config, log *slog.Logger, w io.Writer) supervisor.Status {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.Timeout)
		defer cancel()
	}

	log.Info("starting",
		"instances", config.Instances,
		"workers", config.Workers,
		"size", humanize.IBytes(config.Bytes),
		"per_instance", humanize.IBytes(target.WorkingLength(config.Bytes, config.Instances)),
		"temp_path", config.TempPath)

	var m *metrics.Metrics
	metricsDone := make(chan struct{})
	metricsCtx, stopMetrics := context.WithCancel(context.Background())
	if config.MetricsAddr != "" {
		m = metrics.New()
		go func() {
			defer close(metricsDone)
			if err := m.Serve(metricsCtx, config.MetricsAddr, log); err != nil {
				log.Warn("metrics server failed", "err", err)
			}
		}()
	} else {
		close(metricsDone)
	}
	defer func() {
		stopMetrics()
		<-metricsDone
	}()

	start := time.Now()
	statuses := make([]supervisor.Status, config.Instances)
	var g errgroup.Group
	for i := range config.Instances {
		g.Go(func() error {
			res := supervisor.New(supervisor.Config{
				Instance:     i,
				Instances:    config.Instances,
				TempPath:     config.TempPath,
				Bytes:        config.Bytes,
				Workers:      config.Workers,
				MaxOps:       config.Ops,
				SyncEvery:    config.SyncEvery,
				StallTimeout: config.StallTimeout,
				Logger:       log,
				Metrics:      m,
				WorkerOutput: w,
			}).Run(ctx)
			statuses[i] = res.Status
			return res.Err
		})
	}
	if err := g.Wait(); err != nil {
		log.Debug("first instance error", "err", err)
	}

	status := supervisor.StatusSuccess
	for _, s := range statuses {
		status = supervisor.Worst(status, s)
	}
	log.Info("finished", "status", status, "elapsed", time.Since(start).Round(time.Millisecond))
	return status
}
