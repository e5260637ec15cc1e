package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/pslog"
	"pkt.systems/queuedrain"
	"pkt.systems/queuedrain/internal/svcfields"
)

// defaultConfigFileName lives inside queuedrain.DefaultConfigDir.
const defaultConfigFileName = "config.yaml"

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("QUEUEDRAIN_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "queuedrain")
	loadDotEnv(svcfields.WithSubsystem(baseLogger, "cli.root"))
	root := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	executed, err := root.ExecuteContextC(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return 1
		}
		if executed == root {
			svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
		} else {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

// loadDotEnv loads files (default ./.env) into the environment. A missing
// file is normal; anything else is logged and ignored.
func loadDotEnv(logger pslog.Logger, files ...string) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("cli.dotenv.load_failed", "error", err)
	}
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		dir, err := queuedrain.DefaultConfigDir()
		if err != nil {
			return "", nil
		}
		cfgPath = filepath.Join(dir, defaultConfigFileName)
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	switch {
	case err != nil && errors.Is(err, fs.ErrNotExist) && !explicit:
		return "", nil
	case err != nil:
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	case info.IsDir():
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if p == "~" || strings.HasPrefix(p, "~/") || strings.HasPrefix(p, `~\`) {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		p = filepath.Join(home, p[1:])
	}
	return filepath.Abs(p)
}

// rootFlagNames are bound into viper so flags, QUEUEDRAIN_* env vars and the
// config file share one key space.
var rootFlagNames = []string{
	"config", "azure-storage", "log-level",
	"poll-interval", "batch-size", "visibility-timeout", "max-blob-bytes", "message-encoding",
	"listen", "metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint",
	"storage-retry-attempts", "storage-retry-base-delay", "storage-retry-max-delay", "storage-try-timeout",
	"shutdown-timeout",
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "queuedrain",
		Short:         "queuedrain projects blob-created notifications from a storage queue into table rows",
		SilenceErrors: true,
		Example: `
  # Against a storage account
  AZURE_STORAGE_CONNECTION_STRING='DefaultEndpointsProtocol=https;AccountName=...' queuedrain

  # Against a local Azurite emulator, draining every 2 seconds
  queuedrain --azure-storage UseDevelopmentStorage=true --poll-interval 2s

  # In-process backend with the health endpoint on :8080
  queuedrain --azure-storage mem:// --listen :8080
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			logger := baseLogger
			cfg, configFile, err := loadConfig()
			if err != nil {
				return err
			}
			if level, ok := pslog.ParseLevel(strings.TrimSpace(viper.GetString("log-level"))); ok {
				logger = logger.LogLevel(level)
			}
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			cliLogger.Info("welcome to queuedrain", "pid", os.Getpid())
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}
			svc, err := queuedrain.NewService(cfg, queuedrain.WithLogger(logger))
			if err != nil {
				return err
			}
			return svc.Run(cmd.Context())
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.queuedrain/"+defaultConfigFileName+")")
	persistentFlags.String("azure-storage", "", "storage connection string (falls back to connectionStrings.AzureStorage and AZURE_STORAGE_CONNECTION_STRING); mem:// for in-process")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	persistentFlags.Int("storage-retry-attempts", queuedrain.DefaultStorageRetryMaxAttempts, "SDK retries per storage call (negative disables)")
	persistentFlags.Duration("storage-retry-base-delay", queuedrain.DefaultStorageRetryBaseDelay, "first SDK retry backoff")
	persistentFlags.Duration("storage-retry-max-delay", queuedrain.DefaultStorageRetryMaxDelay, "maximum SDK retry backoff")
	persistentFlags.Duration("storage-try-timeout", queuedrain.DefaultStorageTryTimeout, "timeout for a single storage attempt")
	persistentFlags.String("message-encoding", queuedrain.DefaultMessageEncoding, "queue message encoding (base64 or none)")

	flags := cmd.Flags()
	flags.Duration("poll-interval", queuedrain.DefaultPollInterval, "idle sleep between drain cycles")
	flags.Int("batch-size", queuedrain.DefaultBatchSize, "messages per receive call (1-32)")
	flags.Duration("visibility-timeout", queuedrain.DefaultVisibilityTimeout, "how long received messages stay hidden")
	flags.String("max-blob-bytes", humanizeBytes(queuedrain.DefaultMaxBlobBytes), "largest blob copied into a row (e.g. 512KiB, 4MiB)")
	flags.String("listen", queuedrain.DefaultListen, "HTTP listen address for /healthz, /readyz and /api/demo (empty disables)")
	flags.String("metrics-listen", queuedrain.DefaultMetricsListen, "Prometheus /metrics listen address (empty disables)")
	flags.String("pprof-listen", queuedrain.DefaultPprofListen, "pprof listen address (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "export Go runtime metrics (requires --metrics-listen)")
	flags.String("otlp-endpoint", "", "OTLP trace endpoint (host:port, grpc://, grpcs://, http:// or https://)")
	flags.Duration("shutdown-timeout", queuedrain.DefaultShutdownTimeout, "bound on HTTP and telemetry shutdown")

	viper.SetEnvPrefix("QUEUEDRAIN")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	for _, name := range rootFlagNames {
		if err := viper.BindPFlag(name, lookupFlag(name, flags, persistentFlags)); err != nil {
			panic(err)
		}
	}

	cmd.AddCommand(newQueueCommand())
	cmd.AddCommand(newBlobCommand())
	cmd.AddCommand(newTableCommand())
	cmd.AddCommand(newVerifyCommand(svcfields.WithSubsystem(baseLogger, "cli.verify")))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

// loadConfig reads the optional config file and binds every source into a
// validated Config.
func loadConfig() (queuedrain.Config, string, error) {
	configFile, err := loadConfigFile()
	if err != nil {
		return queuedrain.Config{}, "", err
	}
	var cfg queuedrain.Config
	if err := bindConfig(&cfg); err != nil {
		return queuedrain.Config{}, "", err
	}
	if err := cfg.Validate(); err != nil {
		return queuedrain.Config{}, "", err
	}
	return cfg, configFile, nil
}

func bindConfig(cfg *queuedrain.Config) error {
	cfg.AzureStorage = strings.TrimSpace(viper.GetString("azure-storage"))
	if cfg.AzureStorage == "" {
		// Function-host style settings files nest the string here.
		cfg.AzureStorage = strings.TrimSpace(viper.GetString("connectionstrings.azurestorage"))
	}
	if cfg.AzureStorage == "" {
		cfg.AzureStorage = strings.TrimSpace(os.Getenv("AZURE_STORAGE_CONNECTION_STRING"))
	}
	cfg.PollInterval = viper.GetDuration("poll-interval")
	cfg.BatchSize = viper.GetInt("batch-size")
	cfg.VisibilityTimeout = viper.GetDuration("visibility-timeout")
	if maxBytes := strings.TrimSpace(viper.GetString("max-blob-bytes")); maxBytes != "" {
		size, err := humanize.ParseBytes(maxBytes)
		if err != nil {
			return fmt.Errorf("parse max-blob-bytes: %w", err)
		}
		cfg.MaxBlobBytes = int64(size)
	}
	cfg.MessageEncoding = viper.GetString("message-encoding")
	cfg.Listen = viper.GetString("listen")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.StorageRetryMaxAttempts = viper.GetInt("storage-retry-attempts")
	cfg.StorageRetryBaseDelay = viper.GetDuration("storage-retry-base-delay")
	cfg.StorageRetryMaxDelay = viper.GetDuration("storage-retry-max-delay")
	cfg.StorageTryTimeout = viper.GetDuration("storage-try-timeout")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	return nil
}

// storageOpener builds backends for the subcommands. Tests swap it to share
// one mem:// store between invocations.
var storageOpener = queuedrain.OpenBackends

// openStorage is shared by the queue, blob and table subcommands.
func openStorage() (queuedrain.Backends, queuedrain.Config, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return queuedrain.Backends{}, queuedrain.Config{}, err
	}
	b, err := storageOpener(cfg)
	if err != nil {
		return queuedrain.Backends{}, queuedrain.Config{}, err
	}
	return b, cfg, nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}

// lookupFlag finds name in the first set that defines it.
func lookupFlag(name string, sets ...*pflag.FlagSet) *pflag.Flag {
	for _, set := range sets {
		if flag := set.Lookup(name); flag != nil {
			return flag
		}
	}
	panic(fmt.Sprintf("flag %q not found", name))
}
