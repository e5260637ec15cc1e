package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/queuedrain"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage queuedrain configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var (
		outPath string
		force   bool
		stdout  bool
		storage string
	)
	defaultOutput := "$HOME/.queuedrain/" + defaultConfigFileName
	if dir, err := queuedrain.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, defaultConfigFileName)
	}
	cmd := &cobra.Command{
		Use:          "gen",
		Short:        "Generate a configuration file with every default spelled out",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML(func(d *configDefaults) {
				if storage != "" {
					d.AzureStorage = storage
				}
			})
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := queuedrain.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, defaultConfigFileName)
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, fs.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			// The connection string may carry an account key.
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	cmd.Flags().StringVar(&storage, "storage", "", "connection string to embed (default: the Azurite development string)")
	return cmd
}

// configDefaults mirrors the root command flags; keys match flag names so
// viper reads the file without translation.
type configDefaults struct {
	AzureStorage           string `yaml:"azure-storage"`
	PollInterval           string `yaml:"poll-interval"`
	BatchSize              int    `yaml:"batch-size"`
	VisibilityTimeout      string `yaml:"visibility-timeout"`
	MaxBlobBytes           string `yaml:"max-blob-bytes"`
	MessageEncoding        string `yaml:"message-encoding"`
	Listen                 string `yaml:"listen"`
	MetricsListen          string `yaml:"metrics-listen"`
	PprofListen            string `yaml:"pprof-listen"`
	EnableProfilingMetrics bool   `yaml:"enable-profiling-metrics"`
	OTLPEndpoint           string `yaml:"otlp-endpoint"`
	StorageRetryAttempts   int    `yaml:"storage-retry-attempts"`
	StorageRetryBaseDelay  string `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay   string `yaml:"storage-retry-max-delay"`
	StorageTryTimeout      string `yaml:"storage-try-timeout"`
	ShutdownTimeout        string `yaml:"shutdown-timeout"`
	LogLevel               string `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		AzureStorage:          queuedrain.DevelopmentConnectionString,
		PollInterval:          queuedrain.DefaultPollInterval.String(),
		BatchSize:             queuedrain.DefaultBatchSize,
		VisibilityTimeout:     queuedrain.DefaultVisibilityTimeout.String(),
		MaxBlobBytes:          humanizeBytes(queuedrain.DefaultMaxBlobBytes),
		MessageEncoding:       queuedrain.DefaultMessageEncoding,
		Listen:                queuedrain.DefaultListen,
		MetricsListen:         queuedrain.DefaultMetricsListen,
		PprofListen:           queuedrain.DefaultPprofListen,
		StorageRetryAttempts:  queuedrain.DefaultStorageRetryMaxAttempts,
		StorageRetryBaseDelay: queuedrain.DefaultStorageRetryBaseDelay.String(),
		StorageRetryMaxDelay:  queuedrain.DefaultStorageRetryMaxDelay.String(),
		StorageTryTimeout:     queuedrain.DefaultStorageTryTimeout.String(),
		ShutdownTimeout:       queuedrain.DefaultShutdownTimeout.String(),
		LogLevel:              "info",
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}
	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
