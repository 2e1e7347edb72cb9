package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/meigma/gamecache"
	"github.com/meigma/gamecache/internal/config"
	"github.com/meigma/gamecache/internal/logging"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  *slog.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:           "gamecache",
	Short:         "Inspect and edit sector-structured game asset caches",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		cfg = &config.Config{}
		if err := viper.Unmarshal(cfg); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		var err error
		if logger, err = logging.Setup(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogOutputDir); err != nil {
			return fmt.Errorf("could not set up logging: %w", err)
		}
		return nil
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "path to config file")
	flags.StringP("dir", "d", ".", "cache directory")
	flags.Bool("read-only", false, "open the cache without write access")
	flags.String("layout", "per-index", "block file layout for new caches (per-index, shared)")
	flags.StringP("compression", "c", "auto", "codec for written archives (none, bzip2, gzip, lzma, auto)")
	flags.StringP("keys", "k", "", "JSON key dump for encrypted archives")
	flags.Bool("verify", true, "check archive checksums on read")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-output-dir", "", "directory to write log files (if set, logs are written to both stderr and file)")

	viper.BindPFlag("dir", flags.Lookup("dir"))                       //nolint:errcheck // flag exists
	viper.BindPFlag("read_only", flags.Lookup("read-only"))           //nolint:errcheck // flag exists
	viper.BindPFlag("layout", flags.Lookup("layout"))                 //nolint:errcheck // flag exists
	viper.BindPFlag("compression", flags.Lookup("compression"))       //nolint:errcheck // flag exists
	viper.BindPFlag("keys_file", flags.Lookup("keys"))                //nolint:errcheck // flag exists
	viper.BindPFlag("verify", flags.Lookup("verify"))                 //nolint:errcheck // flag exists
	viper.BindPFlag("log_level", flags.Lookup("log-level"))           //nolint:errcheck // flag exists
	viper.BindPFlag("log_output_dir", flags.Lookup("log-output-dir")) //nolint:errcheck // flag exists

	rootCmd.AddCommand(
		newCreateIndexCmd(),
		newLsCmd(),
		newInfoCmd(),
		newGetCmd(),
		newPutCmd(),
		newRmCmd(),
		newRebuildCmd(),
		newDefragCmd(),
		newVerifyCmd(),
		newChecksumsCmd(),
	)
}

// initConfig reads in config file and environment variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "gamecache"))
		}
		viper.AddConfigPath("/etc/gamecache")
		viper.SetConfigName("config")
		viper.SetConfigType("toml")
	}

	viper.SetEnvPrefix("GAMECACHE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

// openCache opens the configured cache. Commands that never write pass
// readOnly so they can run next to a writer.
func openCache(readOnly bool) (*gamecache.Cache, error) {
	layout, err := cfg.ParseLayout()
	if err != nil {
		return nil, err
	}
	kind, err := gamecache.ParseCompression(cfg.Compression)
	if err != nil {
		return nil, err
	}
	opts := []gamecache.Option{
		gamecache.WithLogger(logger),
		gamecache.WithLayout(layout),
		gamecache.WithReadOnly(cfg.ReadOnly || readOnly),
		gamecache.WithVerifyChecksums(cfg.Verify),
		gamecache.WithDefaultCompression(kind),
	}
	if cfg.KeysFile != "" {
		keys, err := loadKeys(cfg.KeysFile)
		if err != nil {
			return nil, err
		}
		logger.Debug("loaded keys", "path", cfg.KeysFile, "indices", len(keys))
		opts = append(opts, gamecache.WithKeys(keys))
	}
	return gamecache.Open(cfg.Dir, opts...)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
