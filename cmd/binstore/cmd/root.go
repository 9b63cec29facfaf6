package cmd

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aweris/binstore"
)

var rootCmd = &cobra.Command{
	Use:   "binstore",
	Short: "Content-addressable binary store CLI",
	Long:  "CLI for storing binaries by digest, collecting unused ones and brokering direct uploads.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loggo.ConfigureLoggers(viper.GetString("log_level"))
	},
	SilenceUsage: true,
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (default: ~/.config/binstore/config.yaml)")
	flags.String("name", "default", "manager name")
	flags.String("backend", "", "storage backend: local or s3")
	flags.String("dir", "", "storage directory of the local backend (default: ~/.local/share/binstore)")
	flags.String("cache-dir", "", "cache directory")
	flags.String("cache-max-size", "", "cache size limit, e.g. 1GiB")
	flags.String("digest", "", "digest algorithm: MD5, SHA-1 or SHA-256")
	flags.String("log-level", "<root>=WARNING", "logging configuration, e.g. binstore=DEBUG")

	for key, flag := range map[string]string{
		"name":           "name",
		"backend":        "backend",
		"dir":            "dir",
		"cache_dir":      "cache-dir",
		"cache_max_size": "cache-max-size",
		"digest":         "digest",
		"log_level":      "log-level",
	} {
		viper.BindPFlag(key, flags.Lookup(flag))
	}
}

func initConfig() {
	if cfg := rootCmd.PersistentFlags().Lookup("config").Value.String(); cfg != "" {
		viper.SetConfigFile(cfg)
	} else {
		viper.AddConfigPath(configDir())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("BINSTORE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	viper.SetDefault("backend", binstore.BackendLocal)
	viper.SetDefault("dir", defaultDataDir())
	viper.SetDefault("gc_grace_period", "1h")

	viper.ReadInConfig()
}

func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "binstore")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "binstore")
	}
	return ".binstore"
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "binstore")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "binstore")
	}
	return ".binstore"
}

func loadConfig() (binstore.Config, error) {
	var cfg binstore.Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return cfg, errors.Annotate(err, "reading configuration")
	}
	return cfg, nil
}

// openManager builds the manager named by --name from the configuration.
func openManager(ctx context.Context) (*binstore.Manager, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return binstore.NewFromConfig(ctx, viper.GetString("name"), cfg, binstore.Dependencies{})
}

// closeManager folds the close error of m into err.
func closeManager(m *binstore.Manager, err *error) {
	if cerr := m.Close(); cerr != nil && *err == nil {
		*err = cerr
	}
}
