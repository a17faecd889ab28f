package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Flags that never come from a config file or the environment.
var unconfigurable = map[string]bool{
	"help":    true,
	"version": true,
	"config":  true,
}

// applyConfig fills every flag the user did not set on the command line from
// the config file or RTT_* environment variables. Keys are the flag names;
// in the environment "-" becomes "_" (RTT_CB_RETRIES=40).
func applyConfig(cmd *cobra.Command, path string) error {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("RTT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv("RTT_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("rtt")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "rtt"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	} else {
		log.V(1).Info("using config file", "path", v.ConfigFileUsed())
	}

	var errs []error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Changed || unconfigurable[f.Name] || !v.IsSet(f.Name) {
			return
		}
		values := []string{v.GetString(f.Name)}
		if f.Value.Type() == "stringArray" || f.Value.Type() == "stringSlice" {
			values = v.GetStringSlice(f.Name)
		}
		for _, val := range values {
			if err := cmd.Flags().Set(f.Name, val); err != nil {
				errs = append(errs, fmt.Errorf("config %s: %w", f.Name, err))
			}
		}
	})
	return errors.Join(errs...)
}
