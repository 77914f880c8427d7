package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"clickbit/internal/pkg/logx"
)

const envPrefix = "PRESENCECTL"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "presencectl",
		Short:         "ClickBIT presence tool: seed users, mint tokens, watch sessions",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			verbose, _ := cmd.Flags().GetBool("verbose")
			logx.InitGlobalLoggerTo(cmd.ErrOrStderr(), verbose)
			return nil
		},
	}

	root.PersistentFlags().StringP("config", "c", "", "path to a config file (yaml, toml or json)")
	root.PersistentFlags().BoolP("verbose", "v", false, "debug logging")

	root.AddCommand(
		newWatchCmd(),
		newUserCmd(),
		newTokenCmd(),
	)

	return root
}

// settings resolves flag values with PRESENCECTL_* environment variables and
// the optional config file underneath them.
func settings(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	return v, nil
}
