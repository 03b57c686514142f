// Package commands implements the securemedia command line tool.
package commands

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile  string
	logLevel string

	// props holds the loaded configuration. It doubles as the account
	// property store for the ZRTP salt.
	props = viper.New()
)

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "securemedia",
		Short:         "ZRTP secured media and bandwidth estimation tools",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := initConfig(); err != nil {
				return err
			}
			return setupLogging()
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.securemedia.yaml)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	_ = props.BindPFlag("log.level", root.PersistentFlags().Lookup("log-level"))

	root.AddCommand(zidCmd(), callCmd(), bweCmd())
	return root
}

// Execute runs the root command.
func Execute() error {
	root := NewRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

func initConfig() error {
	if cfgFile != "" {
		props.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			props.AddConfigPath(home)
		}
		props.SetConfigType("yaml")
		props.SetConfigName(".securemedia")
	}

	props.SetEnvPrefix("SECUREMEDIA")
	props.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	props.AutomaticEnv()

	if err := props.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
		return nil
	}
	logrus.WithFields(logrus.Fields{
		"function": "initConfig",
		"file":     props.ConfigFileUsed(),
	}).Info("Using config file")
	return nil
}

func setupLogging() error {
	level, err := logrus.ParseLevel(props.GetString("log.level"))
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetLevel(level)
	logrus.SetOutput(os.Stderr)
	return nil
}
