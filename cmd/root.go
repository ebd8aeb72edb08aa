package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cartographer/internal/config"
	"github.com/xkilldash9x/cartographer/internal/observability"
	"github.com/xkilldash9x/cartographer/internal/service"
)

// rootOptions is the state shared by every subcommand of one command tree.
type rootOptions struct {
	cfgFile string
	v       *viper.Viper
	cfg     *config.Config
	// factory builds the learning service; tests replace it.
	factory service.ComponentFactory
}

// NewRootCommand builds a fresh command tree. Every call returns independent
// flags and configuration.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{v: viper.New(), factory: service.NewComponentFactory()}

	rootCmd := &cobra.Command{
		Use:     "cartographer",
		Short:   "Cartographer learns how to drive an app by exploring its screens.",
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := initializeConfig(opts.v, opts.cfgFile); err != nil {
				return err
			}
			cfg, err := config.NewConfigFromViper(opts.v)
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "cartographer"})
				return err
			}
			opts.cfg = cfg
			observability.InitializeLogger(cfg.Logger())
			observability.GetLogger().Debug("Starting cartographer", zap.String("version", Version))
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
	rootCmd.PersistentFlags().StringVarP(&opts.cfgFile, "config", "c", "", "config file (default is ./config.yaml)")

	rootCmd.AddCommand(
		newLearnCmd(opts),
		newAppsCmd(opts),
		newCommandsCmd(opts),
		newAliasCmd(opts),
		newResolveCmd(opts),
		newGraphCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

// Execute runs the command tree against os.Args.
func Execute(ctx context.Context) error {
	err := NewRootCommand().ExecuteContext(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		observability.GetLogger().Error("Command execution failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return err
}

// initializeConfig reads the config file and CARTOGRAPHER_ environment
// variables into v.
func initializeConfig(v *viper.Viper, cfgFile string) error {
	config.SetDefaults(v)
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("CARTOGRAPHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

// openService builds the learning service from the loaded configuration.
func (o *rootOptions) openService(cmd *cobra.Command) (*service.Service, error) {
	if o.cfg == nil {
		return nil, errors.New("configuration was not loaded")
	}
	return service.New(cmd.Context(), o.cfg, o.factory, observability.GetLogger())
}
