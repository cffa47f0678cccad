package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/zeusync/workbench/internal/config"
	"github.com/zeusync/workbench/internal/injector"
)

func main() {
	if err := rootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	v := config.NewViper()
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "workbench",
		Short:        "Workbench edit lock and change notification server",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn or error")
	_ = v.BindPFlag(config.KeyLogLevel, rootCmd.PersistentFlags().Lookup("log-level"))

	load := func() (config.Config, error) {
		return config.Load(configPath, v)
	}
	rootCmd.AddCommand(serveCommand(v, load), configCommand(load))
	return rootCmd
}

func serveCommand(v *viper.Viper, load func() (config.Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the lock server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}

			srv, cleanup, err := injector.InitializeServer(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx)
		},
	}
	cmd.Flags().String("listen", "", "Address to listen on, e.g. 127.0.0.1:8080")
	cmd.Flags().String("storage", "", "Lock store driver: memory or sqlite")
	cmd.Flags().String("dsn", "", "sqlite database path")
	_ = v.BindPFlag(config.KeyListenAddr, cmd.Flags().Lookup("listen"))
	_ = v.BindPFlag(config.KeyStorageDriver, cmd.Flags().Lookup("storage"))
	_ = v.BindPFlag(config.KeyStorageDSN, cmd.Flags().Lookup("dsn"))
	return cmd
}

func configCommand(load func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			// tokens stay out of the output
			for i := range cfg.Server.Users {
				cfg.Server.Users[i].Token = "***"
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), string(out))
			return err
		},
	}
}

