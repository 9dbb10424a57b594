// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/relabs-tech/orientation_bridge/internal/app"
	"github.com/relabs-tech/orientation_bridge/internal/config"
	"github.com/relabs-tech/orientation_bridge/internal/link"
)

const exitLinkExhausted = 2

var rootCmd = &cobra.Command{
	Use:   "bridge",
	Short: "BLE orientation bridge",
	Long: `bridge connects to the orientation sensor over BLE, fuses its samples
into roll/pitch/yaw and streams them to WebSocket, HTTP and MQTT clients.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:        "serve",
	SuggestFor: []string{"run", "ser"},
	Short:      "serve connects to the sensor and starts streaming",
	Long: `serve loads the configuration (defaults when --config is empty),
connects to the sensor and serves the stream until interrupted.
The process exits with status 2 when the sensor could not be reached
after MAX_RECONNECT_ATTEMPTS consecutive attempts.`,
	Example: `  bridge serve --config bridge_config.txt
  bridge serve --sim --debug`,
	RunE: runServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "config prints the effective configuration",
	Example: `  bridge config > bridge_config.txt
  bridge config --config bridge_config.txt`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		_, err = cfg.WriteTo(cmd.OutOrStdout())
		return err
	},
}

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "console prints the stream mirrored on MQTT",
	Long: `console subscribes to TOPIC_STATUS and TOPIC_ROTATION on MQTT_BROKER and
prints every message. With --mock it needs no broker and prints frames
computed from synthetic motion instead.`,
	Example: `  bridge console --config bridge_config.txt
  bridge console --mock`,
	RunE: runConsole,
}

func runConsole(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log.SetLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if mock, _ := cmd.Flags().GetBool("mock"); mock {
		opts := cfg.LinkOptions()
		return app.RunMockConsole(ctx, opts.Filter, opts.Mapping, opts.PollInterval, cmd.OutOrStdout())
	}
	return app.RunConsoleMQTT(ctx, cfg, cmd.OutOrStdout())
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if sim, _ := cmd.Flags().GetBool("sim"); sim {
		cfg.UseSimulator = true
	}
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		cfg.LogLevel = log.DebugLevel
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log.SetLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	radio, err := app.NewRadio(cfg)
	if err != nil {
		return err
	}

	log.Infof("bridge: starting, looking for %q", cfg.DeviceName)
	if err := app.RunBridge(ctx, cfg, radio); err != nil {
		return err
	}
	log.Info("bridge: shut down")
	return nil
}

func init() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	rootCmd.PersistentFlags().String("config", "", "path to the KEY=VALUE configuration file")
	rootCmd.PersistentFlags().Bool("sim", false, "use the simulated sensor instead of bluetooth")
	serveCmd.Flags().Bool("debug", false, "toggle debug logging")
	configCmd.Flags().Bool("debug", false, "print LOG_LEVEL=debug")
	consoleCmd.Flags().Bool("debug", false, "toggle debug logging")
	consoleCmd.Flags().Bool("mock", false, "filter synthetic motion instead of reading MQTT")

	rootCmd.AddCommand(serveCmd, configCmd, consoleCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, link.ErrLinkExhausted) {
			log.Error(err)
			os.Exit(exitLinkExhausted)
		}
		log.Fatal(err)
	}
}
