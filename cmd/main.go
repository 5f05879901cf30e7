package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"tvbridge/internal/accessory"
	"tvbridge/internal/api"
	"tvbridge/internal/cec"
	"tvbridge/internal/clock"
	"tvbridge/internal/config"
	"tvbridge/internal/mqtt"
	"tvbridge/internal/probe"
	"tvbridge/internal/shadowstate"
	"tvbridge/internal/tv"
	"tvbridge/internal/webos"
	"tvbridge/internal/wol"

	"github.com/brutella/hap"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Version is set at build time
var Version = "dev"

var (
	configPath string
	envFile    string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:          "tvbridge",
	Short:        "Expose an LG webOS TV as a HomeKit accessory",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(Version)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "tvbridge.yaml", "path to the config file")
	rootCmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file with secret overrides")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// Secrets may come from a dotenv file; the config loader reads them from
	// the environment
	envErr := godotenv.Load(envFile)

	bootLogger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	cfg, err := config.Load(configPath, bootLogger)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	if envErr != nil {
		logger.Debug("No env file loaded, using environment variables", zap.String("path", envFile))
	}

	logger.Info("Starting TV bridge",
		zap.String("version", Version),
		zap.String("name", cfg.Name),
		zap.String("url", cfg.URL()))

	session := webos.NewClient(cfg.URL(), webos.NewFileKeyStore(cfg.KeyFile), logger)

	// A missing cec-client binary surfaces per call, where power-on falls
	// back to Wake-on-LAN
	cecClient, err := cec.NewExecClient(cfg.CECAddress, cec.NewExecRunner(""), logger)
	if err != nil {
		return err
	}

	tracker := shadowstate.NewTracker(cfg.Name, shadowstate.DefaultMaxActions)
	manager := tv.NewManager(tv.Config{
		Name:            cfg.Name,
		MAC:             cfg.MAC,
		Apps:            cfg.AppSwitch,
		PollingEnabled:  cfg.PollingEnabled,
		PollingInterval: cfg.PollingInterval(),
	},
		session,
		cecClient,
		wol.NewUDPSender("", logger),
		probe.NewTCPProber(cfg.ProbeAddr(), probe.DefaultTimeout, logger),
		clock.NewRealClock(),
		tracker,
		logger,
	)

	if err := manager.Start(); err != nil {
		return fmt.Errorf("failed to start TV manager: %w", err)
	}
	defer manager.Stop()

	acc := accessory.New(manager, accessory.Options{
		SerialNumber:   cfg.MAC,
		Firmware:       Version,
		VolumeControl:  *cfg.VolumeControl,
		ChannelControl: *cfg.ChannelControl,
	}, logger)

	hapServer, err := hap.NewServer(hap.NewFsStore(cfg.HomeKit.StoragePath), acc.A)
	if err != nil {
		return fmt.Errorf("failed to create HomeKit server: %w", err)
	}
	hapServer.Pin = cfg.HomeKit.Pin
	hapServer.Addr = cfg.HomeKitAddr()

	if *cfg.API.Enabled {
		apiServer := api.NewServer(manager, logger, cfg.API.Port)
		if err := apiServer.Start(); err != nil {
			return err
		}
		defer apiServer.Stop()
	}

	if cfg.MQTT.Enabled {
		publisher := mqtt.NewPublisher(mqtt.Config{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		}, manager, logger)
		// paho keeps retrying in the background, so a broker that is down
		// at startup is not fatal
		if err := publisher.Start(); err != nil {
			logger.Warn("MQTT broker not reachable yet", zap.Error(err))
		}
		defer publisher.Stop()
	}

	logger.Info("HomeKit accessory published",
		zap.String("pin", cfg.HomeKit.Pin),
		zap.String("storage", cfg.HomeKit.StoragePath))

	// ListenAndServe returns once ctx is cancelled by a signal
	if err := hapServer.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("HomeKit server failed: %w", err)
	}

	logger.Info("Shutting down gracefully...")
	return nil
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	if verbose {
		level = zapcore.DebugLevel
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
