package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/KevinKickass/MachineTending/internal/config"
	"github.com/KevinKickass/MachineTending/internal/system"
	"github.com/KevinKickass/MachineTending/internal/telemetry"
	"github.com/KevinKickass/MachineTending/internal/types"
)

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func runLoop(cmd *cobra.Command, args []string) error {
	appConfigPath, recipePath := args[0], args[1]
	structured, err := strconv.ParseBool(args[2])
	if err != nil {
		return fmt.Errorf("structured-output must be true or false, got %q", args[2])
	}

	debug, err := cmd.Flags().GetBool("debug")
	if err != nil {
		return err
	}
	logger, err := newLogger(debug)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(appConfigPath)
	if err != nil {
		return types.Fatal(types.FaultConfig, "load app config", err)
	}
	recipes, err := config.LoadRecipes(recipePath)
	if err != nil {
		return types.Fatal(types.FaultConfig, "load recipe config", err)
	}
	logger.Info("Config loaded successfully",
		zap.String("app_config", appConfigPath),
		zap.String("recipe_config", recipePath),
		zap.Bool("structured_output", structured))

	reporter := telemetry.NewReporter(cmd.OutOrStdout(), structured)
	lifecycle := system.NewLifecycleManager(cfg, recipes, reporter, logger)

	// Graceful Shutdown auf Signal, zweites Signal bricht sofort ab
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case sig := <-sigChan:
				logger.Info("Shutdown signal received", zap.String("signal", sig.String()))
				lifecycle.RequestShutdown()
			case <-done:
				return
			}
		}
	}()

	if err := lifecycle.Run(context.Background()); err != nil {
		logger.Error("Control loop stopped with error", zap.Error(err))
		return err
	}

	logger.Info("Machine tending stopped successfully")
	return nil
}
