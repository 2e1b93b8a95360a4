package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lybic/mini-agent/internal/agent"
	"github.com/lybic/mini-agent/internal/api"
	"github.com/lybic/mini-agent/internal/config"
	"github.com/lybic/mini-agent/internal/engine"
	"github.com/lybic/mini-agent/internal/registry"
	"github.com/lybic/mini-agent/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the task orchestration HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return runServe(cfg)
	},
}

func runServe(cfg config.Config) error {
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
	}()

	reg := registry.New()
	modelClient := &agent.ScriptedModel{StepsUntilDone: 3}
	sandbox := &agent.ScriptedSandbox{}
	eng := engine.New(st, reg, modelClient, sandbox, logger, cfg.CheckpointInterval)

	server := api.NewServer(cfg.ListenAddr, st, reg, eng, sandbox, logger, api.Options{
		DefaultMaxSteps: cfg.DefaultMaxSteps,
		MaxStepLimit:    cfg.MaxStepLimit,
	})

	logger.Info("starting mini-agent",
		"addr", cfg.ListenAddr,
		"store_driver", cfg.StoreDriver,
		"checkpoint_interval", cfg.CheckpointInterval,
	)

	runErr := server.Run()

	// Drain in-flight executions before the store goes away. Running tasks
	// are signalled first so they stop at the next step boundary.
	if n := reg.SignalCancelAll(); n > 0 {
		logger.Info("cancelling in-flight executions", "count", n)
	}
	eng.Wait()

	return runErr
}

// openStore builds the task record store selected by configuration.
func openStore(cfg config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		return store.NewMemoryStore(), nil
	case config.DriverSQLite:
		return store.NewSQLiteStore(cfg.SQLitePath)
	case config.DriverMySQL:
		return store.NewMySQLStore(cfg.MySQLDSN)
	case config.DriverRedis:
		return store.NewRedisStore(store.RedisConfig{
			Address:  cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
