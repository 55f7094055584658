// Package main implements phasegatectl, the operator CLI for the phase gate engine.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/bitfantasy/nimo-phasegate/internal/config"
	"github.com/bitfantasy/nimo-phasegate/internal/pm/bootstrap"
	"github.com/bitfantasy/nimo-phasegate/internal/pm/policy"
	"github.com/bitfantasy/nimo-phasegate/internal/pm/service"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	_ = godotenv.Load()
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// globalFlags 所有子命令共用
type globalFlags struct {
	configPath string
	sqlitePath string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:           "phasegatectl",
		Short:         "Operator CLI for the phase gate engine",
		Version:       fmt.Sprintf("%s (built %s)", Version, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "config file (default ./configs/config.yaml)")
	root.PersistentFlags().StringVar(&g.sqlitePath, "sqlite", "", "use a local sqlite file instead of PostgreSQL")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "log SQL and engine events")

	root.AddCommand(
		newMigrateCmd(g),
		newTemplatesCmd(g),
		newPhaseCmd(g),
		newTransitionsCmd(g),
	)
	return root
}

// env 子命令运行时依赖
type env struct {
	cfg      *config.Config
	db       *gorm.DB
	services *service.Services
	phases   *policy.PhaseTable
	logger   *zap.Logger
}

func (e *env) Close() {
	if e.db != nil {
		if sqlDB, err := e.db.DB(); err == nil {
			sqlDB.Close()
		}
	}
	_ = e.logger.Sync()
}

// open 加载配置并连接数据库；needPhases 为 true 时阶段表必须已配置
func (g *globalFlags) open(needPhases bool) (*env, error) {
	var (
		cfg *config.Config
		err error
	)
	if g.configPath != "" {
		cfg, err = config.LoadFile(g.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	log := zap.NewNop()
	level := logger.Silent
	if g.verbose {
		if log, err = bootstrap.InitLogger(config.LogConfig{Level: "debug", Format: "console"}); err != nil {
			return nil, err
		}
		level = logger.Info
	}

	var phases *policy.PhaseTable
	if len(cfg.Phases) > 0 || needPhases {
		if phases, err = bootstrap.PhaseTable(cfg.Phases); err != nil {
			return nil, err
		}
	}

	db, err := bootstrap.OpenDatabase(cfg.Database, g.sqlitePath, level)
	if err != nil {
		return nil, err
	}
	// sqlite 模式只有本进程访问，用内存锁
	lockCfg := cfg.Lock
	var rdb redis.UniversalClient
	if lockCfg.Backend == "redis" && g.sqlitePath == "" {
		rdb = bootstrap.NewRedisClient(cfg.Redis)
	} else {
		lockCfg.Backend = "memory"
	}
	e := &env{cfg: cfg, db: db, phases: phases, logger: log}
	guard, err := bootstrap.NewGuard(lockCfg, rdb, nil, log)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.services = bootstrap.NewServices(db, phases, guard, bootstrap.Extras{Logger: log})
	return e, nil
}

func newMigrateCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update engine tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.open(false)
			if err != nil {
				return err
			}
			defer e.Close()

			if err := bootstrap.Migrate(e.db); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), successColor.Sprint("✓"), "tables migrated")
			return nil
		},
	}
}

func backgroundCtx(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
