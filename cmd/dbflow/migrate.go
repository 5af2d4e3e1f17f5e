package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/BaSui01/dbflow/component"
	"github.com/BaSui01/dbflow/config"
	"github.com/BaSui01/dbflow/connection"
	"github.com/BaSui01/dbflow/types"
)

// =============================================================================
// 🗃️ 数据库迁移命令
// =============================================================================

func runMigrate(args []string) {
	if len(args) < 1 {
		printMigrateUsage()
		os.Exit(1)
	}

	subcommand := args[0]
	subargs := args[1:]

	switch subcommand {
	case "up":
		migrateExec(subargs, func(ctx context.Context, sup *connection.Supervisor) error {
			res, err := sup.RunMigrations(ctx, component.MigrateOptions{})
			if err != nil {
				return err
			}
			printMigrationResult("applied", res)
			return nil
		})
	case "down":
		migrateExec(subargs, func(ctx context.Context, sup *connection.Supervisor) error {
			res, err := sup.RollbackMigrations(ctx, component.RollbackOptions{Steps: 1})
			if err != nil {
				return err
			}
			printMigrationResult("rolled back", res)
			return nil
		})
	case "reset":
		migrateExec(subargs, func(ctx context.Context, sup *connection.Supervisor) error {
			res, err := sup.RollbackMigrations(ctx, component.RollbackOptions{All: true})
			if err != nil {
				return err
			}
			printMigrationResult("rolled back", res)
			return nil
		})
	case "status":
		migrateExec(subargs, func(ctx context.Context, sup *connection.Supervisor) error {
			mig := sup.SubComponent(component.SlotMigration)
			if mig == nil {
				return types.NewError(types.ErrConfiguration, "migration component disabled for this app")
			}
			out, err := json.MarshalIndent(mig.Status(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		})
	case "help", "-h", "--help":
		printMigrateUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown migrate subcommand: %s\n", subcommand)
		printMigrateUsage()
		os.Exit(1)
	}
}

// migrateExec 为迁移子命令构建一次性的连接监督器：加载配置、
// 初始化连接、执行操作、关闭。
func migrateExec(args []string, op func(context.Context, *connection.Supervisor) error) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	appName := fs.String("app", "", "Application name from the config")
	fs.Parse(args)

	if *appName == "" {
		fmt.Fprintln(os.Stderr, "Missing required --app flag")
		os.Exit(1)
	}

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	appCfg, ok := cfg.App(*appName)
	if !ok {
		fmt.Fprintf(os.Stderr, "App %q not declared in config\n", *appName)
		os.Exit(1)
	}
	if appCfg.UseConnection != "" {
		fmt.Fprintf(os.Stderr, "App %q borrows another connection; run migrations against the owner\n", *appName)
		os.Exit(1)
	}

	logger := config.BuildLogger(cfg.Log)
	defer logger.Sync()

	sup, err := connection.NewSupervisor(*appName, appCfg, nil, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create supervisor: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := sup.Initialize(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer sup.Shutdown(ctx, cfg.Registry.ShutdownTimeout)

	if err := op(ctx, sup); err != nil {
		fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
		logger.Error("migration command failed", zap.String("app", *appName), zap.Error(err))
		os.Exit(1)
	}
}

func printMigrationResult(verb string, res types.MigrationResult) {
	if res.Skipped {
		fmt.Println("Migration component disabled, nothing to do")
		return
	}
	files := res.Migrations
	if verb == "rolled back" {
		files = res.RolledBack
	}
	if len(files) == 0 {
		fmt.Println("No changes")
		return
	}
	for _, f := range files {
		fmt.Printf("  %s %s\n", verb, f)
	}
	fmt.Printf("%d migration(s) %s\n", len(files), verb)
}

func printMigrateUsage() {
	fmt.Println(`Database migration commands

Usage:
  dbflow migrate <subcommand> --app <name> [--config <path>]

Subcommands:
  up       Apply all pending migrations
  down     Rollback the last migration
  reset    Rollback all migrations
  status   Show migration component status

Examples:
  dbflow migrate up --app billing --config dbflow.yaml
  dbflow migrate down --app billing
  dbflow migrate status --app billing`)
}
