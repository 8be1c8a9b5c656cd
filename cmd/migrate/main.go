// Command migrate manages the provisioning schema out of band. Deploy
// pipelines run it before rolling the API; cmd/api also ensures the schema on
// boot, so this binary is mostly for status checks and rollbacks.
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hostkit/provisiond/internal/app/migrate"
	"github.com/hostkit/provisiond/pkg/config"
	"github.com/hostkit/provisiond/pkg/logger"
)

func main() {
	var (
		command = flag.String("command", "up", "up, status or down")
		timeout = flag.Duration("timeout", time.Minute, "abort the command after this long")
		target  = flag.Int64("target", 0, "with -command down: version to roll back to (0 rolls back one)")
	)
	flag.Parse()

	cfg := config.LoadAPIConfig()
	log := logger.New("provisiond-migrate", logger.ParseLevel(cfg.LogLevel))

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("database connection failed", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("migration runner setup failed", "dir", cfg.MigrationsDir, "error", err)
		os.Exit(1)
	}
	defer runner.Close()

	var runErr error
	switch *command {
	case "up":
		runErr = runner.Ensure(ctx)
	case "status":
		runErr = runner.Status(ctx)
	case "down":
		runErr = runner.Down(ctx, *target)
	default:
		log.Error("unknown command", "command", *command)
		os.Exit(2)
	}
	if runErr != nil {
		log.Error("migration command failed", "command", *command,
			"dir", cfg.MigrationsDir, "error", runErr)
		os.Exit(1)
	}
	log.Info("schema up to date", "command", *command, "dir", cfg.MigrationsDir)
}
