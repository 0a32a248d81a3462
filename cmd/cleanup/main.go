// Command cleanup runs one retention pass and exits. It is meant for an
// external scheduler; a non-zero exit means at least one category failed.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"passwordless-auth/internal/factory"
	"passwordless-auth/internal/util"
)

func main() {
	timeout := flag.Duration("timeout", 30*time.Minute, "upper bound for the whole run")
	deleteUsers := flag.Bool("delete-inactive-users", false, "also purge users inactive past CLEANUP_USER_RETENTION_DAYS")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	f, err := factory.NewFactory(ctx)
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}

	cfg := f.Config().Cleanup
	if *deleteUsers {
		cfg.DeleteInactiveUsers = true
	}

	runCtx, cancel := context.WithTimeout(ctx, *timeout)
	res := f.ServiceFactory().AuthService().RunCleanup(runCtx, cfg)
	cancel()

	util.Info("Cleanup run finished",
		util.Bool("success", res.Success),
		util.Bool("skipped", res.Skipped),
		util.Int("total_deleted", res.TotalDeleted),
		util.Duration("duration", res.FinishedAt.Sub(res.StartedAt)),
		util.Any("categories", res.Categories),
	)
	f.Close()

	if !res.Success {
		os.Exit(1)
	}
}
