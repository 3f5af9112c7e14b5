package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ManuelReschke/CreditFox/internal/pkg/credits"
	"github.com/ManuelReschke/CreditFox/internal/pkg/database"
	"github.com/ManuelReschke/CreditFox/internal/pkg/env"
	"github.com/ManuelReschke/CreditFox/internal/pkg/mail"
)

var (
	sweepSchedule = flag.String("sweep-schedule", "5 * * * *", "Cron schedule for the allocation sweep (default: 5 minutes past every hour)")
	retrySchedule = flag.String("retry-schedule", "*/15 * * * *", "Cron schedule for failed-allocation retries (default: every 15 minutes)")
	runOnce       = flag.Bool("run-once", false, "Run one sweep plus retry pass and exit (for testing or backfilling)")
)

// Standalone allocation runner. The API server sweeps through its job queue
// already; this binary exists for deployments that want allocations on a
// dedicated schedule, and for manual one-shot runs.
func main() {
	flag.Parse()

	env.SetupEnvFile()
	database.SetupDatabase()
	db := database.GetDB()
	if db == nil {
		log.Fatal("Failed to connect to database")
	}

	repo := credits.NewRepository(db)
	processor := credits.NewProcessor(repo)
	allocator := credits.NewAllocator(repo, processor, mail.NewAllocationAlertNotifier())

	if *runOnce {
		if err := runSweep(allocator); err != nil {
			log.Fatalf("Sweep failed: %v", err)
		}
		log.Println("Sweep completed successfully")
		return
	}

	c := cron.New()

	if _, err := c.AddFunc(*sweepSchedule, func() {
		if err := runSweep(allocator); err != nil {
			log.Printf("Sweep failed: %v", err)
		}
	}); err != nil {
		log.Fatalf("Failed to schedule allocation sweep: %v", err)
	}

	if _, err := c.AddFunc(*retrySchedule, func() {
		if err := runRetries(allocator); err != nil {
			log.Printf("Retry pass failed: %v", err)
		}
	}); err != nil {
		log.Fatalf("Failed to schedule allocation retries: %v", err)
	}

	c.Start()
	log.Println("CreditFox allocator started")
	log.Printf("Sweep schedule: %s", *sweepSchedule)
	log.Printf("Retry schedule: %s", *retrySchedule)

	// Wait for termination signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	log.Println("Shutting down gracefully...")

	ctx := c.Stop()
	<-ctx.Done()

	log.Println("Allocator stopped")
}

func runSweep(allocator *credits.Allocator) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	now := time.Now().UTC()
	allocated, failed, err := allocator.AllocateDue(ctx, now)
	if err != nil {
		return err
	}
	log.Printf("Sweep done: %d allocated, %d failed", allocated, failed)

	healed, backfillsFailed, err := allocator.DetectDiscrepancies(ctx, now)
	if err != nil {
		return err
	}
	if healed > 0 || backfillsFailed > 0 {
		log.Printf("Discrepancy scan: %d past allocations backfilled, %d failed", healed, backfillsFailed)
	}

	return runRetriesCtx(ctx, allocator)
}

func runRetries(allocator *credits.Allocator) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	return runRetriesCtx(ctx, allocator)
}

func runRetriesCtx(ctx context.Context, allocator *credits.Allocator) error {
	resolved, err := allocator.RetryFailed(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	if resolved > 0 {
		log.Printf("Retry pass resolved %d failed allocations", resolved)
	}
	return nil
}
