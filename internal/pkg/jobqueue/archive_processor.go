package jobqueue

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/CreditFox/internal/pkg/database"
	"github.com/ManuelReschke/CreditFox/internal/pkg/ledgerarchive"
)

// processLedgerArchiveJob exports one month of ledger transactions to S3.
// An already-archived month is skipped, so duplicate jobs are harmless.
func (q *Queue) processLedgerArchiveJob(ctx context.Context, job *Job) error {
	payload, err := LedgerArchiveJobPayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("invalid ledger archive payload: %w", err)
	}
	if payload.Month == "" {
		return fmt.Errorf("ledger archive payload has no month")
	}

	// Load archive configuration
	config, err := ledgerarchive.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load archive config: %w", err)
	}

	if !config.IsEnabled() {
		return fmt.Errorf("ledger archive is disabled")
	}

	// Create archive client
	client, err := ledgerarchive.NewClient(config)
	if err != nil {
		return fmt.Errorf("failed to create archive client: %w", err)
	}

	objectKey := config.GetObjectKey(payload.Month)

	exists, err := client.ObjectExists(objectKey)
	if err != nil {
		return fmt.Errorf("failed to check archive %s: %w", objectKey, err)
	}
	if exists {
		log.Infof("[LedgerArchive] Archive %s already present, skipping", objectKey)
		return nil
	}

	// Get database connection
	db := database.GetDB()
	if db == nil {
		return fmt.Errorf("database connection is nil")
	}

	data, count, err := ledgerarchive.ExportMonth(db, payload.Month)
	if err != nil {
		return fmt.Errorf("failed to export ledger for %s: %w", payload.Month, err)
	}

	result, err := client.Upload(objectKey, data)
	if err != nil {
		return fmt.Errorf("failed to upload archive: %w", err)
	}

	log.Infof("[LedgerArchive] Archived %d transactions for %s to s3://%s/%s",
		count, payload.Month, result.BucketName, result.ObjectKey)

	return nil
}

// EnqueueLedgerArchiveJob creates and enqueues an archive job for one month
func (q *Queue) EnqueueLedgerArchiveJob(month string) (*Job, error) {
	payload := LedgerArchiveJobPayload{Month: month}
	return q.EnqueueJob(JobTypeLedgerArchive, payload.ToMap())
}
