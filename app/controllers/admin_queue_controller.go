package controllers

import (
	"sort"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/CreditFox/app/repository"
	"github.com/ManuelReschke/CreditFox/internal/pkg/jobqueue"
)

// AdminQueueController exposes the Redis-backed job queue for inspection.
type AdminQueueController struct {
	queueRepo repository.QueueRepository
}

// NewAdminQueueController creates a new admin queue controller with repository
func NewAdminQueueController(queueRepo repository.QueueRepository) *AdminQueueController {
	return &AdminQueueController{
		queueRepo: queueRepo,
	}
}

// QueueEntry is one Redis key with its queue-relevant metadata.
type QueueEntry struct {
	Key        string `json:"key"`
	Type       string `json:"type"`
	Status     string `json:"status,omitempty"`
	TTLSeconds int64  `json:"ttl_seconds"`
	Size       int64  `json:"size"`
}

// HandleQueues lists all job-queue related keys with their state.
func (aqc *AdminQueueController) HandleQueues(c *fiber.Ctx) error {
	keys, err := aqc.queueRepo.FindKeysByPatterns([]string{
		jobqueue.JobKeyPrefix + "*",
		jobqueue.JobQueueKey,
		jobqueue.JobProcessingKey,
		jobqueue.JobStatsKey,
	})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to list queue keys"})
	}

	entries := make([]QueueEntry, 0, len(keys))
	for _, key := range keys {
		entry := QueueEntry{Key: key, Type: "unknown"}

		switch {
		case strings.HasPrefix(key, jobqueue.JobKeyPrefix):
			entry.Type = "job"
			value, err := aqc.queueRepo.GetValue(key)
			if err != nil && err != redis.Nil {
				continue
			}
			entry.Status = jobStatusFromJSON(value)
			entry.Size = int64(len(value))
		case key == jobqueue.JobQueueKey:
			entry.Type = "queue"
			entry.Size, _ = aqc.queueRepo.GetListLength(key)
		case key == jobqueue.JobProcessingKey:
			entry.Type = "processing"
			entry.Size, _ = aqc.queueRepo.GetListLength(key)
		case key == jobqueue.JobStatsKey:
			entry.Type = "stats"
			if fields, err := aqc.queueRepo.GetHashFields(key); err == nil {
				entry.Size = int64(len(fields))
			}
		}

		if ttl, err := aqc.queueRepo.GetTTL(key); err == nil {
			entry.TTLSeconds = int64(ttl.Seconds())
		} else {
			entry.TTLSeconds = -1
		}

		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Type != entries[j].Type {
			return entries[i].Type < entries[j].Type
		}
		return entries[i].Key < entries[j].Key
	})

	return c.JSON(fiber.Map{"count": len(entries), "entries": entries})
}

// HandleQueueDelete removes a single queue key.
func (aqc *AdminQueueController) HandleQueueDelete(c *fiber.Ctx) error {
	key := c.Params("key")
	if key == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Key is required"})
	}

	result, err := aqc.queueRepo.DeleteKey(key)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to delete key"})
	}
	if result == 0 {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "Key not found"})
	}

	return c.JSON(fiber.Map{"ok": true, "deleted": result})
}

type queueBulkDeleteRequest struct {
	Patterns []string `json:"patterns"`
}

// HandleQueueBulkDelete removes all keys matching the given patterns.
// Patterns are restricted to the job-queue namespace.
func (aqc *AdminQueueController) HandleQueueBulkDelete(c *fiber.Ctx) error {
	var req queueBulkDeleteRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Invalid request body"})
	}
	if len(req.Patterns) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "At least one pattern is required"})
	}
	for _, pattern := range req.Patterns {
		if !strings.HasPrefix(pattern, jobqueue.JobKeyPrefix) && pattern != jobqueue.JobQueueKey && pattern != jobqueue.JobProcessingKey && pattern != jobqueue.JobStatsKey {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Pattern outside the job queue namespace: " + pattern})
		}
	}

	keys, err := aqc.queueRepo.FindKeysByPatterns(req.Patterns)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to resolve patterns"})
	}
	if len(keys) == 0 {
		return c.JSON(fiber.Map{"ok": true, "deleted": 0})
	}

	deleted, err := aqc.queueRepo.DeleteKeys(keys)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to delete keys"})
	}

	return c.JSON(fiber.Map{"ok": true, "deleted": deleted})
}

// jobStatusFromJSON extracts the status field from serialized job data
// without a full parse.
func jobStatusFromJSON(jsonValue string) string {
	for _, status := range []string{"pending", "processing", "completed", "failed", "retrying"} {
		if strings.Contains(jsonValue, `"status":"`+status+`"`) {
			return status
		}
	}
	return "unknown"
}
