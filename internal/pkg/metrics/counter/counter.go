package counter

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ManuelReschke/CreditFox/internal/pkg/cache"
	"github.com/ManuelReschke/CreditFox/internal/pkg/database"
)

const (
	eventsProcessedKey   = "credits:counters:events_processed"
	duplicateEventsKey   = "credits:counters:duplicate_events"
	creditsGrantedKey    = "credits:counters:credits_granted"
	creditsRolledOverKey = "credits:counters:credits_rolled_over"
	creditsDebitedKey    = "credits:counters:credits_debited"
)

const dayFormat = "2006-01-02"

func dayField(at time.Time) string {
	return at.UTC().Format(dayFormat)
}

// AddEventProcessed increments the pending processed-event counter for the day in Redis
func AddEventProcessed(at time.Time) error {
	ctx := context.Background()
	return cache.GetClient().HIncrBy(ctx, eventsProcessedKey, dayField(at), 1).Err()
}

// AddDuplicateEvent increments the pending duplicate-event counter for the day in Redis
func AddDuplicateEvent(at time.Time) error {
	ctx := context.Background()
	return cache.GetClient().HIncrBy(ctx, duplicateEventsKey, dayField(at), 1).Err()
}

// AddCreditsGranted adds granted credits to the pending counter for the day in Redis
func AddCreditsGranted(at time.Time, amount int64) error {
	ctx := context.Background()
	return cache.GetClient().HIncrBy(ctx, creditsGrantedKey, dayField(at), amount).Err()
}

// AddCreditsRolledOver adds rolled-over credits to the pending counter for the day in Redis
func AddCreditsRolledOver(at time.Time, amount int64) error {
	ctx := context.Background()
	return cache.GetClient().HIncrBy(ctx, creditsRolledOverKey, dayField(at), amount).Err()
}

// AddCreditsDebited adds debited credits to the pending counter for the day in Redis
func AddCreditsDebited(at time.Time, amount int64) error {
	ctx := context.Background()
	return cache.GetClient().HIncrBy(ctx, creditsDebitedKey, dayField(at), amount).Err()
}

// FlushAll flushes all pending credit counters to the database
func FlushAll() error {
	flushes := []struct {
		key    string
		column string
	}{
		{eventsProcessedKey, "events_processed"},
		{duplicateEventsKey, "duplicate_events"},
		{creditsGrantedKey, "credits_granted"},
		{creditsRolledOverKey, "credits_rolled_over"},
		{creditsDebitedKey, "credits_debited"},
	}
	for _, f := range flushes {
		if err := flushHashToColumn(f.key, f.column); err != nil {
			return err
		}
	}
	return nil
}

// flushHashToColumn drains a Redis hash atomically and applies batched per-day increments to credit_daily_stats.
// Uses RENAME to a temporary key for atomic drain without losing in-flight increments.
func flushHashToColumn(redisKey, column string) error {
	ctx := context.Background()
	rdb := cache.GetClient()

	// Atomically move the hash to a temp key for draining
	tmpKey := fmt.Sprintf("%s:tmp:%d", redisKey, time.Now().UnixNano())
	if err := rdb.Do(ctx, "RENAME", redisKey, tmpKey).Err(); err != nil {
		// If key does not exist, nothing to flush
		if strings.Contains(strings.ToLower(err.Error()), "no such key") {
			return nil
		}
		// Some Redis libs return redis.Nil; treat as empty
		if err.Error() == "redis: nil" {
			return nil
		}
		return err
	}

	// Ensure cleanup of tmpKey even if later steps fail
	defer rdb.Del(ctx, tmpKey)

	data, err := rdb.HGetAll(ctx, tmpKey).Result()
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}

	// Collect days and increments; also sort days for stable SQL
	type pair struct {
		day string
		inc int64
	}
	pairs := make([]pair, 0, len(data))
	for k, v := range data {
		if _, perr := time.Parse(dayFormat, k); perr != nil {
			continue
		}
		inc, ierr := strconv.ParseInt(v, 10, 64)
		if ierr != nil || inc == 0 {
			continue
		}
		pairs = append(pairs, pair{day: k, inc: inc})
	}
	if len(pairs) == 0 {
		return nil
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].day < pairs[j].day })

	// Compose SQL
	// INSERT INTO credit_daily_stats (day, <column>, ...) VALUES (?,?),... ON DUPLICATE KEY UPDATE <column> = <column> + VALUES(<column>)
	var builder strings.Builder
	args := make([]interface{}, 0, len(pairs)*2)
	builder.WriteString("INSERT INTO credit_daily_stats (day, ")
	builder.WriteString(column)
	builder.WriteString(", created_at, updated_at) VALUES ")
	for i, p := range pairs {
		if i > 0 {
			builder.WriteString(",")
		}
		builder.WriteString("(?, ?, NOW(), NOW())")
		args = append(args, p.day, p.inc)
	}
	builder.WriteString(" ON DUPLICATE KEY UPDATE ")
	builder.WriteString(column)
	builder.WriteString(" = ")
	builder.WriteString(column)
	builder.WriteString(" + VALUES(")
	builder.WriteString(column)
	builder.WriteString("), updated_at = NOW()")

	sql := builder.String()
	db := database.GetDB()
	if err := db.Exec(sql, args...).Error; err != nil {
		return err
	}
	return nil
}
