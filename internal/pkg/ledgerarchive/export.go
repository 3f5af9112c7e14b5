package ledgerarchive

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"gorm.io/gorm"

	"github.com/ManuelReschke/CreditFox/app/models"
)

// MonthRange returns the UTC [start, end) window for a YYYY-MM period key
func MonthRange(month string) (time.Time, time.Time, error) {
	start, err := time.ParseInLocation("2006-01", month, time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid archive month %q: %w", month, err)
	}
	return start, start.AddDate(0, 1, 0), nil
}

// ExportMonth renders one month of ledger transactions as CSV, paging by id
func ExportMonth(db *gorm.DB, month string) ([]byte, int, error) {
	start, end, err := MonthRange(month)
	if err != nil {
		return nil, 0, err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	header := []string{"id", "transaction_id", "user_id", "type", "amount", "balance_before", "balance_after", "balance_id", "subscription_id", "event_id", "description", "created_at"}
	if err := w.Write(header); err != nil {
		return nil, 0, err
	}

	const batchSize = 1000
	var cursorID uint
	count := 0
	for {
		var rows []models.CreditTransaction
		err := db.Where("created_at >= ? AND created_at < ? AND id > ?", start, end, cursorID).
			Order("id ASC").Limit(batchSize).Find(&rows).Error
		if err != nil {
			return nil, 0, fmt.Errorf("failed to list transactions for %s: %w", month, err)
		}
		if len(rows) == 0 {
			break
		}
		for i := range rows {
			if err := w.Write(transactionRecord(&rows[i])); err != nil {
				return nil, 0, err
			}
		}
		cursorID = rows[len(rows)-1].ID
		count += len(rows)
		if len(rows) < batchSize {
			break
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, 0, err
	}
	return buf.Bytes(), count, nil
}

func transactionRecord(t *models.CreditTransaction) []string {
	return []string{
		strconv.FormatUint(uint64(t.ID), 10),
		t.TransactionID,
		strconv.FormatUint(uint64(t.UserID), 10),
		t.Type,
		strconv.FormatInt(t.Amount, 10),
		strconv.FormatInt(t.BalanceBefore, 10),
		strconv.FormatInt(t.BalanceAfter, 10),
		uintPtrString(t.BalanceID),
		uintPtrString(t.SubscriptionID),
		t.EventID,
		t.Description,
		t.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func uintPtrString(v *uint) string {
	if v == nil {
		return ""
	}
	return strconv.FormatUint(uint64(*v), 10)
}
