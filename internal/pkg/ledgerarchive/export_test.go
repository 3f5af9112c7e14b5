package ledgerarchive

import (
	"encoding/csv"
	"fmt"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ManuelReschke/CreditFox/app/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	if err := db.AutoMigrate(&models.CreditTransaction{}); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	t.Cleanup(func() {
		sqlDB, err := db.DB()
		if err == nil {
			_ = sqlDB.Close()
		}
	})

	return db
}

func seedTransaction(t *testing.T, db *gorm.DB, userID uint, txType string, amount int64, createdAt time.Time) {
	t.Helper()

	row := &models.CreditTransaction{
		TransactionID: fmt.Sprintf("tx-%d-%d", userID, createdAt.UnixNano()),
		UserID:        userID,
		Type:          txType,
		Amount:        amount,
		EventID:       "evt_test",
		Description:   "test movement",
	}
	if err := db.Create(row).Error; err != nil {
		t.Fatalf("failed to seed transaction: %v", err)
	}
	// autoCreateTime overrides the passed value, set it explicitly
	if err := db.Model(row).Update("created_at", createdAt).Error; err != nil {
		t.Fatalf("failed to backdate transaction: %v", err)
	}
}

func TestMonthRange(t *testing.T) {
	start, end, err := MonthRange("2025-07")
	if err != nil {
		t.Fatalf("MonthRange returned error: %v", err)
	}

	wantStart := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	wantEnd := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)
	if !start.Equal(wantStart) {
		t.Errorf("start = %s, want %s", start, wantStart)
	}
	if !end.Equal(wantEnd) {
		t.Errorf("end = %s, want %s", end, wantEnd)
	}

	if _, _, err := MonthRange("July 2025"); err == nil {
		t.Error("expected error for malformed month")
	}
	if _, _, err := MonthRange(""); err == nil {
		t.Error("expected error for empty month")
	}
}

func TestExportMonth(t *testing.T) {
	db := newTestDB(t)

	inMonth := time.Date(2025, 7, 10, 12, 0, 0, 0, time.UTC)
	seedTransaction(t, db, 1, models.TransactionTypeGrant, 1000, inMonth)
	seedTransaction(t, db, 1, models.TransactionTypeDebit, -250, inMonth.Add(48*time.Hour))
	seedTransaction(t, db, 2, models.TransactionTypeGrant, 500, inMonth.Add(time.Hour))

	// Outside the window, must not appear
	seedTransaction(t, db, 1, models.TransactionTypeGrant, 1000, time.Date(2025, 6, 30, 23, 59, 0, 0, time.UTC))
	seedTransaction(t, db, 1, models.TransactionTypeGrant, 1000, time.Date(2025, 8, 1, 0, 0, 1, 0, time.UTC))

	data, count, err := ExportMonth(db, "2025-07")
	if err != nil {
		t.Fatalf("ExportMonth returned error: %v", err)
	}
	if count != 3 {
		t.Fatalf("count = %d, want 3", count)
	}

	records, err := csv.NewReader(strings.NewReader(string(data))).ReadAll()
	if err != nil {
		t.Fatalf("export is not valid CSV: %v", err)
	}
	if len(records) != 4 { // header + 3 rows
		t.Fatalf("got %d CSV records, want 4", len(records))
	}
	if records[0][0] != "id" || records[0][3] != "type" {
		t.Errorf("unexpected header: %v", records[0])
	}
	if records[1][3] != models.TransactionTypeGrant || records[1][4] != "1000" {
		t.Errorf("unexpected first row: %v", records[1])
	}
	if records[2][3] != models.TransactionTypeDebit || records[2][4] != "-250" {
		t.Errorf("unexpected debit row: %v", records[2])
	}
}

func TestExportMonthEmpty(t *testing.T) {
	db := newTestDB(t)

	data, count, err := ExportMonth(db, "2025-01")
	if err != nil {
		t.Fatalf("ExportMonth returned error: %v", err)
	}
	if count != 0 {
		t.Fatalf("count = %d, want 0", count)
	}

	records, err := csv.NewReader(strings.NewReader(string(data))).ReadAll()
	if err != nil {
		t.Fatalf("export is not valid CSV: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("empty month should export header only, got %d records", len(records))
	}
}

func TestConfigObjectKey(t *testing.T) {
	cfg := &Config{Prefix: "ledger"}

	if got := cfg.GetObjectKey("2025-07"); got != "ledger/2025/2025-07.csv" {
		t.Errorf("GetObjectKey = %q", got)
	}

	cfg.Prefix = "archive/ledger"
	if got := cfg.GetObjectKey("2024-12"); got != "archive/ledger/2024/2024-12.csv" {
		t.Errorf("GetObjectKey = %q", got)
	}
}
