package models

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

// Setting represents a system setting
type Setting struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Key       string    `gorm:"column:setting_key;size:255;not null;uniqueIndex" json:"key" validate:"required,min=1,max=255"`
	Value     string    `gorm:"type:text" json:"value"`
	Type      string    `gorm:"size:50;not null" json:"type" validate:"required"` // string, boolean, integer, float
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AppSettings represents the application settings structure
type AppSettings struct {
	SiteTitle                      string `json:"site_title" validate:"required,min=1,max=255"`
	SiteDescription                string `json:"site_description" validate:"max=500"`
	WebhookEnabled                 bool   `json:"webhook_enabled"`
	AllocationSweepEnabled         bool   `json:"allocation_sweep_enabled"`
	LedgerArchiveEnabled           bool   `json:"ledger_archive_enabled"`
	JobQueueWorkerCount            int    `json:"job_queue_worker_count" validate:"gte=0,lte=64"`
	AllocationSweepIntervalMinutes int    `json:"allocation_sweep_interval_minutes" validate:"gte=0"`
	AllocationRetryIntervalMinutes int    `json:"allocation_retry_interval_minutes" validate:"gte=0"`
	CounterFlushIntervalSeconds    int    `json:"counter_flush_interval_seconds" validate:"gte=0"`
	mu                             sync.RWMutex
}

// Global settings instance
var (
	appSettings *AppSettings
	settingsMu  sync.RWMutex
)

// GetAppSettings returns the current application settings
func GetAppSettings() *AppSettings {
	settingsMu.RLock()
	defer settingsMu.RUnlock()
	return appSettings
}

// LoadSettings loads settings from database into memory
func LoadSettings(db *gorm.DB) error {
	settingsMu.Lock()
	defer settingsMu.Unlock()

	// Initialize with defaults
	appSettings = &AppSettings{
		SiteTitle:                      "CreditFox",
		SiteDescription:                "Subscription credit ledger",
		WebhookEnabled:                 true,
		AllocationSweepEnabled:         true,
		LedgerArchiveEnabled:           false,
		JobQueueWorkerCount:            4,
		AllocationSweepIntervalMinutes: 60,
		AllocationRetryIntervalMinutes: 15,
		CounterFlushIntervalSeconds:    5,
	}

	// Load settings from database
	var settings []Setting
	if err := db.Find(&settings).Error; err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	// Apply loaded settings
	for _, setting := range settings {
		switch setting.Key {
		case "site_title":
			appSettings.SiteTitle = setting.Value
		case "site_description":
			appSettings.SiteDescription = setting.Value
		case "webhook_enabled":
			appSettings.WebhookEnabled = setting.Value == "true"
		case "allocation_sweep_enabled":
			appSettings.AllocationSweepEnabled = setting.Value == "true"
		case "ledger_archive_enabled":
			appSettings.LedgerArchiveEnabled = setting.Value == "true"
		case "job_queue_worker_count":
			appSettings.JobQueueWorkerCount = parseSettingInt(setting.Value, appSettings.JobQueueWorkerCount)
		case "allocation_sweep_interval_minutes":
			appSettings.AllocationSweepIntervalMinutes = parseSettingInt(setting.Value, appSettings.AllocationSweepIntervalMinutes)
		case "allocation_retry_interval_minutes":
			appSettings.AllocationRetryIntervalMinutes = parseSettingInt(setting.Value, appSettings.AllocationRetryIntervalMinutes)
		case "counter_flush_interval_seconds":
			appSettings.CounterFlushIntervalSeconds = parseSettingInt(setting.Value, appSettings.CounterFlushIntervalSeconds)
		}
	}

	return nil
}

// SaveSettings saves current settings to database
func SaveSettings(db *gorm.DB, settings *AppSettings) error {
	settingsMu.Lock()
	defer settingsMu.Unlock()

	// Validate settings
	if err := settings.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	// Convert settings to database format
	settingsMap := map[string]interface{}{
		"site_title":                        settings.SiteTitle,
		"site_description":                  settings.SiteDescription,
		"webhook_enabled":                   fmt.Sprintf("%t", settings.WebhookEnabled),
		"allocation_sweep_enabled":          fmt.Sprintf("%t", settings.AllocationSweepEnabled),
		"ledger_archive_enabled":            fmt.Sprintf("%t", settings.LedgerArchiveEnabled),
		"job_queue_worker_count":            fmt.Sprintf("%d", settings.JobQueueWorkerCount),
		"allocation_sweep_interval_minutes": fmt.Sprintf("%d", settings.AllocationSweepIntervalMinutes),
		"allocation_retry_interval_minutes": fmt.Sprintf("%d", settings.AllocationRetryIntervalMinutes),
		"counter_flush_interval_seconds":    fmt.Sprintf("%d", settings.CounterFlushIntervalSeconds),
	}

	// Save each setting
	for key, value := range settingsMap {
		var setting Setting
		result := db.Where("setting_key = ?", key).First(&setting)

		if result.Error != nil {
			if result.Error == gorm.ErrRecordNotFound {
				// Create new setting
				setting = Setting{
					Key:   key,
					Value: fmt.Sprintf("%v", value),
					Type:  getSettingType(key),
				}
				if err := db.Create(&setting).Error; err != nil {
					return fmt.Errorf("failed to create setting %s: %w", key, err)
				}
			} else {
				return fmt.Errorf("failed to query setting %s: %w", key, result.Error)
			}
		} else {
			// Update existing setting
			setting.Value = fmt.Sprintf("%v", value)
			if err := db.Save(&setting).Error; err != nil {
				return fmt.Errorf("failed to update setting %s: %w", key, err)
			}
		}
	}

	// Update global settings
	appSettings = settings
	return nil
}

// getSettingType returns the type of a setting based on its key
func getSettingType(key string) string {
	switch key {
	case "site_title", "site_description":
		return "string"
	case "webhook_enabled", "allocation_sweep_enabled", "ledger_archive_enabled":
		return "boolean"
	case "job_queue_worker_count", "allocation_sweep_interval_minutes",
		"allocation_retry_interval_minutes", "counter_flush_interval_seconds":
		return "integer"
	default:
		return "string"
	}
}

func parseSettingInt(value string, fallback int) int {
	var n int
	if _, err := fmt.Sscanf(value, "%d", &n); err != nil || n < 0 {
		return fallback
	}
	return n
}

// Validate validates the settings
func (s *AppSettings) Validate() error {
	validate := validator.New()
	return validate.Struct(s)
}

// ToJSON converts settings to JSON
func (s *AppSettings) ToJSON() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.Marshal(s)
}

// FromJSON loads settings from JSON
func (s *AppSettings) FromJSON(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.Unmarshal(data, s)
}

// GetSiteTitle returns the site title
func (s *AppSettings) GetSiteTitle() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.SiteTitle
}

// GetSiteDescription returns the site description
func (s *AppSettings) GetSiteDescription() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.SiteDescription
}

// IsWebhookEnabled returns whether billing webhook intake is enabled
func (s *AppSettings) IsWebhookEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.WebhookEnabled
}

// IsAllocationSweepEnabled returns whether the monthly allocation sweep runs
func (s *AppSettings) IsAllocationSweepEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.AllocationSweepEnabled
}

// IsLedgerArchiveEnabled returns whether the monthly ledger export runs
func (s *AppSettings) IsLedgerArchiveEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.LedgerArchiveEnabled
}

// GetJobQueueWorkerCount returns the background worker pool size
func (s *AppSettings) GetJobQueueWorkerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.JobQueueWorkerCount <= 0 {
		return 4
	}
	return s.JobQueueWorkerCount
}

// GetAllocationSweepInterval returns the interval between allocation sweeps
func (s *AppSettings) GetAllocationSweepInterval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.AllocationSweepIntervalMinutes <= 0 {
		return 60 * time.Minute
	}
	return time.Duration(s.AllocationSweepIntervalMinutes) * time.Minute
}

// GetAllocationRetryInterval returns the interval between failed-allocation retries
func (s *AppSettings) GetAllocationRetryInterval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.AllocationRetryIntervalMinutes <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(s.AllocationRetryIntervalMinutes) * time.Minute
}

// GetCounterFlushInterval returns the interval between Redis counter flushes
func (s *AppSettings) GetCounterFlushInterval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.CounterFlushIntervalSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(s.CounterFlushIntervalSeconds) * time.Second
}
