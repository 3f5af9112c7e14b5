package repository

import (
	"time"

	"github.com/ManuelReschke/CreditFox/app/models"
	"gorm.io/gorm"
)

// UserRepository defines the interface for user-related database operations
type UserRepository interface {
	Create(user *models.User) error
	GetByID(id uint) (*models.User, error)
	GetByEmail(email string) (*models.User, error)
	GetByActivationToken(token string) (*models.User, error)
	GetByAPIKeyHash(hash string) (*models.User, *models.UserSettings, error)
	GetCreditStatsByUserID(userID uint) (*UserCreditStats, error)
	Update(user *models.User) error
	Delete(id uint) error
	List(offset, limit int) ([]models.User, error)
	Count() (int64, error)
	Search(query string) ([]models.User, error)
	GetDailyStats(startDate, endDate time.Time) ([]models.DailyStats, error)
}

// PackageRepository defines the interface for credit package configuration
type PackageRepository interface {
	Create(pkg *models.CreditPackage) error
	GetByID(id uint) (*models.CreditPackage, error)
	GetBySlug(slug string) (*models.CreditPackage, error)
	GetAll() ([]models.CreditPackage, error)
	GetActive() ([]models.CreditPackage, error)
	Update(pkg *models.CreditPackage) error
	Count() (int64, error)
	SlugExists(slug string) (bool, error)
}

// SubscriptionRepository defines the interface for subscription lookups
// outside the renewal engine (the engine carries its own transactional
// repository).
type SubscriptionRepository interface {
	Create(sub *models.Subscription) error
	GetByID(id uint) (*models.Subscription, error)
	GetByProviderRef(provider, providerSubscriptionID string) (*models.Subscription, error)
	ListByUser(userID uint) ([]models.Subscription, error)
	List(offset, limit int) ([]models.Subscription, error)
	Count() (int64, error)
	CountByStatus(status string) (int64, error)
}

// SettingRepository defines the interface for application settings
type SettingRepository interface {
	Get() (*models.AppSettings, error)
	Save(settings *models.AppSettings) error
	GetValue(key string) (string, error)
	SetValue(key, value string) error
}

// QueueRepository defines the interface for cache/queue operations
type QueueRepository interface {
	GetAllKeys() ([]string, error)
	GetValue(key string) (string, error)
	GetTTL(key string) (time.Duration, error)
	DeleteKey(key string) (int64, error)
	GetListLength(key string) (int64, error)
	GetHashFields(key string) (map[string]string, error)
	FindKeysByPatterns(patterns []string) ([]string, error)
	DeleteKeys(keys []string) (int64, error)
}

// UserCreditStats aggregates a user's ledger position for account views.
type UserCreditStats struct {
	ActiveCredits    int64
	OpenBalances     int64
	TransactionCount int64
}

// Repositories struct holds all repository instances
type Repositories struct {
	User         UserRepository
	Package      PackageRepository
	Subscription SubscriptionRepository
	Setting      SettingRepository
	Queue        QueueRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		User:         NewUserRepository(db),
		Package:      NewPackageRepository(db),
		Subscription: NewSubscriptionRepository(db),
		Setting:      NewSettingRepository(db),
		Queue:        NewQueueRepository(),
	}
}
