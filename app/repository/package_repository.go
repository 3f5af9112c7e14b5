package repository

import (
	"github.com/ManuelReschke/CreditFox/app/models"
	"gorm.io/gorm"
)

// packageRepository implements the PackageRepository interface
type packageRepository struct {
	db *gorm.DB
}

// NewPackageRepository creates a new package repository instance
func NewPackageRepository(db *gorm.DB) PackageRepository {
	return &packageRepository{db: db}
}

// Create creates a new credit package
func (r *packageRepository) Create(pkg *models.CreditPackage) error {
	return r.db.Create(pkg).Error
}

// GetByID retrieves a package by its ID
func (r *packageRepository) GetByID(id uint) (*models.CreditPackage, error) {
	var pkg models.CreditPackage
	err := r.db.First(&pkg, id).Error
	if err != nil {
		return nil, err
	}
	return &pkg, nil
}

// GetBySlug retrieves a package by its slug
func (r *packageRepository) GetBySlug(slug string) (*models.CreditPackage, error) {
	var pkg models.CreditPackage
	err := r.db.Where("slug = ?", slug).First(&pkg).Error
	if err != nil {
		return nil, err
	}
	return &pkg, nil
}

// GetAll retrieves all packages ordered by creation
func (r *packageRepository) GetAll() ([]models.CreditPackage, error) {
	var pkgs []models.CreditPackage
	err := r.db.Order("created_at ASC").Find(&pkgs).Error
	return pkgs, err
}

// GetActive retrieves all active packages
func (r *packageRepository) GetActive() ([]models.CreditPackage, error) {
	var pkgs []models.CreditPackage
	err := r.db.Where("is_active = ?", true).Order("created_at ASC").Find(&pkgs).Error
	return pkgs, err
}

// Update updates an existing package
func (r *packageRepository) Update(pkg *models.CreditPackage) error {
	return r.db.Save(pkg).Error
}

// Count returns the total number of packages
func (r *packageRepository) Count() (int64, error) {
	var count int64
	err := r.db.Model(&models.CreditPackage{}).Count(&count).Error
	return count, err
}

// SlugExists checks if a package slug already exists
func (r *packageRepository) SlugExists(slug string) (bool, error) {
	var count int64
	err := r.db.Model(&models.CreditPackage{}).Where("slug = ?", slug).Count(&count).Error
	return count > 0, err
}
