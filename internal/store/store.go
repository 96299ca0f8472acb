// Package store is the data-access layer over gorm. It owns license, device,
// configuration and audit persistence; the quota check-then-act race is
// resolved by the unique (license_code, machine_id) index, not by locking.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/goudaren0528/orderinfo-server/internal/config"
	"github.com/goudaren0528/orderinfo-server/internal/models"
)

// KeyStore row keys.
const (
	KeyServerPrivateKey = "license_private_key"
	KeyServerPublicKey  = "license_public_key"
	KeyCommonConfig     = "common_config"
)

// Store wraps the gorm handle with the protocol's data operations.
type Store struct {
	db *gorm.DB
}

// Open connects to the configured backend and runs migrations.
func Open(cfg config.DatabaseConfig) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.Migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Migrate creates or updates the schema.
func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("automigrate: %w", err)
	}
	return nil
}

// --- licenses ---

// GetLicense loads one license by code. Returns (nil, nil) when absent.
func (s *Store) GetLicense(code string) (*models.License, error) {
	var lic models.License
	err := s.db.First(&lic, "code = ?", code).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load license: %w", err)
	}
	return &lic, nil
}

// CreateLicense inserts a new license record.
func (s *Store) CreateLicense(lic *models.License) error {
	if err := s.db.Create(lic).Error; err != nil {
		return fmt.Errorf("create license: %w", err)
	}
	return nil
}

// SaveLicense persists updates to an existing license record, for operator
// tooling (revocation, quota changes).
func (s *Store) SaveLicense(lic *models.License) error {
	if err := s.db.Save(lic).Error; err != nil {
		return fmt.Errorf("save license: %w", err)
	}
	return nil
}

// --- devices ---

// FindDevice loads the device bound to (code, machineID), or (nil, nil).
func (s *Store) FindDevice(code, machineID string) (*models.Device, error) {
	var dev models.Device
	err := s.db.First(&dev, "license_code = ? AND machine_id = ?", code, machineID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load device: %w", err)
	}
	return &dev, nil
}

// CreateDevice inserts a new device row. A unique-constraint violation is
// reported via IsDuplicate so the caller can fall back to the update path.
func (s *Store) CreateDevice(dev *models.Device) error {
	return s.db.Create(dev).Error
}

// SaveDevice persists updates to an existing device row.
func (s *Store) SaveDevice(dev *models.Device) error {
	if err := s.db.Save(dev).Error; err != nil {
		return fmt.Errorf("save device: %w", err)
	}
	return nil
}

// CountDevices counts all device rows for a license.
func (s *Store) CountDevices(code string) (int64, error) {
	var n int64
	if err := s.db.Model(&models.Device{}).Where("license_code = ?", code).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count devices: %w", err)
	}
	return n, nil
}

// CountLiveDevices counts device rows whose heartbeat is at or after the
// given threshold.
func (s *Store) CountLiveDevices(code string, threshold time.Time) (int64, error) {
	var n int64
	err := s.db.Model(&models.Device{}).
		Where("license_code = ? AND last_heartbeat >= ?", code, threshold).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count live devices: %w", err)
	}
	return n, nil
}

// DeleteStaleDevices removes device rows for a license whose heartbeat is
// older than the threshold, freeing their quota slots. Returns the number of
// rows removed.
func (s *Store) DeleteStaleDevices(code string, threshold time.Time) (int64, error) {
	res := s.db.Where("license_code = ? AND last_heartbeat < ?", code, threshold).
		Delete(&models.Device{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete stale devices: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// IsDuplicate reports whether err is a unique-constraint violation.
func IsDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}

// --- configuration blobs ---

// LoadCommonConfig returns the shared base configuration, or an empty map.
func (s *Store) LoadCommonConfig() map[string]any {
	value, ok, err := s.GetKeyStore(KeyCommonConfig)
	if err != nil || !ok {
		return map[string]any{}
	}
	return decodeConfigBlob(value)
}

// LoadLicenseConfig returns the per-license overlay, or an empty map.
func (s *Store) LoadLicenseConfig(code string) map[string]any {
	var rec models.LicenseConfig
	err := s.db.First(&rec, "license_code = ?", code).Error
	if err != nil {
		return map[string]any{}
	}
	return decodeConfigBlob(rec.Value)
}

// SaveLicenseConfig upserts the opaque per-license configuration blob.
func (s *Store) SaveLicenseConfig(code string, cfg map[string]any) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode license config: %w", err)
	}
	rec := models.LicenseConfig{LicenseCode: code, Value: string(raw), UpdatedAt: time.Now()}
	if err := s.db.Save(&rec).Error; err != nil {
		return fmt.Errorf("save license config: %w", err)
	}
	return nil
}

// decodeConfigBlob tolerates legacy blobs that stored a bare list of sites.
func decodeConfigBlob(value string) map[string]any {
	var asMap map[string]any
	if err := json.Unmarshal([]byte(value), &asMap); err == nil {
		return asMap
	}
	var asList []any
	if err := json.Unmarshal([]byte(value), &asList); err == nil {
		return map[string]any{"sites": asList}
	}
	return map[string]any{}
}

// --- key/value store ---

// GetKeyStore loads a KeyStore row; ok is false when absent.
func (s *Store) GetKeyStore(key string) (value string, ok bool, err error) {
	var rec models.KeyStore
	e := s.db.First(&rec, "key = ?", key).Error
	if errors.Is(e, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if e != nil {
		return "", false, fmt.Errorf("load keystore %q: %w", key, e)
	}
	return rec.Value, true, nil
}

// PutKeyStore upserts a KeyStore row.
func (s *Store) PutKeyStore(key, value string) error {
	rec := models.KeyStore{Key: key, Value: value}
	if err := s.db.Save(&rec).Error; err != nil {
		return fmt.Errorf("save keystore %q: %w", key, err)
	}
	return nil
}

// --- audit ---

// AppendAudit writes one audit row. Best effort: the caller treats failures
// as non-fatal and only logs them.
func (s *Store) AppendAudit(rec *models.ApiAudit) error {
	return s.db.Create(rec).Error
}

// ListAudits returns a license's audit rows in insertion order, for operator
// tooling.
func (s *Store) ListAudits(code string) ([]models.ApiAudit, error) {
	var rows []models.ApiAudit
	err := s.db.Where("license_code = ?", code).Order("id").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list audits: %w", err)
	}
	return rows, nil
}
