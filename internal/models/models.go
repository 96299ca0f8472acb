// Package models holds the gorm schema for the licensing service's
// authoritative records.
package models

import "time"

// PermanentExpireDate is the sentinel expiry meaning "never expires".
var PermanentExpireDate = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

// License is a purchasable entitlement. A revoked or expired license
// authorizes nothing regardless of device state.
type License struct {
	Code       string    `gorm:"primaryKey;size:64" json:"code"`
	MaxDevices int       `gorm:"not null;default:1" json:"max_devices"`
	ExpireDate time.Time `gorm:"not null" json:"expire_date"`
	Revoked    bool      `gorm:"not null;default:false" json:"revoked"`
	Remark     string    `gorm:"size:255" json:"remark"`
	CreatedAt  time.Time `json:"created_at"`
}

// Permanent reports whether the license carries the far-future sentinel.
func (l *License) Permanent() bool {
	return !l.ExpireDate.Before(PermanentExpireDate)
}

// Expired reports whether the license has passed its expiry at now.
func (l *License) Expired(now time.Time) bool {
	return now.After(l.ExpireDate)
}

// Device is one machine bound to one license. The (LicenseCode, MachineID)
// pair is unique; re-activation from the same machine updates the row. A
// device counts toward its license quota only while its heartbeat is within
// the liveness window.
type Device struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	MachineID     string    `gorm:"size:128;not null;uniqueIndex:uniq_license_machine,priority:2" json:"machine_id"`
	LicenseCode   string    `gorm:"size:64;not null;uniqueIndex:uniq_license_machine,priority:1" json:"license_code"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	IPAddress     string    `gorm:"size:64" json:"ip_address"`
	PublicKey     string    `gorm:"type:text" json:"public_key"`
	CreatedAt     time.Time `json:"created_at"`
}

// LicenseConfig is the opaque per-license configuration blob. The server
// stores and returns it without interpreting its contents.
type LicenseConfig struct {
	LicenseCode string    `gorm:"primaryKey;size:64" json:"license_code"`
	Value       string    `gorm:"type:text;not null" json:"value"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// KeyStore persists the server's own signing keypair and the shared base
// configuration. Written once, reused for the service's lifetime.
type KeyStore struct {
	Key   string `gorm:"primaryKey;size:64" json:"key"`
	Value string `gorm:"type:text;not null" json:"value"`
}

// ApiAudit is one append-only row per authenticated request attempt. The
// protocol writes it and never reads it back.
type ApiAudit struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	CreatedAt   time.Time `json:"created_at"`
	IPAddress   string    `gorm:"size:64" json:"ip_address"`
	Endpoint    string    `gorm:"size:64" json:"endpoint"`
	LicenseCode string    `gorm:"size:64" json:"license_code"`
	MachineID   string    `gorm:"size:128" json:"machine_id"`
	OK          bool      `gorm:"not null;default:false" json:"ok"`
	Reason      string    `gorm:"size:255" json:"reason"`
}

// All lists every model for migration.
func All() []any {
	return []any{&License{}, &Device{}, &LicenseConfig{}, &KeyStore{}, &ApiAudit{}}
}
