package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLicensePermanent(t *testing.T) {
	permanent := License{ExpireDate: PermanentExpireDate}
	assert.True(t, permanent.Permanent())
	assert.False(t, permanent.Expired(time.Now()))

	yearly := License{ExpireDate: time.Now().AddDate(1, 0, 0)}
	assert.False(t, yearly.Permanent())
}

func TestLicenseExpired(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	lic := License{ExpireDate: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)}

	assert.True(t, lic.Expired(now))
	assert.False(t, lic.Expired(now.AddDate(0, -1, 0)))
	// Exactly at the boundary the license still authorizes.
	assert.False(t, lic.Expired(lic.ExpireDate))
}
