// Package agent implements the client side of the licensing protocol: stable
// machine identification, a device-bound Ed25519 keypair, signed requests with
// server-response verification, encrypted state persistence and offline grace
// handling.
package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strings"
)

// FallbackMachineID is used when no hardware factor can be collected at all.
// Every such machine shares one identity and one quota slot.
const FallbackMachineID = "unknown-machine"

// hardwareIDFiles are read in order; each non-placeholder value becomes one
// identity factor.
var hardwareIDFiles = []string{
	"/etc/machine-id",
	"/var/lib/dbus/machine-id",
	"/sys/class/dmi/id/product_uuid",
	"/sys/class/dmi/id/product_serial",
	"/sys/class/dmi/id/board_serial",
	"/sys/class/dmi/id/chassis_serial",
}

// placeholderValues are vendor defaults that carry no identity.
var placeholderValues = map[string]bool{
	"":                                     true,
	"none":                                 true,
	"default string":                       true,
	"to be filled by o.e.m.":               true,
	"to be filled by o.e.m":                true,
	"system serial number":                 true,
	"not specified":                        true,
	"unknown":                              true,
	"0":                                    true,
	"00000000-0000-0000-0000-000000000000": true,
	"ffffffff-ffff-ffff-ffff-ffffffffffff": true,
}

// MachineID derives the stable machine identifier: hardware factors are
// collected, placeholder values filtered, and the joined result hashed. The
// value must not change across restarts on the same machine.
func MachineID(log *slog.Logger) string {
	factors := collectHardwareFactors()
	if len(factors) == 0 {
		factors = collectFallbackFactors(log)
	}
	if len(factors) == 0 {
		log.Warn("no machine identity factors available, using fixed fallback")
		return FallbackMachineID
	}

	sum := sha256.Sum256([]byte(strings.Join(factors, "|")))
	id := hex.EncodeToString(sum[:])
	log.Debug("machine identifier derived", slog.Int("factors", len(factors)))
	return id
}

func collectHardwareFactors() []string {
	var factors []string
	for _, path := range hardwareIDFiles {
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		value := strings.TrimSpace(string(raw))
		if isPlaceholder(value) {
			continue
		}
		factors = append(factors, value)
	}
	return factors
}

// collectFallbackFactors builds weaker identity from hostname and the first
// usable MAC address when no hardware serial is readable.
func collectFallbackFactors(log *slog.Logger) []string {
	var factors []string
	if hostname, err := os.Hostname(); err == nil {
		hostname = strings.ToLower(strings.TrimSpace(hostname))
		if !isPlaceholder(hostname) {
			factors = append(factors, hostname)
		}
	}
	if mac := primaryMAC(); mac != "" {
		factors = append(factors, mac)
	}
	if len(factors) > 0 {
		factors = append(factors, runtime.GOOS, runtime.GOARCH)
		log.Warn("hardware identifiers unavailable, machine identity derived from hostname and MAC")
	}
	return factors
}

// primaryMAC returns the MAC of the first up, non-loopback interface, or the
// first interface with any MAC at all.
func primaryMAC() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if mac := iface.HardwareAddr.String(); mac != "" && mac != "00:00:00:00:00:00" {
			return mac
		}
	}
	for _, iface := range interfaces {
		if mac := iface.HardwareAddr.String(); mac != "" && mac != "00:00:00:00:00:00" {
			return mac
		}
	}
	return ""
}

func isPlaceholder(value string) bool {
	return placeholderValues[strings.ToLower(strings.TrimSpace(value))]
}
