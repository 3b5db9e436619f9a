// Package models holds the orchestrator's persistent entities: the ones that
// outlive a process restart and are addressable from outside the core
// execution-plane packages.
package models

import (
	"time"

	"gorm.io/gorm"
)

// ResourceLimits bounds what a session's container may consume. Every
// container start must pass limits that are less than or equal to the
// effective per-user limits resolved at session-creation time.
type ResourceLimits struct {
	MaxMemoryMB         int     `json:"max_memory_mb" gorm:"default:512"`
	MaxCPUs             float64 `json:"max_cpus" gorm:"default:1.0"`
	MaxPIDs             int     `json:"max_pids" gorm:"default:128"`
	MaxExecutionSeconds int     `json:"max_execution_seconds" gorm:"default:30"`
	MaxDiskMB           int     `json:"max_disk_mb" gorm:"default:1024"`
}

// Valid reports whether the limits satisfy the data-model invariants.
func (r ResourceLimits) Valid() bool {
	return r.MaxMemoryMB >= 64 && r.MaxCPUs > 0 && r.MaxPIDs > 0 && r.MaxExecutionSeconds > 0 && r.MaxDiskMB >= 0
}

// DefaultResourceLimits returns the limits applied when a user carries no
// override.
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{
		MaxMemoryMB:         512,
		MaxCPUs:             1.0,
		MaxPIDs:             128,
		MaxExecutionSeconds: 30,
		MaxDiskMB:           1024,
	}
}

// NetworkPolicy controls whether a session's container can reach the
// network, and if so, through which allowlist.
type NetworkPolicy struct {
	Enabled      bool     `json:"enabled" gorm:"default:false"`
	AllowedHosts []string `json:"allowed_hosts" gorm:"serializer:json"`
	AllowedPorts []int    `json:"allowed_ports" gorm:"serializer:json"`
}

// DefaultNetworkPolicy denies network access, the conservative default.
func DefaultNetworkPolicy() NetworkPolicy {
	return NetworkPolicy{Enabled: false}
}

// User is an account on whose behalf sessions are created. Deleting a user
// does not implicitly terminate sessions it owns; callers must terminate
// first.
type User struct {
	ID        uint           `json:"id" gorm:"primarykey"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	UserID  string `json:"user_id" gorm:"uniqueIndex;not null"` // opaque external identifier
	Enabled bool   `json:"enabled" gorm:"default:true"`

	ResourceLimits ResourceLimits `json:"resource_limits" gorm:"embedded;embeddedPrefix:limit_"`
	NetworkPolicy  NetworkPolicy  `json:"network_policy" gorm:"embedded;embeddedPrefix:net_"`

	AllowedLanguages []string `json:"allowed_languages" gorm:"serializer:json"`
	GPUEnabled       bool     `json:"gpu_enabled" gorm:"default:false"`
}

// ValidUserID reports whether s is a legal user_id: alphanumeric, '_', '-',
// non-empty, and free of path-breaking characters.
func ValidUserID(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}
