package models

import (
	"time"
)

// Platform identifies a social platform a device can drive.
type Platform string

const (
	PlatformTikTok    Platform = "tiktok"
	PlatformYouTube   Platform = "youtube"
	PlatformInstagram Platform = "instagram"
	PlatformFacebook  Platform = "facebook"
	PlatformTwitter   Platform = "twitter"
)

// Activity is the kind of automation a device performs during a session.
type Activity string

const (
	ActivityWatch  Activity = "watch"
	ActivityPost   Activity = "post"
	ActivityEngage Activity = "engage"
)

// DeviceOS is the operating system of a pooled device.
type DeviceOS string

const (
	DeviceOSAndroid DeviceOS = "android"
	DeviceOSIOS     DeviceOS = "ios"
)

// DeviceStatus is the allocation state of a device.
type DeviceStatus string

const (
	DeviceStatusAvailable   DeviceStatus = "available"
	DeviceStatusBusy        DeviceStatus = "busy"
	DeviceStatusOffline     DeviceStatus = "offline"
	DeviceStatusMaintenance DeviceStatus = "maintenance"
	DeviceStatusError       DeviceStatus = "error"
)

// HealthMetrics is the latest health sample for a device.
type HealthMetrics struct {
	BatteryLevel float64   `json:"battery_level"`
	Temperature  float64   `json:"temperature"`
	CPUUsage     float64   `json:"cpu_usage"`
	MemoryUsage  float64   `json:"memory_usage"`
	LastChecked  time.Time `json:"last_checked"`
}

// DeviceStats accumulates per-device usage over all completed sessions.
// SuccessRate is an exponential moving average in [0,100].
type DeviceStats struct {
	TotalWatchSeconds int64     `json:"total_watch_seconds"`
	TotalPosts        int64     `json:"total_posts"`
	TotalEngagements  int64     `json:"total_engagements"`
	SuccessRate       float64   `json:"success_rate"`
	LastActive        time.Time `json:"last_active"`
}

// Device represents a pooled mobile execution unit.
type Device struct {
	DeviceID       string              `json:"device_id"`
	HardwareID     string              `json:"hardware_id"`
	OS             DeviceOS            `json:"os"`
	Platforms      []Platform          `json:"platforms"`
	Activities     []Activity          `json:"activities"`
	Status         DeviceStatus        `json:"status"`
	Health         HealthMetrics       `json:"health"`
	Stats          DeviceStats         `json:"stats"`
	Accounts       map[Platform]string `json:"accounts,omitempty"`
	CurrentSession *Session            `json:"current_session,omitempty"`
}

// SupportsPlatform reports whether the device can drive the given platform.
func (d *Device) SupportsPlatform(platform Platform) bool {
	for _, p := range d.Platforms {
		if p == platform {
			return true
		}
	}

	return false
}

// SupportsActivity reports whether the device is permitted the given activity.
func (d *Device) SupportsActivity(activity Activity) bool {
	for _, a := range d.Activities {
		if a == activity {
			return true
		}
	}

	return false
}

// HasAccount reports whether the device has an account assigned for the platform.
func (d *Device) HasAccount(platform Platform) bool {
	_, ok := d.Accounts[platform]
	return ok
}

// Clone returns a deep copy safe to hand to callers outside the registry.
func (d *Device) Clone() *Device {
	out := *d

	out.Platforms = append([]Platform(nil), d.Platforms...)
	out.Activities = append([]Activity(nil), d.Activities...)

	if d.Accounts != nil {
		out.Accounts = make(map[Platform]string, len(d.Accounts))
		for k, v := range d.Accounts {
			out.Accounts[k] = v
		}
	}

	if d.CurrentSession != nil {
		session := *d.CurrentSession
		out.CurrentSession = &session
	}

	return &out
}
