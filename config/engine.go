package config

import "fmt"

// EngineConfig tunes the scheduling and dispensing loops.
type EngineConfig struct {
	// GraceMinutes is how long after the scheduled instant a dose can
	// still be confirmed before it is marked missed.
	GraceMinutes int `json:"grace_minutes"`
	// HorizonDays is how far ahead the expander materializes events.
	HorizonDays int `json:"horizon_days"`
	// ExpandIntervalMinutes is the re-expansion period.
	ExpandIntervalMinutes int `json:"expand_interval_minutes"`
	// SweepIntervalSeconds is the due-event monitor period.
	SweepIntervalSeconds int `json:"sweep_interval_seconds"`
	// LowStockThreshold is the compartment quantity at or below which a
	// low-inventory signal is emitted.
	LowStockThreshold int `json:"low_stock_threshold"`
	// Timezone is the IANA location used to anchor times of day.
	Timezone string `json:"timezone"`
}

// SetDefaults applies sane defaults.
func (c *EngineConfig) SetDefaults() {
	if c.GraceMinutes == 0 {
		c.GraceMinutes = 30
	}
	if c.HorizonDays == 0 {
		c.HorizonDays = 30
	}
	if c.ExpandIntervalMinutes == 0 {
		c.ExpandIntervalMinutes = 60
	}
	if c.SweepIntervalSeconds == 0 {
		c.SweepIntervalSeconds = 60
	}
	if c.LowStockThreshold == 0 {
		c.LowStockThreshold = 5
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
}

// Validate checks mandatory fields.
func (c EngineConfig) Validate() error {
	if c.GraceMinutes < 0 {
		return fmt.Errorf("grace_minutes must not be negative")
	}
	if c.HorizonDays <= 0 {
		return fmt.Errorf("horizon_days must be positive")
	}
	if c.LowStockThreshold < 0 {
		return fmt.Errorf("low_stock_threshold must not be negative")
	}
	return nil
}
