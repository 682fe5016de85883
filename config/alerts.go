package config

import "fmt"

// AlertsConfig tunes escalation timing and notification delivery.
type AlertsConfig struct {
	// EscalateAfterMinutes is the delay between automatic escalation steps
	// for unacknowledged missed-dose alerts.
	EscalateAfterMinutes int `json:"escalate_after_minutes"`
	// SweepIntervalSeconds is the escalation sweep period.
	SweepIntervalSeconds int `json:"sweep_interval_seconds"`
	// Channels lists enabled delivery channels: "push" and/or "webhook".
	Channels []string `json:"channels"`
	// WebhookURL is the gateway endpoint for the webhook channel.
	WebhookURL string `json:"webhook_url"`
	// Contact directory, keyed by patient id.
	Caregivers map[string][]string `json:"caregivers"`
	Providers  map[string][]string `json:"providers"`
	Emergency  map[string][]string `json:"emergency"`
	Operators  []string            `json:"operators"`
}

// SetDefaults applies sane defaults.
func (c *AlertsConfig) SetDefaults() {
	if c.EscalateAfterMinutes == 0 {
		c.EscalateAfterMinutes = 15
	}
	if c.SweepIntervalSeconds == 0 {
		c.SweepIntervalSeconds = 60
	}
	if len(c.Channels) == 0 {
		c.Channels = []string{"push"}
	}
}

// Validate checks mandatory fields.
func (c AlertsConfig) Validate() error {
	for _, ch := range c.Channels {
		switch ch {
		case "push", "webhook":
		default:
			return fmt.Errorf("unknown channel %s", ch)
		}
	}
	for _, ch := range c.Channels {
		if ch == "webhook" && c.WebhookURL == "" {
			return fmt.Errorf("webhook channel requires webhook_url")
		}
	}
	if c.EscalateAfterMinutes < 0 {
		return fmt.Errorf("escalate_after_minutes must not be negative")
	}
	return nil
}
