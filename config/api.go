package config

// APIConfig configures the read-only HTTP surface.
type APIConfig struct {
	// Addr is the listen address, empty disables the server.
	Addr string `json:"addr"`
}

// SetDefaults applies sane defaults.
func (c *APIConfig) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
}
