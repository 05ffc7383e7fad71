package logger

// Config holds logger configuration
type Config struct {
	Level string `json:"level"` // debug, info, warn, error (default: info)
}

// SetDefaults fills missing fields with defaults
func (c *Config) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
}
