package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// Validate checks required fields and value ranges, reporting every problem
// at once.
func Validate(cfg *Config) error {
	if cfg.Version == "" {
		return fmt.Errorf("config: version is required")
	}
	var errs []string

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		errs = append(errs, fmt.Sprintf("log_level %q: must be debug, info, warn or error", cfg.LogLevel))
	}
	if cfg.MQTT.QoS > 2 {
		errs = append(errs, fmt.Sprintf("mqtt.qos %d: must be 0, 1 or 2", cfg.MQTT.QoS))
	}
	if cfg.MQTT.RetryDelay < 0 {
		errs = append(errs, "mqtt.retry_delay must not be negative")
	}
	if cfg.MQTT.MaxAttempts < 0 {
		errs = append(errs, "mqtt.max_attempts must not be negative")
	}
	if !cfg.Coverage.Circle().Center.Valid() {
		errs = append(errs, fmt.Sprintf("coverage center (%v, %v) is out of range", cfg.Coverage.Latitude, cfg.Coverage.Longitude))
	}
	if r := cfg.Coverage.RadiusKm; r != nil && *r < 0 {
		errs = append(errs, "coverage.radius_km must not be negative")
	}
	for i, b := range cfg.Audit.Kafka.Brokers {
		if strings.TrimSpace(b) == "" {
			errs = append(errs, fmt.Sprintf("audit.kafka.brokers[%d] is empty", i))
		}
	}
	if cfg.Engine.QueueDepth < 0 {
		errs = append(errs, "engine.queue_depth must not be negative")
	}
	if cfg.Session.SendBuffer < 0 {
		errs = append(errs, "session.send_buffer must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
