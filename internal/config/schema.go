package config

import (
	"time"

	"github.com/sosnow/sosrelay/internal/geo"
)

// Config is the top-level YAML structure.
type Config struct {
	Version  string       `yaml:"version"`
	LogLevel string       `yaml:"log_level"`
	Server   ServerConf   `yaml:"server"`
	MQTT     MQTTConf     `yaml:"mqtt"`
	Coverage CoverageConf `yaml:"coverage"`
	Audit    AuditConf    `yaml:"audit"`
	Engine   EngineConf   `yaml:"engine"`
	Session  SessionConf  `yaml:"session"`
}

// ServerConf configures the HTTP and websocket listener.
type ServerConf struct {
	Addr string `yaml:"addr"`
}

// MQTTConf configures the upstream feed subscription.
type MQTTConf struct {
	Broker      string        `yaml:"broker"`
	Topic       string        `yaml:"topic"`
	QoS         byte          `yaml:"qos"`
	ClientID    string        `yaml:"client_id"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"-"`
	KeepAlive   time.Duration `yaml:"keep_alive"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	MaxAttempts int           `yaml:"max_attempts"` // 0 = retry forever
}

// CoverageConf is the bootstrap coverage circle. A missing radius takes the
// default; an explicit 0 disables coverage.
type CoverageConf struct {
	Latitude  float64  `yaml:"latitude"`
	Longitude float64  `yaml:"longitude"`
	RadiusKm  *float64 `yaml:"radius_km"`
}

// Circle converts c into coverage geometry.
func (c CoverageConf) Circle() geo.Circle {
	circle := geo.Circle{Center: geo.Point{Latitude: c.Latitude, Longitude: c.Longitude}}
	if c.RadiusKm != nil {
		circle.RadiusKm = *c.RadiusKm
	}
	return circle
}

// AuditConf selects audit sinks. Kafka is enabled when brokers are listed.
type AuditConf struct {
	CSVPath string    `yaml:"csv_path"`
	Kafka   KafkaConf `yaml:"kafka"`
}

// KafkaConf configures the audit stream.
type KafkaConf struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// EngineConf holds ingestion tuning.
type EngineConf struct {
	QueueDepth   int           `yaml:"queue_depth"`
	AuditTimeout time.Duration `yaml:"audit_timeout"`
}

// SessionConf tunes live websocket sessions.
type SessionConf struct {
	SendBuffer   int           `yaml:"send_buffer"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PingInterval time.Duration `yaml:"ping_interval"`
}
