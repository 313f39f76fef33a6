package types

import "time"

// Config represents the complete gateway configuration
type Config struct {
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Ingestion IngestionConfig `mapstructure:"ingestion"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// MQTTConfig holds broker connection and delivery settings
type MQTTConfig struct {
	Broker struct {
		Host   string `mapstructure:"host"`
		Port   int    `mapstructure:"port"`
		UseTLS bool   `mapstructure:"use_tls"`
	} `mapstructure:"broker"`
	Auth struct {
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
	} `mapstructure:"auth"`
	Client struct {
		ClientID     string        `mapstructure:"client_id"`
		KeepAlive    time.Duration `mapstructure:"keep_alive"`
		PublishWait  time.Duration `mapstructure:"publish_timeout"`
		ReportQoS    byte          `mapstructure:"report_qos"`
		EventBacklog int           `mapstructure:"event_backlog"`
	} `mapstructure:"client"`
	TLS struct {
		CACert     string `mapstructure:"ca_cert"`
		ClientCert string `mapstructure:"client_cert"`
		ClientKey  string `mapstructure:"client_key"`
	} `mapstructure:"tls"`
	// StatusTimeout is how long the broker may stay silent before it is
	// treated as stale.
	StatusTimeout time.Duration `mapstructure:"server_status_timeout"`
	Backup        BackupConfig  `mapstructure:"backup"`
}

// BackupConfig controls the on-disk backup store and the resend loop.
type BackupConfig struct {
	Dir            string        `mapstructure:"dir"`
	ResendInterval time.Duration `mapstructure:"resend_interval"`
	SkipDelay      time.Duration `mapstructure:"skip_delay"`
	PacingDelay    time.Duration `mapstructure:"pacing_delay"`
	MaxPasses      int           `mapstructure:"max_passes"`
}

// WebSocketConfig holds the dashboard listener settings
type WebSocketConfig struct {
	Address      string        `mapstructure:"address"`
	Path         string        `mapstructure:"path"`
	SendBuffer   int           `mapstructure:"send_buffer"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PongTimeout  time.Duration `mapstructure:"pong_timeout"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
	// AllowedOrigins lists extra browser origins accepted on upgrade besides
	// the listener's own host. "*" accepts any origin.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// AuthConfig holds the session token settings
type AuthConfig struct {
	Secret     string `mapstructure:"secret"`
	Issuer     string `mapstructure:"issuer"`
	CookieName string `mapstructure:"cookie_name"`
}

// DatabaseConfig selects and configures the data store
type DatabaseConfig struct {
	Driver  string        `mapstructure:"driver"`
	URI     string        `mapstructure:"uri"`
	Name    string        `mapstructure:"name"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// KafkaConfig holds Kafka connection settings for telemetry export
type KafkaConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Brokers  []string `mapstructure:"brokers"`
	Security struct {
		Protocol string `mapstructure:"protocol"`
		SSL      struct {
			Truststore struct {
				Location string `mapstructure:"location"`
				Password string `mapstructure:"password"`
			} `mapstructure:"truststore"`
			Keystore struct {
				Location string `mapstructure:"location"`
				Password string `mapstructure:"password"`
			} `mapstructure:"keystore"`
		} `mapstructure:"ssl"`
	} `mapstructure:"security"`
	TopicPrefix       string `mapstructure:"topic_prefix"`
	AutoCreateTopics  bool   `mapstructure:"auto_create_topics"`
	DefaultPartitions int    `mapstructure:"default_partitions"`
	ReplicationFactor int    `mapstructure:"replication_factor"`
}

// IngestionConfig bounds the handler fan-out
type IngestionConfig struct {
	MaxInFlight    int           `mapstructure:"max_in_flight"`
	MessageTimeout time.Duration `mapstructure:"message_timeout"`
}

// LoggingConfig holds the log level
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}
