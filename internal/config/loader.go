// Package config loads the gateway configuration from a YAML file, lets
// WIOGATE_* environment variables override any key, fills defaults and
// validates the result before anything is started.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"wiogate/pkg/types"
	"wiogate/pkg/validation"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. WIOGATE_AUTH_SECRET.
const EnvPrefix = "WIOGATE"

// Load reads the configuration at configPath, applies environment overrides
// and defaults and validates it.
func Load(configPath string) (*types.Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	if err := validation.ValidateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	v := newViper()
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", configPath, err)
	}

	config := &types.Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return config, nil
}

// LoadEnv loads a .env file into the process environment when one exists.
// A missing file is not an error.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// GetConfigPath returns the configuration file path from environment or default
func GetConfigPath() string {
	if configPath := os.Getenv("CONFIG_FILE"); configPath != "" {
		return configPath
	}
	if configDir := os.Getenv("CONFIGS_DIR"); configDir != "" {
		return filepath.Join(configDir, "config.yaml")
	}
	return "./configs/config.yaml"
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// setDefaults registers every key. AutomaticEnv only resolves keys viper
// knows about, so keys without a sensible default are registered empty.
func setDefaults(v *viper.Viper) {
	v.SetDefault("mqtt.broker.host", "localhost")
	v.SetDefault("mqtt.broker.port", 1883)
	v.SetDefault("mqtt.broker.use_tls", false)
	v.SetDefault("mqtt.auth.username", "")
	v.SetDefault("mqtt.auth.password", "")
	v.SetDefault("mqtt.client.client_id", "wiogate-{random}")
	v.SetDefault("mqtt.client.keep_alive", 60*time.Second)
	v.SetDefault("mqtt.client.publish_timeout", 5*time.Second)
	v.SetDefault("mqtt.client.report_qos", 1)
	v.SetDefault("mqtt.client.event_backlog", 250)
	v.SetDefault("mqtt.tls.ca_cert", "")
	v.SetDefault("mqtt.tls.client_cert", "")
	v.SetDefault("mqtt.tls.client_key", "")
	v.SetDefault("mqtt.server_status_timeout", 180*time.Second)
	v.SetDefault("mqtt.backup.dir", "./backup")
	v.SetDefault("mqtt.backup.resend_interval", 60*time.Second)
	v.SetDefault("mqtt.backup.skip_delay", 5*time.Second)
	v.SetDefault("mqtt.backup.pacing_delay", 10*time.Second)
	v.SetDefault("mqtt.backup.max_passes", 1)

	v.SetDefault("websocket.address", ":8080")
	v.SetDefault("websocket.path", "/ws")
	v.SetDefault("websocket.send_buffer", 64)
	v.SetDefault("websocket.write_timeout", 10*time.Second)
	v.SetDefault("websocket.pong_timeout", 60*time.Second)
	v.SetDefault("websocket.ping_interval", 30*time.Second)
	v.SetDefault("websocket.allowed_origins", []string{})

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.cookie_name", "session")

	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.uri", "")
	v.SetDefault("database.name", "wiogate")
	v.SetDefault("database.timeout", 30*time.Second)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.security.protocol", "PLAINTEXT")
	v.SetDefault("kafka.security.ssl.truststore.location", "")
	v.SetDefault("kafka.security.ssl.truststore.password", "")
	v.SetDefault("kafka.security.ssl.keystore.location", "")
	v.SetDefault("kafka.security.ssl.keystore.password", "")
	v.SetDefault("kafka.topic_prefix", "wiogate")
	v.SetDefault("kafka.auto_create_topics", true)
	v.SetDefault("kafka.default_partitions", 3)
	v.SetDefault("kafka.replication_factor", 1)

	v.SetDefault("ingestion.max_in_flight", 64)
	v.SetDefault("ingestion.message_timeout", 30*time.Second)

	v.SetDefault("logging.level", "info")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "wiogate")
}

// sslDirs lists the directories certificate and key store files may live in.
func sslDirs() []string {
	dirs := []string{"/etc/ssl", "/opt/kafka/ssl", "./ssl", "./certs", "./config/ssl", "./configs/ssl"}
	if homeDir, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(homeDir, ".kafka", "ssl"), filepath.Join(homeDir, ".ssl"))
	}
	return dirs
}

// Validate checks configuration for required fields and logical consistency.
// It also sanitizes credentials and identifiers in place.
func Validate(config *types.Config) error {
	return validate(config, sslDirs())
}

func validate(config *types.Config, allowedDirs []string) error {
	if err := validation.ValidateMQTTBroker(config.MQTT.Broker.Host, config.MQTT.Broker.Port); err != nil {
		return fmt.Errorf("invalid MQTT broker configuration: %w", err)
	}
	if config.MQTT.Broker.UseTLS {
		tlsFiles := map[string]string{
			"CA certificate":     config.MQTT.TLS.CACert,
			"client certificate": config.MQTT.TLS.ClientCert,
			"client key":         config.MQTT.TLS.ClientKey,
		}
		for name, path := range tlsFiles {
			if path == "" {
				continue
			}
			if err := validation.ValidateCertFile(path, allowedDirs); err != nil {
				return fmt.Errorf("invalid MQTT %s path: %w", name, err)
			}
		}
		if (config.MQTT.TLS.ClientCert == "") != (config.MQTT.TLS.ClientKey == "") {
			return fmt.Errorf("MQTT client certificate and key must be set together")
		}
	}
	if config.MQTT.Client.ReportQoS > 2 {
		return fmt.Errorf("MQTT report QoS must be 0, 1 or 2, got %d", config.MQTT.Client.ReportQoS)
	}
	if config.MQTT.Client.PublishWait <= 0 {
		return fmt.Errorf("MQTT publish timeout must be positive")
	}
	if config.MQTT.StatusTimeout <= 0 {
		return fmt.Errorf("MQTT server status timeout must be positive")
	}
	if err := validation.ValidateBackupDir(config.MQTT.Backup.Dir); err != nil {
		return fmt.Errorf("invalid backup configuration: %w", err)
	}
	if config.MQTT.Backup.ResendInterval <= 0 {
		return fmt.Errorf("MQTT backup resend interval must be positive")
	}

	if err := validation.ValidateListenAddress(config.WebSocket.Address); err != nil {
		return fmt.Errorf("invalid WebSocket address: %w", err)
	}
	if !strings.HasPrefix(config.WebSocket.Path, "/") {
		return fmt.Errorf("WebSocket path must start with '/': %q", config.WebSocket.Path)
	}

	if config.Auth.Secret == "" {
		return fmt.Errorf("auth secret is required")
	}

	switch strings.ToLower(config.Database.Driver) {
	case "", "memory":
	case "mongo", "mongodb":
		if config.Database.URI == "" {
			return fmt.Errorf("database uri is required for driver %s", config.Database.Driver)
		}
	default:
		return fmt.Errorf("unknown database driver: %s", config.Database.Driver)
	}

	if config.Ingestion.MaxInFlight < 1 {
		return fmt.Errorf("ingestion max_in_flight must be at least 1")
	}

	if config.Kafka.Enabled {
		if err := validateKafka(&config.Kafka, allowedDirs); err != nil {
			return err
		}
	}

	if config.MQTT.Auth.Username != "" {
		config.MQTT.Auth.Username = validation.SanitizeUsername(config.MQTT.Auth.Username)
	}
	if config.MQTT.Auth.Password != "" {
		config.MQTT.Auth.Password = validation.SanitizePassword(config.MQTT.Auth.Password)
	}
	config.MQTT.Client.ClientID = sanitizeClientID(config.MQTT.Client.ClientID)

	return nil
}

func validateKafka(config *types.KafkaConfig, allowedDirs []string) error {
	if len(config.Brokers) == 0 {
		return fmt.Errorf("at least one Kafka broker is required when export is enabled")
	}
	for _, broker := range config.Brokers {
		if err := validation.ValidateBrokerAddress(broker); err != nil {
			return fmt.Errorf("invalid Kafka broker address %s: %w", broker, err)
		}
	}

	if config.Security.Protocol == "SSL" {
		if loc := config.Security.SSL.Keystore.Location; loc != "" {
			if err := validation.ValidateCertFile(loc, allowedDirs); err != nil {
				return fmt.Errorf("invalid keystore path: %w", err)
			}
		}
		if loc := config.Security.SSL.Truststore.Location; loc != "" {
			if err := validation.ValidateCertFile(loc, allowedDirs); err != nil {
				return fmt.Errorf("invalid truststore path: %w", err)
			}
		}
	}

	prefix := validation.SanitizeTopicPrefix(config.TopicPrefix)
	if prefix == "" {
		return fmt.Errorf("invalid Kafka topic prefix: %q", config.TopicPrefix)
	}
	config.TopicPrefix = prefix
	return nil
}

// sanitizeClientID sanitizes the fixed part of a client ID and keeps a
// trailing {random} template intact.
func sanitizeClientID(clientID string) string {
	if clientID == "" {
		return validation.DefaultClientID + "-{random}"
	}
	base := clientID
	if idx := strings.Index(base, "{"); idx >= 0 {
		base = base[:idx]
	}
	base = strings.TrimSuffix(base, "-")
	sanitized := validation.SanitizeClientID(base)
	if strings.Contains(clientID, "{random}") {
		return sanitized + "-{random}"
	}
	return sanitized
}
