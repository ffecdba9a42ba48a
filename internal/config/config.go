package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Logging   LoggingConfig    `mapstructure:"logging"`
	Modbus    ModbusConfig     `mapstructure:"modbus"`
	Inverters []InverterConfig `mapstructure:"inverters"`
	MQTT      MQTTConfig       `mapstructure:"mqtt"`
	Database  DatabaseConfig   `mapstructure:"database"`
	Auth      AuthConfig       `mapstructure:"auth"`
}

type ServerConfig struct {
	GRPCPort        int           `mapstructure:"grpc_port"`
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Gemeinsame Einstellungen aller Hubs
type ModbusConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	ReconnectAfter int           `mapstructure:"reconnect_after"`
	BackoffFloor   time.Duration `mapstructure:"backoff_floor"`
	BackoffCeiling time.Duration `mapstructure:"backoff_ceiling"`
	StopTimeout    time.Duration `mapstructure:"stop_timeout"`
	BlockPause     time.Duration `mapstructure:"block_pause"`
	SetupRetry     time.Duration `mapstructure:"setup_retry"`
}

type InverterConfig struct {
	Name         string       `mapstructure:"name" json:"name"`
	Host         string       `mapstructure:"host" json:"host,omitempty"`
	Port         int          `mapstructure:"port" json:"port,omitempty"`
	UnitID       int          `mapstructure:"unit_id" json:"unit_id"`
	ScanInterval int          `mapstructure:"scan_interval" json:"scan_interval"` // Sekunden
	Transport    string       `mapstructure:"transport" json:"transport"`
	Serial       SerialConfig `mapstructure:"serial" json:"serial,omitempty"`
}

type SerialConfig struct {
	Device   string `mapstructure:"device" json:"device,omitempty"`
	BaudRate int    `mapstructure:"baud_rate" json:"baud_rate,omitempty"`
	DataBits int    `mapstructure:"data_bits" json:"data_bits,omitempty"`
	Parity   string `mapstructure:"parity" json:"parity,omitempty"`
	StopBits int    `mapstructure:"stop_bits" json:"stop_bits,omitempty"`
}

type MQTTConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Broker          string        `mapstructure:"broker"`
	ClientID        string        `mapstructure:"client_id"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	TopicPrefix     string        `mapstructure:"topic_prefix"`
	DiscoveryPrefix string        `mapstructure:"discovery_prefix"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
}

type DatabaseConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Database       string        `mapstructure:"database"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	MaxConnections int           `mapstructure:"max_connections"`
	Retention      time.Duration `mapstructure:"retention"`
}

type AuthConfig struct {
	JWTSecretEnv   string        `mapstructure:"jwt_secret_env"`
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl"`
}

const (
	TransportTCP = "tcp"
	TransportRTU = "rtu"

	DefaultPort         = 502
	DefaultScanInterval = 60
	DefaultUnitID       = 1
)

// Load reads the YAML file at path, checks it against the embedded schema
// and applies defaults and SAJ_* environment overrides.
func Load(path string) (*Config, error) {
	if err := ValidateFile(path); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	setDefaults(v)

	// SAJ_SERVER_HTTP_PORT überschreibt server.http_port
	v.SetEnvPrefix("SAJ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetDefault("modbus.default_timeout", "7s")
	v.SetDefault("modbus.reconnect_after", 3)
	v.SetDefault("modbus.backoff_floor", "2s")
	v.SetDefault("modbus.backoff_ceiling", "10s")
	v.SetDefault("modbus.stop_timeout", "5s")
	v.SetDefault("modbus.block_pause", "0s")
	v.SetDefault("modbus.setup_retry", "30s")

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "saj-modbus-hub")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.topic_prefix", "saj")
	v.SetDefault("mqtt.discovery_prefix", "homeassistant")
	v.SetDefault("mqtt.connect_timeout", "10s")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "saj")
	v.SetDefault("database.user", "saj")
	v.SetDefault("database.password", "")
	v.SetDefault("database.max_connections", 4)
	v.SetDefault("database.retention", "720h")

	v.SetDefault("auth.jwt_secret_env", "JWT_SECRET")
	v.SetDefault("auth.access_token_ttl", "60m")
}

func (c *Config) normalize() {
	for i := range c.Inverters {
		inv := &c.Inverters[i]
		inv.Name = strings.TrimSpace(inv.Name)
		if inv.Transport == "" {
			inv.Transport = TransportTCP
		}
		if inv.Port == 0 {
			inv.Port = DefaultPort
		}
		if inv.ScanInterval == 0 {
			inv.ScanInterval = DefaultScanInterval
		}
		if inv.UnitID == 0 {
			inv.UnitID = DefaultUnitID
		}
		if inv.Transport == TransportRTU {
			s := &inv.Serial
			if s.BaudRate == 0 {
				s.BaudRate = 9600
			}
			if s.DataBits == 0 {
				s.DataBits = 8
			}
			if s.Parity == "" {
				s.Parity = "N"
			}
			if s.StopBits == 0 {
				s.StopBits = 1
			}
		}
	}
}

// Validate checks what the schema cannot express.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Inverters) == 0 {
		errs = append(errs, errors.New("no inverters configured"))
	}
	seen := make(map[string]bool)
	for i, inv := range c.Inverters {
		if err := inv.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("inverters[%d]: %w", i, err))
		}
		key := strings.ToLower(inv.Name)
		if seen[key] {
			errs = append(errs, fmt.Errorf("inverters[%d]: duplicate name %q", i, inv.Name))
		}
		seen[key] = true
	}

	m := c.Modbus
	if m.BackoffCeiling < m.BackoffFloor {
		errs = append(errs, fmt.Errorf("modbus.backoff_ceiling %s below backoff_floor %s", m.BackoffCeiling, m.BackoffFloor))
	}
	if m.ReconnectAfter < 1 {
		errs = append(errs, errors.New("modbus.reconnect_after must be at least 1"))
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
	}

	return errors.Join(errs...)
}

func (i InverterConfig) Validate() error {
	if i.Name == "" {
		return errors.New("name is required")
	}
	if i.Port < 1 || i.Port > 65535 {
		return fmt.Errorf("port %d out of range", i.Port)
	}
	if i.ScanInterval < 1 {
		return fmt.Errorf("scan_interval must be at least 1 second")
	}
	if i.UnitID < 1 || i.UnitID > 247 {
		return fmt.Errorf("unit_id %d out of range", i.UnitID)
	}

	switch i.Transport {
	case TransportTCP:
		if i.Host == "" {
			return errors.New("host is required for tcp transport")
		}
	case TransportRTU:
		if i.Serial.Device == "" {
			return errors.New("serial.device is required for rtu transport")
		}
		switch i.Serial.Parity {
		case "N", "E", "O":
		default:
			return fmt.Errorf("serial.parity %q must be N, E or O", i.Serial.Parity)
		}
	default:
		return fmt.Errorf("unknown transport %q", i.Transport)
	}
	return nil
}

func (i InverterConfig) Address() string {
	if i.Transport == TransportRTU {
		return i.Serial.Device
	}
	return fmt.Sprintf("%s:%d", i.Host, i.Port)
}

func (i InverterConfig) Interval() time.Duration {
	return time.Duration(i.ScanInterval) * time.Second
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

const devSecret = "dev-secret-change-in-production-min-32-chars"

// JWT Secret aus Environment Variable laden
func (a *AuthConfig) GetJWTSecret() string {
	envVar := a.JWTSecretEnv
	if envVar == "" {
		envVar = "JWT_SECRET"
	}

	secret := os.Getenv(envVar)
	if secret == "" {
		// Development Fallback
		return devSecret
	}
	return secret
}

func (a *AuthConfig) IsProductionReady() bool {
	secret := a.GetJWTSecret()
	return secret != devSecret && len(secret) >= 32
}
