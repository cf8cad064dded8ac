package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const EnvPrefix = "PEERCALL"

type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

// Config is shared by both binaries; the server reads the top level and a
// peer reads its own section.
type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	LogLevel   string        `mapstructure:"log_level"`

	MaxRoomMembers      int           `mapstructure:"max_room_members"`
	PresenceGrace       time.Duration `mapstructure:"presence_grace"`
	JoinRateLimit       int           `mapstructure:"join_rate_limit"`
	JoinRateInterval    time.Duration `mapstructure:"join_rate_interval"`
	BackpressureStrikes int           `mapstructure:"backpressure_strikes"`
	ICEServers          []ICEServer   `mapstructure:"ice_servers"`

	Peer PeerConfig `mapstructure:"peer"`
}

type PeerConfig struct {
	SignalURL      string        `mapstructure:"signal_url"`
	RTCConfigURL   string        `mapstructure:"rtc_config_url"`
	Room           string        `mapstructure:"room"`
	ParticipantID  string        `mapstructure:"participant_id"`
	DisplayName    string        `mapstructure:"display_name"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	Video          bool          `mapstructure:"video"`
	Audio          bool          `mapstructure:"audio"`
	Facing         string        `mapstructure:"facing"`

	ICEDisconnectedTimeout time.Duration `mapstructure:"ice_disconnected_timeout"`
	ICEFailedTimeout       time.Duration `mapstructure:"ice_failed_timeout"`
	ICEKeepAlive           time.Duration `mapstructure:"ice_keepalive"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("log_level", "info")
	v.SetDefault("secret", "")

	v.SetDefault("max_room_members", 2)
	v.SetDefault("presence_grace", "5s")
	v.SetDefault("join_rate_limit", 5)
	v.SetDefault("join_rate_interval", "10s")
	v.SetDefault("backpressure_strikes", 0)
	v.SetDefault("ice_servers", []map[string]any{{"urls": []string{"stun:stun.l.google.com:19302"}}})

	v.SetDefault("peer.signal_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("peer.rtc_config_url", "http://localhost:8080/api/rtc-config")
	v.SetDefault("peer.room", "")
	v.SetDefault("peer.participant_id", "")
	v.SetDefault("peer.display_name", "peer")
	v.SetDefault("peer.connect_timeout", "45s")
	v.SetDefault("peer.ping_period", "20s")
	v.SetDefault("peer.video", true)
	v.SetDefault("peer.audio", true)
	v.SetDefault("peer.facing", "user")
	v.SetDefault("peer.ice_disconnected_timeout", "10s")
	v.SetDefault("peer.ice_failed_timeout", "30s")
	v.SetDefault("peer.ice_keepalive", "2s")
}

// Load reads config/config.<CONFIG_ENV>.yaml (dev by default). Every key can
// be overridden from the environment, e.g. PEERCALL_PEER_ROOM.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Int("max_room_members", cfg.MaxRoomMembers).Msg("config ready")
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.PresenceGrace < 0 || c.Peer.ConnectTimeout < 0 {
		return errors.New("durations must not be negative")
	}
	if c.Peer.Facing != "user" && c.Peer.Facing != "environment" {
		return fmt.Errorf("peer.facing must be user or environment, got %q", c.Peer.Facing)
	}
	if c.Peer.PingPeriod <= 0 {
		return errors.New("peer.ping_period must be positive")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	return nil
}

// Level is the configured zerolog level, info when unset.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
