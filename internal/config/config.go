package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/reugn/go-quartz/quartz"
	"go.uber.org/zap/zapcore"
)

const MinPollIntervalMillis = 60000

type Config struct {
	LogLevel      zapcore.Level
	Autarco       AutarcoConfig `mapstructure:"autarco"`
	MQTT          MQTTConfig    `mapstructure:"mqtt"`
	MonitorConfig MonitorConfig `mapstructure:"monitor"`
	Port          uint          `mapstructure:"port"`
	HttpLog       bool          `mapstructure:"http_log"`
}

type AutarcoConfig struct {
	Email         string
	Password      string
	PublicKey     string `mapstructure:"public_key"`
	BaseURL       string `mapstructure:"base_url"`
	TimeoutMillis uint32 `mapstructure:"timeout_millis"`
}

type MonitorConfig struct {
	PollIntervalMillis uint32 `mapstructure:"poll_interval_millis"`
	StaleFactor        uint32 `mapstructure:"stale_factor"`
	FetchAccount       bool   `mapstructure:"fetch_account"`
	FetchInverters     bool   `mapstructure:"fetch_inverters"`
}

type MQTTConfig struct {
	Host                     string
	Port                     int
	Username                 string
	Password                 string
	BaseTopic                string `mapstructure:"base_topic"`
	HADiscoveryEnable        bool   `mapstructure:"ha_discovery_enable"`
	HADiscoveryTopic         string `mapstructure:"ha_discovery_topic"`
	HADiscoveryRepublishCron string `mapstructure:"ha_discovery_republish_cron"`
}

func (c MonitorConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMillis) * time.Millisecond
}

// StaleAfter is how old a snapshot may get before it is reported as stale.
func (c MonitorConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleFactor) * c.PollInterval()
}

func (c AutarcoConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMillis) * time.Millisecond
}

// Validate checks bounds and normalizes the MQTT topics in place.
func (c *Config) Validate() error {
	if c.Autarco.Email == "" || c.Autarco.Password == "" {
		return errors.New("config params autarco.email and autarco.password are required")
	}
	if c.Autarco.TimeoutMillis == 0 {
		return errors.New("config param autarco.timeout_millis should be > 0")
	}
	if c.MonitorConfig.PollIntervalMillis < MinPollIntervalMillis {
		return fmt.Errorf("config param monitor.poll_interval_millis should be >= %d", MinPollIntervalMillis)
	}
	if c.MonitorConfig.StaleFactor < 1 {
		return errors.New("config param monitor.stale_factor should be >= 1")
	}

	baseTopic, err := CheckMQTTTopic(c.MQTT.BaseTopic)
	if err != nil {
		return errors.New("invalid base topic. can only contain letters, numbers and underscores")
	}
	c.MQTT.BaseTopic = baseTopic

	hadBaseTopic, err := CheckMQTTTopic(c.MQTT.HADiscoveryTopic)
	if err != nil {
		return errors.New("invalid homeassistant discovery topic. can only contain letters, numbers and underscores")
	}
	c.MQTT.HADiscoveryTopic = hadBaseTopic

	if c.MQTT.HADiscoveryEnable && c.MQTT.HADiscoveryRepublishCron != "" {
		if _, err := quartz.NewCronTrigger(c.MQTT.HADiscoveryRepublishCron); err != nil {
			return fmt.Errorf("config param mqtt.ha_discovery_republish_cron: %w", err)
		}
	}

	return nil
}

// Redacted returns a copy safe to log.
func (c Config) Redacted() Config {
	c.Autarco.Password = "*redacted*"
	c.MQTT.Username = "*redacted*"
	c.MQTT.Password = "*redacted*"
	return c
}

func ParseLogLevel(level string) zapcore.Level {
	switch level {
	case "trace", "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

var topicRegexp = regexp.MustCompile("^[a-z0-9_]+$")

func CheckMQTTTopic(baseTopic string) (string, error) {
	lowerBaseTopic := strings.ToLower(baseTopic)
	if !topicRegexp.MatchString(lowerBaseTopic) {
		return "", errors.New("invalid topic. can only contain letters, numbers and underscores")
	}
	return lowerBaseTopic, nil
}
