package util

import (
	"github.com/berfenger/autarco2mqtt/internal/config"

	"go.uber.org/zap"
)

func LoadTestConfig() config.Config {
	return config.Config{
		LogLevel: zap.DebugLevel,
		Autarco: config.AutarcoConfig{
			Email:         "user@example.com",
			Password:      "secret",
			BaseURL:       "http://127.0.0.1:1/api/",
			TimeoutMillis: 1000,
		},
		MQTT: config.MQTTConfig{
			Host:                     "localhost",
			Port:                     1883,
			BaseTopic:                "autarco",
			HADiscoveryTopic:         "homeassistant",
			HADiscoveryRepublishCron: "0 0 4 * * *",
		},
		MonitorConfig: config.MonitorConfig{
			PollIntervalMillis: config.MinPollIntervalMillis,
			StaleFactor:        3,
		},
		Port: 8080,
	}
}
