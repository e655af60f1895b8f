package config

import (
	"errors"
	"os"
	"strings"
)

const defaultServiceName = "hotmart-relay"

type HTTPConfig struct {
	Addr string
}

type AppConfig struct {
	ServiceName string
	LogLevel    string
	HTTP        HTTPConfig
}

// Load reads process-level settings. HTTP_ADDR wins over PORT; PORT is the
// variable hosting platforms (Render, Heroku) inject.
func Load() (AppConfig, error) {
	cfg := AppConfig{
		ServiceName: strings.TrimSpace(os.Getenv("SERVICE_NAME")),
		LogLevel:    strings.TrimSpace(os.Getenv("LOG_LEVEL")),
		HTTP: HTTPConfig{
			Addr: strings.TrimSpace(os.Getenv("HTTP_ADDR")),
		},
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = defaultServiceName
	}
	if cfg.HTTP.Addr == "" {
		port := strings.TrimSpace(os.Getenv("PORT"))
		if port == "" {
			port = "3000"
		}
		if strings.ContainsAny(port, ":/ ") {
			return AppConfig{}, errors.New("PORT must be a bare port number")
		}
		cfg.HTTP.Addr = ":" + port
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	return cfg, nil
}
