package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	log "github.com/sirupsen/logrus"
)

// Config holds the application configuration.
// Tags correspond to the keys in the YAML file.
type Config struct {
	Service ServiceConfig `koanf:"service"`
	API     APIConfig     `koanf:"api"`
	Log     LogConfig     `koanf:"log"`
	Batch   BatchConfig   `koanf:"batch"`
}

// ServiceConfig describes the backing DeepStack container. It is built once per
// invocation and passed by value through the call chain; nothing mutates it
// after construction.
type ServiceConfig struct {
	ContainerName       string `koanf:"container_name"`
	VolumeName          string `koanf:"volume_name"`
	ImageName           string `koanf:"image_name"`
	ServicePort         int    `koanf:"service_port" validate:"min=1,max=65535"`
	HealthCheckTimeout  int    `koanf:"health_check_timeout" validate:"min=10,max=300"`
	HealthCheckInterval int    `koanf:"health_check_interval" validate:"min=1,max=10"`
	HealthCheckPath     string `koanf:"health_check_path"`
	UseGPU              bool   `koanf:"use_gpu"`
	FacesPath           string `koanf:"faces_path"`
}

// APIBaseURL derives the base URL the vision endpoints are reached under.
func (s ServiceConfig) APIBaseURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", s.ServicePort)
}

// APIConfig holds adapter-level settings for the vision capability calls.
type APIConfig struct {
	ConfidenceThreshold    float64 `koanf:"confidence_threshold" validate:"gte=0,lte=1"`
	RegisterMaxAttempts    int     `koanf:"register_max_attempts" validate:"min=1,max=10"`
	RegisterBackoffSeconds int     `koanf:"register_backoff_seconds" validate:"min=0,max=60"`
}

// RegisterBackoff returns the base delay for the registration retry policy.
func (a APIConfig) RegisterBackoff() time.Duration {
	return time.Duration(a.RegisterBackoffSeconds) * time.Second
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `koanf:"level"`
	File  string `koanf:"file"`
}

// BatchConfig holds settings for the update-all-images workflow.
type BatchConfig struct {
	Workers int `koanf:"workers" validate:"min=1,max=64"`
}

// Default returns a Config populated with the documented defaults.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			ContainerName:       "deepstack_face_recognition",
			VolumeName:          "deepstack_face_data",
			ServicePort:         5000,
			HealthCheckTimeout:  60,
			HealthCheckInterval: 3,
			HealthCheckPath:     "/",
			FacesPath:           "/datastore",
		},
		API: APIConfig{
			ConfidenceThreshold:    0.5,
			RegisterMaxAttempts:    3,
			RegisterBackoffSeconds: 2,
		},
		Log: LogConfig{
			Level: "info",
		},
		Batch: BatchConfig{
			Workers: 5,
		},
	}
}

// ResolveImageName picks the container image: an explicit override wins,
// otherwise the stock DeepStack image matching the GPU setting.
func (s *ServiceConfig) ResolveImageName() string {
	if s.ImageName != "" {
		return s.ImageName
	}
	if s.UseGPU {
		return "deepquestai/deepstack:gpu"
	}
	return "deepquestai/deepstack:latest"
}

// Validate checks all range constraints on the configuration.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Load reads configuration from an optional YAML file and DEEPSTACK_* environment
// variables, applies defaults for anything left unset and validates the result.
// Environment keys use double underscores as section separators, e.g.
// DEEPSTACK_SERVICE__CONTAINER_NAME maps to service.container_name.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load configuration file '%s': %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("DEEPSTACK_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "DEEPSTACK_")
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	}), nil); err != nil {
		log.Warnf("Failed to load environment overrides: %v", err)
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills fields an explicit file/env value zeroed out. Unmarshal
// overwrites struct fields even with zero values for keys present in the
// source, so the safety net stays.
func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Service.ContainerName == "" {
		cfg.Service.ContainerName = def.Service.ContainerName
	}
	if cfg.Service.VolumeName == "" {
		cfg.Service.VolumeName = def.Service.VolumeName
	}
	if cfg.Service.ServicePort == 0 {
		cfg.Service.ServicePort = def.Service.ServicePort
	}
	if cfg.Service.HealthCheckTimeout == 0 {
		cfg.Service.HealthCheckTimeout = def.Service.HealthCheckTimeout
	}
	if cfg.Service.HealthCheckInterval == 0 {
		cfg.Service.HealthCheckInterval = def.Service.HealthCheckInterval
	}
	if cfg.Service.HealthCheckPath == "" {
		cfg.Service.HealthCheckPath = def.Service.HealthCheckPath
	}
	if cfg.Service.FacesPath == "" {
		cfg.Service.FacesPath = def.Service.FacesPath
	}
	if cfg.API.RegisterMaxAttempts == 0 {
		cfg.API.RegisterMaxAttempts = def.API.RegisterMaxAttempts
	}
	if cfg.API.RegisterBackoffSeconds == 0 {
		cfg.API.RegisterBackoffSeconds = def.API.RegisterBackoffSeconds
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	if cfg.Batch.Workers == 0 {
		cfg.Batch.Workers = def.Batch.Workers
	}
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
}
