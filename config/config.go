package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Processing ProcessingConfig `yaml:"processing"`
	Docling    DoclingConfig    `yaml:"docling"`
	Minio      MinioConfig      `yaml:"minio"`
	Log        LogConfig        `yaml:"log"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type StorageConfig struct {
	Root                 string `yaml:"root"`
	TTLHours             int    `yaml:"ttl_hours"`
	SweepIntervalMinutes int    `yaml:"sweep_interval_minutes"`
}

type ProcessingConfig struct {
	MaxFileSizeMB     int    `yaml:"max_file_size_mb"`
	AcceleratorDevice string `yaml:"accelerator_device"` // cpu, cuda, mps
	NumThreads        int    `yaml:"num_threads"`
	Workers           int    `yaml:"workers"`
	QueueCapacity     int    `yaml:"queue_capacity"`
	MaxTasks          int    `yaml:"max_tasks"` // 0 means unbounded
}

type DoclingConfig struct {
	APIURL              string `yaml:"api_url"`
	APIToken            string `yaml:"api_token"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	PollAttempts        int    `yaml:"poll_attempts"`
}

type MinioConfig struct {
	Endpoint   string `yaml:"endpoint"`
	AccessKey  string `yaml:"access_key"`
	SecretKey  string `yaml:"secret_key"`
	Bucket     string `yaml:"bucket"`
	UseSSL     bool   `yaml:"use_ssl"`
	ExpireDays int    `yaml:"expire_days"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Accelerator devices the conversion engine accepts.
const (
	AcceleratorCPU  = "cpu"
	AcceleratorCUDA = "cuda"
	AcceleratorMPS  = "mps"
)

var GlobalConfig *Config

// Load reads configuration from an optional YAML file, then applies
// environment overrides and defaults. A .env file in the working directory is
// honoured before the environment is read; a missing config file is not an
// error, the service can run from environment and defaults alone.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	GlobalConfig = &cfg
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	envString("HOST", &cfg.Server.Host)
	envInt("PORT", &cfg.Server.Port)

	envString("TEMP_STORAGE_PATH", &cfg.Storage.Root)
	envInt("TTL_HOURS", &cfg.Storage.TTLHours)
	envInt("SWEEP_INTERVAL_MINUTES", &cfg.Storage.SweepIntervalMinutes)

	envInt("MAX_FILE_SIZE_MB", &cfg.Processing.MaxFileSizeMB)
	envString("ACCELERATOR_DEVICE", &cfg.Processing.AcceleratorDevice)
	envInt("NUM_THREADS", &cfg.Processing.NumThreads)
	envInt("WORKERS", &cfg.Processing.Workers)
	envInt("QUEUE_CAPACITY", &cfg.Processing.QueueCapacity)
	envInt("MAX_TASKS", &cfg.Processing.MaxTasks)

	envString("DOCLING_API_URL", &cfg.Docling.APIURL)
	envString("DOCLING_API_TOKEN", &cfg.Docling.APIToken)
	envInt("DOCLING_POLL_INTERVAL_SECONDS", &cfg.Docling.PollIntervalSeconds)
	envInt("DOCLING_POLL_ATTEMPTS", &cfg.Docling.PollAttempts)

	envString("MINIO_ENDPOINT", &cfg.Minio.Endpoint)
	envString("MINIO_ACCESS_KEY", &cfg.Minio.AccessKey)
	envString("MINIO_SECRET_KEY", &cfg.Minio.SecretKey)
	envString("MINIO_BUCKET", &cfg.Minio.Bucket)
	envBool("MINIO_USE_SSL", &cfg.Minio.UseSSL)
	envInt("MINIO_EXPIRE_DAYS", &cfg.Minio.ExpireDays)

	envString("LOG_LEVEL", &cfg.Log.Level)
	envString("LOG_FORMAT", &cfg.Log.Format)
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Storage.Root == "" {
		cfg.Storage.Root = "/tmp/docling_storage"
	}
	if cfg.Storage.TTLHours == 0 {
		cfg.Storage.TTLHours = 24
	}
	if cfg.Storage.SweepIntervalMinutes == 0 {
		cfg.Storage.SweepIntervalMinutes = 60
	}
	if cfg.Processing.MaxFileSizeMB == 0 {
		cfg.Processing.MaxFileSizeMB = 50
	}
	if cfg.Processing.AcceleratorDevice == "" {
		cfg.Processing.AcceleratorDevice = AcceleratorCPU
	}
	if cfg.Processing.NumThreads == 0 {
		cfg.Processing.NumThreads = 4
	}
	if cfg.Processing.Workers == 0 {
		cfg.Processing.Workers = 4
	}
	if cfg.Processing.QueueCapacity == 0 {
		cfg.Processing.QueueCapacity = 64
	}
	if cfg.Docling.PollIntervalSeconds == 0 {
		cfg.Docling.PollIntervalSeconds = 5
	}
	if cfg.Docling.PollAttempts == 0 {
		cfg.Docling.PollAttempts = 60
	}
	if cfg.Minio.ExpireDays == 0 {
		cfg.Minio.ExpireDays = 7
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

func validate(cfg *Config) error {
	switch cfg.Processing.AcceleratorDevice {
	case AcceleratorCPU, AcceleratorCUDA, AcceleratorMPS:
	default:
		return fmt.Errorf("invalid accelerator_device %q (expected cpu, cuda or mps)", cfg.Processing.AcceleratorDevice)
	}
	if cfg.Storage.TTLHours < 0 {
		return fmt.Errorf("ttl_hours must not be negative, got %d", cfg.Storage.TTLHours)
	}
	return nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
