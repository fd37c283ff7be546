package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	NATS      NATSConfig      `yaml:"nats"`
	MinIO     MinIOConfig     `yaml:"minio"`
	Extractor ExtractorConfig `yaml:"extractor"`
	Queue     QueueConfig     `yaml:"queue"`
	Index     IndexConfig     `yaml:"index"`
	Search    SearchConfig    `yaml:"search"`
	Cache     CacheConfig     `yaml:"cache"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	MaxConns int    `yaml:"max_conns"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

type NATSConfig struct {
	URL string `yaml:"url"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type ExtractorConfig struct {
	ModelsDir          string  `yaml:"models_dir"`
	DetectionThreshold float64 `yaml:"detection_threshold"`
}

// WorkerCounts bounds in-flight jobs per priority class so bulk uploads
// cannot starve interactive work.
type WorkerCounts struct {
	High   int `yaml:"high"`
	Medium int `yaml:"medium"`
	Low    int `yaml:"low"`
}

func (w WorkerCounts) Total() int { return w.High + w.Medium + w.Low }

type QueueConfig struct {
	Workers WorkerCounts `yaml:"workers"`
	// ReservedSlotEvery reserves one dispatch slot in N for medium/low
	// jobs regardless of high-queue backlog.
	ReservedSlotEvery int           `yaml:"reserved_slot_every"`
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffCap        time.Duration `yaml:"backoff_cap"`
	SoftBudget        time.Duration `yaml:"soft_budget"`
	HardBudget        time.Duration `yaml:"hard_budget"`
	LaneBuffer        int           `yaml:"lane_buffer"`
}

type IndexConfig struct {
	Dim int `yaml:"dim"`
	// ExactCutover is the size above which queries switch from exact
	// linear scan to the approximate HNSW snapshot.
	ExactCutover     int `yaml:"exact_cutover"`
	RebuildThreshold int `yaml:"rebuild_threshold"`
	EfSearch         int `yaml:"ef_search"`
}

type SearchConfig struct {
	// MaxDistance is the default cosine-distance match threshold.
	MaxDistance     float64       `yaml:"max_distance"`
	MinQueryQuality float64       `yaml:"min_query_quality"`
	DefaultTopN     int           `yaml:"default_top_n"`
	MaxTopN         int           `yaml:"max_top_n"`
	Timeout         time.Duration `yaml:"timeout"`
}

type CacheConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads config from YAML file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(cfg)
	SetDefaults(cfg)

	return cfg, nil
}

// SetDefaults fills unset fields with production defaults.
func SetDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 20
	}
	if cfg.Extractor.DetectionThreshold == 0 {
		cfg.Extractor.DetectionThreshold = 0.5
	}
	if cfg.Queue.Workers.High == 0 {
		cfg.Queue.Workers.High = 4
	}
	if cfg.Queue.Workers.Medium == 0 {
		cfg.Queue.Workers.Medium = 2
	}
	if cfg.Queue.Workers.Low == 0 {
		cfg.Queue.Workers.Low = 2
	}
	if cfg.Queue.ReservedSlotEvery == 0 {
		cfg.Queue.ReservedSlotEvery = 4
	}
	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = 3
	}
	if cfg.Queue.BackoffBase == 0 {
		cfg.Queue.BackoffBase = 60 * time.Second
	}
	if cfg.Queue.BackoffCap == 0 {
		cfg.Queue.BackoffCap = 15 * time.Minute
	}
	if cfg.Queue.SoftBudget == 0 {
		cfg.Queue.SoftBudget = 240 * time.Second
	}
	if cfg.Queue.HardBudget == 0 {
		cfg.Queue.HardBudget = 300 * time.Second
	}
	if cfg.Queue.LaneBuffer == 0 {
		cfg.Queue.LaneBuffer = 64
	}
	if cfg.Index.Dim == 0 {
		cfg.Index.Dim = 512
	}
	if cfg.Index.ExactCutover == 0 {
		cfg.Index.ExactCutover = 4096
	}
	if cfg.Index.RebuildThreshold == 0 {
		cfg.Index.RebuildThreshold = 500
	}
	if cfg.Index.EfSearch == 0 {
		cfg.Index.EfSearch = 64
	}
	if cfg.Search.MaxDistance == 0 {
		cfg.Search.MaxDistance = 0.6
	}
	if cfg.Search.MinQueryQuality == 0 {
		cfg.Search.MinQueryQuality = 0.3
	}
	if cfg.Search.DefaultTopN == 0 {
		cfg.Search.DefaultTopN = 20
	}
	if cfg.Search.MaxTopN == 0 {
		cfg.Search.MaxTopN = 50
	}
	if cfg.Search.Timeout == 0 {
		cfg.Search.Timeout = 5 * time.Second
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = time.Hour
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PX_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("PX_API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}
	if v := os.Getenv("PX_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("PX_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = port
		}
	}
	if v := os.Getenv("PX_DB_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("PX_DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("PX_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("PX_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("PX_MINIO_ENDPOINT"); v != "" {
		cfg.MinIO.Endpoint = v
	}
	if v := os.Getenv("PX_MINIO_ACCESS_KEY"); v != "" {
		cfg.MinIO.AccessKey = v
	}
	if v := os.Getenv("PX_MINIO_SECRET_KEY"); v != "" {
		cfg.MinIO.SecretKey = v
	}
	if v := os.Getenv("PX_MINIO_BUCKET"); v != "" {
		cfg.MinIO.Bucket = v
	}
	if v := os.Getenv("PX_MODELS_DIR"); v != "" {
		cfg.Extractor.ModelsDir = v
	}
	if v := os.Getenv("PX_WORKERS_HIGH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.Workers.High = n
		}
	}
	if v := os.Getenv("PX_WORKERS_MEDIUM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.Workers.Medium = n
		}
	}
	if v := os.Getenv("PX_WORKERS_LOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.Workers.Low = n
		}
	}
}
