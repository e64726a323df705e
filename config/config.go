package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"harvestd/models"
	"harvestd/storage"
)

type Config struct {
	DatabaseURL string
	OpsDBPath   string
	RedisAddr   string
	S3          storage.S3Config
	Proxy       ProxyConfig
	Scheduler   SchedulerConfig
	Workers     WorkerConfig
	OpsAddr     string
	LogLevel    string
	LogDir      string
	SourcesDir  string
}

type ProxyConfig struct {
	SecretKeys    string
	SecretPrimary string
	IPLookupURL   string
	CheckInterval time.Duration
	CheckTimeout  time.Duration
}

type SchedulerConfig struct {
	SourceCron    string
	TrackingCron  string
	TrackingBatch int
	DispatchLease time.Duration
}

type WorkerConfig struct {
	Concurrency  int
	UserAgent    string
	CacheEntries int
	CacheTTL     time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		OpsDBPath:   getEnv("OPS_DB_PATH", "harvestd.db"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),
		S3: storage.S3Config{
			Bucket:          os.Getenv("S3_BUCKET"),
			Region:          getEnv("S3_REGION", "us-east-1"),
			Endpoint:        os.Getenv("S3_ENDPOINT"),
			AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
		},
		Proxy: ProxyConfig{
			SecretKeys:    os.Getenv("PROXY_SECRET_KEYS"),
			SecretPrimary: os.Getenv("PROXY_SECRET_PRIMARY"),
			IPLookupURL:   getEnv("IP_LOOKUP_URL", "https://api.ipify.org?format=json"),
			CheckInterval: getEnvDuration("PROXY_CHECK_INTERVAL", 15*time.Minute),
			CheckTimeout:  getEnvDuration("PROXY_CHECK_TIMEOUT", 15*time.Second),
		},
		Scheduler: SchedulerConfig{
			SourceCron:    getEnv("SOURCE_SCAN_CRON", "@every 1m"),
			TrackingCron:  getEnv("TRACKING_SCAN_CRON", "@every 1m"),
			TrackingBatch: getEnvInt("TRACKING_BATCH_SIZE", 50),
			DispatchLease: getEnvDuration("DISPATCH_LEASE", time.Hour),
		},
		Workers: WorkerConfig{
			Concurrency:  getEnvInt("WORKER_CONCURRENCY", 4),
			UserAgent:    getEnv("USER_AGENT", "Mozilla/5.0 (compatible; harvestd/1.0)"),
			CacheEntries: getEnvInt("FETCH_CACHE_ENTRIES", 64),
			CacheTTL:     getEnvDuration("FETCH_CACHE_TTL", 5*time.Minute),
		},
		OpsAddr:    getEnv("OPS_ADDR", ":9090"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		LogDir:     os.Getenv("LOG_DIR"),
		SourcesDir: getEnv("SOURCES_DIR", "config/sources"),
	}

	if cfg.Workers.Concurrency <= 0 {
		return nil, fmt.Errorf("WORKER_CONCURRENCY must be positive, got %d", cfg.Workers.Concurrency)
	}
	if cfg.Scheduler.TrackingBatch <= 0 {
		return nil, fmt.Errorf("TRACKING_BATCH_SIZE must be positive, got %d", cfg.Scheduler.TrackingBatch)
	}
	return cfg, nil
}

// LoadSources reads every *.yaml file in dir as one source definition.
// A missing directory yields no sources.
func LoadSources(dir string) ([]*models.Source, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var sources []*models.Source
	seen := make(map[string]string)
	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}

		var src models.Source
		if err := yaml.Unmarshal(data, &src); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		src.ApplyDefaults()
		if err := src.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if prev, ok := seen[src.Key]; ok {
			return nil, fmt.Errorf("%s: source key %q already defined in %s", path, src.Key, prev)
		}
		seen[src.Key] = path
		sources = append(sources, &src)
	}

	sort.Slice(sources, func(i, j int) bool { return sources[i].Key < sources[j].Key })
	return sources, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
