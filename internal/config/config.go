// Package config loads albumd configuration from YAML with environment
// variable overrides. Precedence: defaults < config file < environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete albumd configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Vector     VectorConfig     `yaml:"vector"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Agent      AgentConfig      `yaml:"agent"`
	Vision     VisionConfig     `yaml:"vision"`
	Edit       EditConfig       `yaml:"edit"`
	PointCloud PointCloudConfig `yaml:"pointcloud"`
	Indexing   IndexingConfig   `yaml:"indexing"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr string `yaml:"addr"` // listen address, default :8080
	// BaseURL is the externally visible base used when composing absolute
	// links; internal tool bindings always use the loopback address.
	BaseURL string `yaml:"base_url"`
}

// StorageConfig configures the image object store.
type StorageConfig struct {
	Path        string `yaml:"path"`          // image storage root
	MaxFileSize int64  `yaml:"max_file_size"` // bytes, default 50 MiB
}

// VectorConfig configures the vector store.
type VectorConfig struct {
	Mode       string `yaml:"mode"`       // "local-file" | "remote"
	Path       string `yaml:"path"`       // local-file mode: data directory
	Endpoint   string `yaml:"endpoint"`   // remote mode
	Collection string `yaml:"collection"` // collection name, default "album"
	Dimensions int    `yaml:"dimensions"` // vector dimension D
	StatusDB   string `yaml:"status_db"`  // sqlite path for index status + task journal
}

// EmbeddingsConfig configures the embedding provider.
type EmbeddingsConfig struct {
	Provider   string        `yaml:"provider"` // "local" | "remote"
	Endpoint   string        `yaml:"endpoint"` // local model server or remote API base
	APIKey     string        `yaml:"api_key"`  // remote provider key
	Model      string        `yaml:"model"`
	Dimensions int           `yaml:"dimensions"`
	Timeout    time.Duration `yaml:"timeout"` // per-call, default 60s
	CacheSize  int           `yaml:"cache_size"`
}

// AgentConfig configures the conversational orchestrator.
type AgentConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Endpoint      string        `yaml:"endpoint"` // OpenAI-compatible base URL
	APIKey        string        `yaml:"api_key"`
	Model         string        `yaml:"model"`
	MaxIterations int           `yaml:"max_iterations"` // ReAct loop cap, default 15
	Timeout       time.Duration `yaml:"timeout"`
}

// VisionConfig configures the multimodal vision model used for captions,
// QA, analysis and recommendation.
type VisionConfig struct {
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"api_key"`
	Model    string        `yaml:"model"`
	Timeout  time.Duration `yaml:"timeout"` // default 120s
}

// EditConfig configures the remote image-edit model.
type EditConfig struct {
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"api_key"`
	Model    string        `yaml:"model"`
	Timeout  time.Duration `yaml:"timeout"`
}

// PointCloudConfig configures the external 3DGS service.
type PointCloudConfig struct {
	ServiceURL      string        `yaml:"service_url"`
	StoragePath     string        `yaml:"storage_path"`     // PLY output root
	Timeout         time.Duration `yaml:"timeout"`          // generation call, default 300s
	DownloadTimeout time.Duration `yaml:"download_timeout"` // per-PLY download, default 30s
	PollInterval    time.Duration `yaml:"poll_interval"`    // session monitor, default 5s
	MonitorTimeout  time.Duration `yaml:"monitor_timeout"`  // session monitor budget, default 10m
}

// IndexingConfig configures background indexing.
type IndexingConfig struct {
	Workers       int           `yaml:"workers"` // deferred-indexing pool size
	WatchEnabled  bool          `yaml:"watch_enabled"`
	WatchDebounce time.Duration `yaml:"watch_debounce"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	FilePath string `yaml:"file_path"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:    ":8080",
			BaseURL: "http://localhost:8080",
		},
		Storage: StorageConfig{
			Path:        "./data/images",
			MaxFileSize: 50 * 1024 * 1024,
		},
		Vector: VectorConfig{
			Mode:       "local-file",
			Path:       "./data/vectors",
			Collection: "album",
			Dimensions: 2560,
			StatusDB:   "./data/albumd.db",
		},
		Embeddings: EmbeddingsConfig{
			Provider:   "local",
			Endpoint:   "http://localhost:9620",
			Model:      "qwen3-vl-embedding",
			Dimensions: 2560,
			Timeout:    60 * time.Second,
			CacheSize:  512,
		},
		Agent: AgentConfig{
			Enabled:       true,
			Endpoint:      "https://api.openai.com/v1",
			Model:         "gpt-4o",
			MaxIterations: 15,
			Timeout:       120 * time.Second,
		},
		Vision: VisionConfig{
			Endpoint: "https://dashscope.aliyuncs.com/compatible-mode/v1",
			Model:    "qwen3-vl-plus",
			Timeout:  120 * time.Second,
		},
		Edit: EditConfig{
			Endpoint: "https://dashscope.aliyuncs.com/compatible-mode/v1",
			Model:    "qwen-image-edit-plus",
			Timeout:  120 * time.Second,
		},
		PointCloud: PointCloudConfig{
			StoragePath:     "./data/pointclouds",
			Timeout:         300 * time.Second,
			DownloadTimeout: 30 * time.Second,
			PollInterval:    5 * time.Second,
			MonitorTimeout:  10 * time.Minute,
		},
		Indexing: IndexingConfig{
			Workers:       4,
			WatchEnabled:  false,
			WatchDebounce: 2 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the given path (optional), applies
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides configuration from ALBUMD_* environment variables.
// Environment always wins over the config file.
func (c *Config) applyEnv() {
	setStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setDur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1" || v == "on"
		}
	}

	setStr("ALBUMD_ADDR", &c.Server.Addr)
	setStr("ALBUMD_BASE_URL", &c.Server.BaseURL)
	setStr("ALBUMD_STORAGE_PATH", &c.Storage.Path)
	setStr("ALBUMD_VECTOR_MODE", &c.Vector.Mode)
	setStr("ALBUMD_VECTOR_PATH", &c.Vector.Path)
	setStr("ALBUMD_VECTOR_ENDPOINT", &c.Vector.Endpoint)
	setStr("ALBUMD_VECTOR_COLLECTION", &c.Vector.Collection)
	setInt("ALBUMD_VECTOR_DIMENSIONS", &c.Vector.Dimensions)
	setStr("ALBUMD_STATUS_DB", &c.Vector.StatusDB)

	setStr("ALBUMD_EMBED_PROVIDER", &c.Embeddings.Provider)
	setStr("ALBUMD_EMBED_ENDPOINT", &c.Embeddings.Endpoint)
	setStr("ALBUMD_EMBED_API_KEY", &c.Embeddings.APIKey)
	setStr("ALBUMD_EMBED_MODEL", &c.Embeddings.Model)
	setInt("ALBUMD_EMBED_DIMENSIONS", &c.Embeddings.Dimensions)
	setDur("ALBUMD_EMBED_TIMEOUT", &c.Embeddings.Timeout)

	setBool("ALBUMD_AGENT_ENABLED", &c.Agent.Enabled)
	setStr("ALBUMD_AGENT_ENDPOINT", &c.Agent.Endpoint)
	setStr("ALBUMD_AGENT_API_KEY", &c.Agent.APIKey)
	setStr("ALBUMD_AGENT_MODEL", &c.Agent.Model)
	setInt("ALBUMD_AGENT_MAX_ITERATIONS", &c.Agent.MaxIterations)

	setStr("ALBUMD_VISION_ENDPOINT", &c.Vision.Endpoint)
	setStr("ALBUMD_VISION_API_KEY", &c.Vision.APIKey)
	setStr("ALBUMD_VISION_MODEL", &c.Vision.Model)

	setStr("ALBUMD_EDIT_ENDPOINT", &c.Edit.Endpoint)
	setStr("ALBUMD_EDIT_API_KEY", &c.Edit.APIKey)
	setStr("ALBUMD_EDIT_MODEL", &c.Edit.Model)

	setStr("ALBUMD_POINTCLOUD_URL", &c.PointCloud.ServiceURL)
	setStr("ALBUMD_POINTCLOUD_PATH", &c.PointCloud.StoragePath)
	setDur("ALBUMD_POINTCLOUD_TIMEOUT", &c.PointCloud.Timeout)

	setInt("ALBUMD_INDEX_WORKERS", &c.Indexing.Workers)
	setBool("ALBUMD_INDEX_WATCH", &c.Indexing.WatchEnabled)

	setStr("ALBUMD_LOG_LEVEL", &c.Logging.Level)
	setStr("ALBUMD_LOG_FILE", &c.Logging.FilePath)
}

// Validate checks the configuration for inconsistencies that would only
// surface later as confusing runtime failures.
func (c *Config) Validate() error {
	switch c.Vector.Mode {
	case "local-file":
	case "remote":
		if c.Vector.Endpoint == "" {
			return fmt.Errorf("vector.endpoint is required in remote mode")
		}
	default:
		return fmt.Errorf("vector.mode must be local-file or remote, got %q", c.Vector.Mode)
	}
	if c.Vector.Dimensions <= 0 {
		return fmt.Errorf("vector.dimensions must be positive, got %d", c.Vector.Dimensions)
	}
	switch c.Embeddings.Provider {
	case "local", "remote":
	default:
		return fmt.Errorf("embeddings.provider must be local or remote, got %q", c.Embeddings.Provider)
	}
	if c.Embeddings.Provider == "remote" && c.Embeddings.APIKey == "" {
		return fmt.Errorf("embeddings.api_key is required for the remote provider")
	}
	if c.Embeddings.Dimensions != c.Vector.Dimensions {
		return fmt.Errorf("embeddings.dimensions (%d) must match vector.dimensions (%d)",
			c.Embeddings.Dimensions, c.Vector.Dimensions)
	}
	if c.Agent.MaxIterations <= 0 {
		return fmt.Errorf("agent.max_iterations must be positive, got %d", c.Agent.MaxIterations)
	}
	if c.Storage.MaxFileSize <= 0 {
		return fmt.Errorf("storage.max_file_size must be positive")
	}
	if c.Indexing.Workers <= 0 {
		return fmt.Errorf("indexing.workers must be positive, got %d", c.Indexing.Workers)
	}
	return nil
}

// EnsureDirectories creates the data directories the services expect.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.Path,
		c.PointCloud.StoragePath,
		filepath.Dir(c.Vector.StatusDB),
	}
	if c.Vector.Mode == "local-file" {
		dirs = append(dirs, c.Vector.Path)
	}
	for _, d := range dirs {
		if strings.TrimSpace(d) == "" {
			continue
		}
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}
	return nil
}
