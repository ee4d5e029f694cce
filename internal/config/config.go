package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the gateway
type Config struct {
	Server     ServerConfig
	Logging    LoggingConfig
	Transcoder TranscoderConfig
	Tuner      TunerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Queue      QueueConfig
	Archive    ArchiveConfig
	Tracing    TracingConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
	Output string
}

// TranscoderConfig holds ffmpeg and HLS output configuration
type TranscoderConfig struct {
	FFmpegPath          string
	InputParams         string
	OutputParams        string
	HlsTime             int
	HlsListSize         int
	PlaylistReadyCount  int
	MaxFileSize         int64
	MaxDuration         time.Duration
	GracefulStopTimeout time.Duration
	LogRetention        time.Duration
	IngestBaseURL       string
}

// TunerConfig holds channel directory configuration
type TunerConfig struct {
	BaseURL  string
	CacheTTL time.Duration
}

// DatabaseConfig holds broadcast history database configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration for the tuner lineup cache
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// QueueConfig holds message queue configuration for event notifications
type QueueConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Vhost    string
}

// ArchiveConfig holds object storage configuration for the segment archiver
type ArchiveConfig struct {
	Enabled         bool
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	UseSSL          bool
}

// TracingConfig holds distributed tracing configuration
type TracingConfig struct {
	Enabled        bool
	ServiceName    string
	JaegerEndpoint string
}

// Load reads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()

	// Set defaults
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks the parts of the configuration that are fatal at startup
func (c *Config) Validate() error {
	if _, err := os.Stat(c.Transcoder.FFmpegPath); err != nil {
		return fmt.Errorf("ffmpeg not found at path %q: %w", c.Transcoder.FFmpegPath, err)
	}

	if c.Transcoder.HlsListSize < 2 {
		return fmt.Errorf("transcoder.hlsListSize must be at least 2, got %d", c.Transcoder.HlsListSize)
	}

	if c.Transcoder.MaxFileSize <= 0 {
		return fmt.Errorf("transcoder.maxFileSize must be positive, got %d", c.Transcoder.MaxFileSize)
	}

	return nil
}

// FFmpegArgs builds the ffmpeg argument list for transcoding one channel
// into HLS, with the generated playlist upload target pointed at the ingest
// endpoint for the given transcode id.
func (c *TranscoderConfig) FFmpegArgs(channelURL, transcodeID string) []string {
	playlist := fmt.Sprintf("%s/%s/live.m3u8", strings.TrimRight(c.IngestBaseURL, "/"), transcodeID)

	args := []string{"-y"}
	args = append(args, splitParams(c.InputParams)...)
	args = append(args, "-i", channelURL, "-c:a", "aac", "-ac", "2")
	args = append(args, splitParams(c.OutputParams)...)
	args = append(args,
		"-f", "hls",
		"-hls_time", fmt.Sprintf("%d", c.HlsTime),
		"-hls_list_size", fmt.Sprintf("%d", c.HlsListSize),
		"-master_pl_name", "master.m3u8",
		playlist,
	)
	return args
}

// splitParams splits a configured parameter string on whitespace, including
// newlines, so multi-line values from the config file become argument lists.
func splitParams(params string) []string {
	return strings.Fields(params)
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.readTimeout", "30s")
	viper.SetDefault("server.writeTimeout", "30s")
	viper.SetDefault("server.shutdownTimeout", "10s")

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output", "stdout")

	// Transcoder defaults
	viper.SetDefault("transcoder.ffmpegPath", "ffmpeg")
	viper.SetDefault("transcoder.inputParams", "")
	viper.SetDefault("transcoder.outputParams", "-c:v libx264 -preset veryfast")
	viper.SetDefault("transcoder.hlsTime", 2)
	viper.SetDefault("transcoder.hlsListSize", 5)
	viper.SetDefault("transcoder.playlistReadyCount", 2)
	viper.SetDefault("transcoder.maxFileSize", 10*1024*1024) // 10MB
	viper.SetDefault("transcoder.maxDuration", "4h")
	viper.SetDefault("transcoder.gracefulStopTimeout", "5s")
	viper.SetDefault("transcoder.logRetention", "60s")
	viper.SetDefault("transcoder.ingestBaseURL", "http://127.0.0.1:8080/transcode")

	// Tuner defaults
	viper.SetDefault("tuner.baseURL", "http://hdhomerun.local")
	viper.SetDefault("tuner.cacheTTL", "5m")

	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "postgres")
	viper.SetDefault("database.dbname", "livegate")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("database.maxConns", 25)
	viper.SetDefault("database.minConns", 5)

	// Redis defaults
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	// Queue defaults
	viper.SetDefault("queue.host", "localhost")
	viper.SetDefault("queue.port", 5672)
	viper.SetDefault("queue.user", "guest")
	viper.SetDefault("queue.password", "guest")
	viper.SetDefault("queue.vhost", "/")

	// Archive defaults
	viper.SetDefault("archive.enabled", false)
	viper.SetDefault("archive.endpoint", "localhost:9000")
	viper.SetDefault("archive.accessKeyID", "minioadmin")
	viper.SetDefault("archive.secretAccessKey", "minioadmin")
	viper.SetDefault("archive.bucketName", "recordings")
	viper.SetDefault("archive.useSSL", false)

	// Tracing defaults
	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.serviceName", "livegate")
	viper.SetDefault("tracing.jaegerEndpoint", "http://localhost:14268/api/traces")
}
