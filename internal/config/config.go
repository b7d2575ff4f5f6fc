package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StorageLocal = "local"
	StorageS3    = "s3"
)

type Config struct {
	DBFile      string
	AdminAddr   string
	APIAddr     string
	BaseURL     string
	UploadsPath string
	LogDev      bool

	StorageBackend string
	S3Bucket       string
	S3Region       string
	S3Endpoint     string
	S3PublicRead   bool
	S3PresignTTL   time.Duration

	RedisAddr   string
	RedisPrefix string

	IdentityHeader string
	MaxUploadSize  int64

	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubscriber string
}

// Load reads configuration from the environment. When NETRAX_CONFIG names a
// file, its values are used for keys the environment does not set.
func Load(cliMode bool) (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	if path := v.GetString("netrax_config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		DBFile:      v.GetString("netrax_db"),
		AdminAddr:   v.GetString("admin_addr"),
		APIAddr:     v.GetString("api_addr"),
		BaseURL:     strings.TrimRight(v.GetString("base_url"), "/"),
		UploadsPath: v.GetString("uploads_path"),
		LogDev:      v.GetBool("log_dev"),

		StorageBackend: strings.ToLower(v.GetString("storage_backend")),
		S3Bucket:       v.GetString("s3_bucket"),
		S3Region:       v.GetString("s3_region"),
		S3Endpoint:     v.GetString("s3_endpoint"),
		S3PublicRead:   v.GetBool("s3_public_read"),
		S3PresignTTL:   v.GetDuration("s3_presign_ttl"),

		RedisAddr:   v.GetString("redis_addr"),
		RedisPrefix: v.GetString("redis_prefix"),

		IdentityHeader: v.GetString("identity_header"),
		MaxUploadSize:  v.GetInt64("max_upload_size"),

		VAPIDPublicKey:  v.GetString("vapid_public_key"),
		VAPIDPrivateKey: v.GetString("vapid_private_key"),
		VAPIDSubscriber: v.GetString("vapid_subscriber"),
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("netrax_db", "netrax.db")
	v.SetDefault("admin_addr", "localhost:8081")
	v.SetDefault("api_addr", ":8080")
	v.SetDefault("base_url", "http://localhost:8080")
	v.SetDefault("uploads_path", "uploads")
	v.SetDefault("log_dev", false)
	v.SetDefault("storage_backend", StorageLocal)
	v.SetDefault("s3_public_read", false)
	v.SetDefault("s3_presign_ttl", "15m")
	v.SetDefault("redis_prefix", "netrax")
	v.SetDefault("identity_header", "X-Forwarded-User")
	v.SetDefault("max_upload_size", 50<<20)
	v.SetDefault("vapid_subscriber", "admin@localhost")
}

func (c *Config) Validate(cliMode bool) error {
	if cliMode {
		return nil
	}

	switch c.StorageBackend {
	case StorageLocal:
		if c.UploadsPath == "" {
			return fmt.Errorf("UPLOADS_PATH is required for local storage")
		}
	case StorageS3:
		if c.S3Bucket == "" || c.S3Region == "" {
			return fmt.Errorf("S3_BUCKET and S3_REGION are required for s3 storage")
		}
		if !c.S3PublicRead && c.S3PresignTTL <= 0 {
			return fmt.Errorf("S3_PRESIGN_TTL must be greater than 0")
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend)
	}

	if c.IdentityHeader == "" {
		return fmt.Errorf("IDENTITY_HEADER is required")
	}

	if c.MaxUploadSize <= 0 {
		return fmt.Errorf("MAX_UPLOAD_SIZE must be greater than 0")
	}

	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		return fmt.Errorf("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together")
	}

	return nil
}

// PushEnabled reports whether web push is configured.
func (c *Config) PushEnabled() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}
