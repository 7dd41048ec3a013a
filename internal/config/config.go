package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	JWT       JWTConfig
	RateLimit RateLimitConfig
	R2        R2Config
	Zitadel   ZitadelConfig
	Gateway   GatewayConfig
	Store     StoreConfig
	Lock      LockConfig
	Template  TemplateConfig
	Build     BuildConfig
	Artifact  ArtifactConfig
	Billing   BillingConfig
	Worker    WorkerConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	LogFormat string
	ApiDomain string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
}

type RateLimitConfig struct {
	BuildPerHour int
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

type ZitadelConfig struct {
	Domain   string
	ClientID string
	Issuer   string
}

type GatewayConfig struct {
	Enabled bool
}

// StoreConfig selects the job store backend: "redis", "postgres" or "memory".
type StoreConfig struct {
	Driver      string
	DatabaseURL string
	Retention   time.Duration // redis only, 0 keeps records forever
}

// LockConfig selects the per-build exclusion backend: "redis" or "local".
type LockConfig struct {
	Driver string
	TTL    time.Duration
}

type TemplateConfig struct {
	CacheDir       string
	WorkspaceDir   string
	Repository     string
	Ref            string
	InstallCommand string
	WarmCommand    string
	Exclude        []string
	Timeout        time.Duration
}

type BuildConfig struct {
	Command        string
	OutputDir      string
	ConfigTemplate string // empty uses the embedded template
	ConfigTarget   string
	LogoPath       string
	MaxAssetSize   int64
	Timeout        time.Duration
	Env            map[string]string
}

type ArtifactConfig struct {
	Dir       string
	URLExpiry time.Duration
}

type BillingConfig struct {
	PricePerBuild int64
}

type WorkerConfig struct {
	Concurrency int
}

func Load() (*Config, error) {
	// .env is optional; real environment variables win
	_ = godotenv.Load()

	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("DATABASE_URL")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("ZITADEL_CLIENT_ID")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Environment variables
	v.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("server.log_level", "LOG_LEVEL")
	_ = v.BindEnv("server.log_format", "LOG_FORMAT")
	_ = v.BindEnv("server.api_domain", "API_DOMAIN")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("jwt.secret", "JWT_SECRET")
	_ = v.BindEnv("ratelimit.build_per_hour", "RATELIMIT_BUILD_PER_HOUR")
	_ = v.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = v.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = v.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = v.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = v.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = v.BindEnv("zitadel.domain", "ZITADEL_DOMAIN")
	_ = v.BindEnv("zitadel.client_id", "ZITADEL_CLIENT_ID")
	_ = v.BindEnv("zitadel.issuer", "ZITADEL_ISSUER")
	_ = v.BindEnv("gateway.enabled", "GATEWAY_ENABLED")
	_ = v.BindEnv("store.driver", "STORE_DRIVER")
	_ = v.BindEnv("store.database_url", "DATABASE_URL")
	_ = v.BindEnv("store.retention", "STORE_RETENTION")
	_ = v.BindEnv("lock.driver", "LOCK_DRIVER")
	_ = v.BindEnv("lock.ttl", "LOCK_TTL")
	_ = v.BindEnv("template.cache_dir", "TEMPLATE_CACHE_DIR")
	_ = v.BindEnv("template.workspace_dir", "TEMPLATE_WORKSPACE_DIR")
	_ = v.BindEnv("template.repository", "TEMPLATE_REPOSITORY")
	_ = v.BindEnv("template.ref", "TEMPLATE_REF")
	_ = v.BindEnv("template.install_command", "TEMPLATE_INSTALL_COMMAND")
	_ = v.BindEnv("template.warm_command", "TEMPLATE_WARM_COMMAND")
	_ = v.BindEnv("template.timeout", "TEMPLATE_TIMEOUT")
	_ = v.BindEnv("build.command", "BUILD_COMMAND")
	_ = v.BindEnv("build.output_dir", "BUILD_OUTPUT_DIR")
	_ = v.BindEnv("build.config_template", "BUILD_CONFIG_TEMPLATE")
	_ = v.BindEnv("build.config_target", "BUILD_CONFIG_TARGET")
	_ = v.BindEnv("build.logo_path", "BUILD_LOGO_PATH")
	_ = v.BindEnv("build.max_asset_size", "BUILD_MAX_ASSET_SIZE")
	_ = v.BindEnv("build.timeout", "BUILD_TIMEOUT")
	_ = v.BindEnv("artifact.dir", "ARTIFACT_DIR")
	_ = v.BindEnv("artifact.url_expiry", "ARTIFACT_URL_EXPIRY")
	_ = v.BindEnv("billing.price_per_build", "PRICE_PER_BUILD")
	_ = v.BindEnv("worker.concurrency", "WORKER_CONCURRENCY")

	setDefaults(v)

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      v.GetString("server.port"),
			Env:       v.GetString("server.env"),
			LogLevel:  v.GetString("server.log_level"),
			LogFormat: v.GetString("server.log_format"),
			ApiDomain: v.GetString("server.api_domain"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret: v.GetString("jwt.secret"),
		},
		RateLimit: RateLimitConfig{
			BuildPerHour: v.GetInt("ratelimit.build_per_hour"),
		},
		R2: R2Config{
			AccountID:       v.GetString("r2.account_id"),
			AccessKeyID:     v.GetString("r2.access_key_id"),
			SecretAccessKey: v.GetString("r2.secret_access_key"),
			BucketName:      v.GetString("r2.bucket_name"),
			PublicURL:       v.GetString("r2.public_url"),
		},
		Zitadel: ZitadelConfig{
			Domain:   v.GetString("zitadel.domain"),
			ClientID: v.GetString("zitadel.client_id"),
			Issuer:   v.GetString("zitadel.issuer"),
		},
		Gateway: GatewayConfig{
			Enabled: v.GetBool("gateway.enabled"),
		},
		Store: StoreConfig{
			Driver:      strings.ToLower(v.GetString("store.driver")),
			DatabaseURL: v.GetString("store.database_url"),
			Retention:   v.GetDuration("store.retention"),
		},
		Lock: LockConfig{
			Driver: strings.ToLower(v.GetString("lock.driver")),
			TTL:    v.GetDuration("lock.ttl"),
		},
		Template: TemplateConfig{
			CacheDir:       v.GetString("template.cache_dir"),
			WorkspaceDir:   v.GetString("template.workspace_dir"),
			Repository:     v.GetString("template.repository"),
			Ref:            v.GetString("template.ref"),
			InstallCommand: v.GetString("template.install_command"),
			WarmCommand:    v.GetString("template.warm_command"),
			Exclude:        v.GetStringSlice("template.exclude"),
			Timeout:        v.GetDuration("template.timeout"),
		},
		Build: BuildConfig{
			Command:        v.GetString("build.command"),
			OutputDir:      v.GetString("build.output_dir"),
			ConfigTemplate: v.GetString("build.config_template"),
			ConfigTarget:   v.GetString("build.config_target"),
			LogoPath:       v.GetString("build.logo_path"),
			MaxAssetSize:   v.GetInt64("build.max_asset_size"),
			Timeout:        v.GetDuration("build.timeout"),
			Env:            envOverrides(v.GetStringMapString("build.env")),
		},
		Artifact: ArtifactConfig{
			Dir:       v.GetString("artifact.dir"),
			URLExpiry: v.GetDuration("artifact.url_expiry"),
		},
		Billing: BillingConfig{
			PricePerBuild: v.GetInt64("billing.price_per_build"),
		},
		Worker: WorkerConfig{
			Concurrency: v.GetInt("worker.concurrency"),
		},
	}

	return cfg, nil
}

// envOverrides restores upper-case variable names; viper lower-cases map keys.
func envOverrides(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, val := range m {
		out[strings.ToUpper(k)] = val
	}
	return out
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "3000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "json")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("jwt.secret", "change-me-in-production")
	v.SetDefault("ratelimit.build_per_hour", 10)

	// Job store and locking
	v.SetDefault("store.driver", "redis")
	v.SetDefault("store.retention", 0)
	v.SetDefault("lock.driver", "redis")
	v.SetDefault("lock.ttl", 30*time.Minute)

	// Template cache
	v.SetDefault("template.cache_dir", "./base-build")
	v.SetDefault("template.workspace_dir", "./temp")
	v.SetDefault("template.repository", "https://github.com/wxfyes/EZ-Theme.git")
	v.SetDefault("template.ref", "")
	v.SetDefault("template.install_command", "npm install")
	v.SetDefault("template.warm_command", "npm run build")
	v.SetDefault("template.exclude", []string{".git", "*.log", "*.tmp", "*.temp"})
	v.SetDefault("template.timeout", 20*time.Minute)

	// Build toolchain
	v.SetDefault("build.command", "npm run build")
	v.SetDefault("build.output_dir", "dist")
	v.SetDefault("build.config_target", "src/config/index.js")
	v.SetDefault("build.logo_path", "public/images/logo.png")
	v.SetDefault("build.max_asset_size", 5*1024*1024)
	v.SetDefault("build.timeout", 15*time.Minute)
	v.SetDefault("build.env", map[string]string{
		"VUE_APP_CONFIGJS": "false",
		"NODE_ENV":         "production",
		"NODE_OPTIONS":     "--max-old-space-size=512",
	})

	// Artifacts
	v.SetDefault("artifact.dir", "./builds")
	v.SetDefault("artifact.url_expiry", 15*time.Minute)

	v.SetDefault("billing.price_per_build", 10)
	v.SetDefault("worker.concurrency", 4)
}
