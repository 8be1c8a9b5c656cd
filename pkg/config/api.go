package config

import "time"

// APIConfig holds runtime configuration for the provisioning service.
type APIConfig struct {
	Environment   string
	Addr          string
	LogLevel      string
	DatabaseURL   string
	MigrationsDir string

	// OperatorToken authenticates admin API callers.
	OperatorToken string

	// Registrar API (JSON-RPC).
	RegistrarURL      string
	RegistrarUser     string
	RegistrarPassword string
	RegistrarTimeout  time.Duration

	// Registrant contact placed on registrations and inbound transfers.
	RegistrantName  string
	RegistrantEmail string

	// Deployment platform API (REST, bearer token).
	PlatformURL     string
	PlatformToken   string
	PlatformTimeout time.Duration

	// BaseDomain is the shared zone used for customer subdomains.
	BaseDomain string
	// DefaultTTL applies to DNS records created during provisioning.
	DefaultTTL int

	// Bootstrap inputs handed to every new deployment.
	MarketplaceURL string
	DeployImage    string

	// Poll bounds for the three suspension points.
	RegistrationPollInterval time.Duration
	RegistrationPollMax      int
	DeployPollInterval       time.Duration
	DeployPollMax            int
	HealthPollInterval       time.Duration
	HealthPollMax            int
	HealthProbeTimeout       time.Duration

	// MaxRetries bounds operator-gated provisioning retries.
	MaxRetries int
	// ProvisionTimeout caps a single provisioning run end to end.
	ProvisionTimeout time.Duration

	// Reconciler cadence and stuck-error alert age.
	ReconcileInterval time.Duration
	ErrorAlertAge     time.Duration

	// Allocator strategy: least_loaded, round_robin or pinned.
	AllocatorStrategy string
	PinnedServerID    string

	// Redis backs the rate limiter and the round-robin cursor when set.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:   GetString("APP_ENV", "development"),
		Addr:          GetString("API_ADDR", ":4100"),
		LogLevel:      GetString("LOG_LEVEL", "info"),
		DatabaseURL:   GetString("DATABASE_URL", "postgres://provisiond:provisiond@db:5432/provisiond?sslmode=disable"),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "db/migrations"),

		OperatorToken: GetString("OPERATOR_TOKEN", ""),

		RegistrarURL:      GetString("REGISTRAR_URL", "https://api.registrar.test/jsonrpc"),
		RegistrarUser:     GetString("REGISTRAR_USER", ""),
		RegistrarPassword: GetString("REGISTRAR_PASSWORD", ""),
		RegistrarTimeout:  time.Duration(GetInt("REGISTRAR_TIMEOUT_SECONDS", 30)) * time.Second,

		RegistrantName:  GetString("REGISTRANT_NAME", "HostKit Operations"),
		RegistrantEmail: GetString("REGISTRANT_EMAIL", "ops@hostkit.dev"),

		PlatformURL:     GetString("PLATFORM_URL", "http://platform:3000/api"),
		PlatformToken:   GetString("PLATFORM_TOKEN", ""),
		PlatformTimeout: time.Duration(GetInt("PLATFORM_TIMEOUT_SECONDS", 60)) * time.Second,

		BaseDomain: GetString("BASE_DOMAIN", "apps.hostkit.dev"),
		DefaultTTL: GetInt("DNS_RECORD_TTL", 3600),

		MarketplaceURL: GetString("MARKETPLACE_URL", "https://marketplace.hostkit.dev"),
		DeployImage:    GetString("DEPLOY_IMAGE", "hostkit/instance:stable"),

		RegistrationPollInterval: time.Duration(GetInt("REGISTRATION_POLL_SECONDS", 15)) * time.Second,
		RegistrationPollMax:      GetInt("REGISTRATION_POLL_MAX", 20),
		DeployPollInterval:       time.Duration(GetInt("DEPLOY_POLL_SECONDS", 5)) * time.Second,
		DeployPollMax:            GetInt("DEPLOY_POLL_MAX", 60),
		HealthPollInterval:       time.Duration(GetInt("HEALTH_POLL_SECONDS", 10)) * time.Second,
		HealthPollMax:            GetInt("HEALTH_POLL_MAX", 10),
		HealthProbeTimeout:       time.Duration(GetInt("HEALTH_PROBE_TIMEOUT_SECONDS", 5)) * time.Second,

		MaxRetries:       GetInt("PROVISION_MAX_RETRIES", 3),
		ProvisionTimeout: time.Duration(GetInt("PROVISION_TIMEOUT_MINUTES", 30)) * time.Minute,

		ReconcileInterval: time.Duration(GetInt("RECONCILE_INTERVAL_SECONDS", 60)) * time.Second,
		ErrorAlertAge:     time.Duration(GetInt("ERROR_ALERT_MINUTES", 15)) * time.Minute,

		AllocatorStrategy: GetString("ALLOCATOR_STRATEGY", "least_loaded"),
		PinnedServerID:    GetString("ALLOCATOR_PINNED_SERVER", ""),

		RedisAddr:     GetString("REDIS_ADDR", ""),
		RedisPassword: GetString("REDIS_PASSWORD", ""),
		RedisDB:       GetInt("REDIS_DB", 0),
	}
}
