package fieldguard

import (
	"time"

	"github.com/dpup/fieldguard/internal/config"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Filename of the standard configuration file.
const ConfigFile = "fieldguard.yaml"

// ConfigKeyInfo contains metadata about a known configuration key.
type ConfigKeyInfo = config.ConfigKeyInfo

// ValidationWarning describes an unknown or deprecated configuration key.
type ValidationWarning = config.ValidationWarning

// Config is a global koanf instance used to access configuration options.
//
// Config is loaded in the following order (later sources override earlier):
// 1. Registered defaults
// 2. Auto-discovered fieldguard.yaml
// 3. Environment variables with the FG__ prefix
// 4. Sources loaded via LoadConfigFile() or LoadConfigDefaults()
//
// Environment variable transformation:
//   - FG__DEVICES__MAX_PER_USER → devices.maxPerUser
//   - FG__TENANCY__HEADER_NAME → tenancy.headerName
var Config = koanf.New(".")

func init() {
	registerCoreConfigKeys()
	config.LoadDefaults(Config)

	if cfg := config.SearchForConfig(ConfigFile, "."); cfg != "" {
		if err := Config.Load(file.Provider(cfg), yaml.Parser()); err != nil {
			panic("error loading config: " + err.Error())
		}
	}

	if err := Config.Load(env.Provider(config.EnvPrefix, ".", config.TransformEnv), nil); err != nil {
		panic("error loading env config: " + err.Error())
	}
}

// RegisterConfigKeys registers known configuration keys, applying any
// defaults that have not been set yet.
//
// Example:
//
//	fieldguard.RegisterConfigKeys(fieldguard.ConfigKeyInfo{
//	    Key:         "myapp.postsPerPage",
//	    Description: "Page size for post listings",
//	    Type:        "int",
//	    Default:     20,
//	})
func RegisterConfigKeys(infos ...ConfigKeyInfo) {
	config.RegisterConfigKeys(infos...)
	config.LoadDefaults(Config)
}

// RegisterDeprecatedKey registers a deprecated configuration key and its replacement.
func RegisterDeprecatedKey(oldKey, newKey string) {
	config.RegisterDeprecatedKey(oldKey, newKey)
}

// LoadConfigFile loads additional configuration from a YAML file.
func LoadConfigFile(path string) {
	if err := Config.Load(file.Provider(path), yaml.Parser()); err != nil {
		panic("error loading config file '" + path + "': " + err.Error())
	}
}

// LoadConfigDefaults loads configuration values from a map, overriding what
// is currently set.
//
// Example:
//
//	fieldguard.LoadConfigDefaults(map[string]any{
//	    "tenancy.enabled":  true,
//	    "tenancy.resolver": "domain",
//	})
func LoadConfigDefaults(defaults map[string]any) {
	if err := Config.Load(confmap.Provider(defaults, "."), nil); err != nil {
		panic("error loading config defaults: " + err.Error())
	}
}

// ValidateConfig reports unknown and deprecated keys in the loaded config.
func ValidateConfig() []ValidationWarning {
	return config.ValidateConfigKeys(Config)
}

// ConfigString returns the string value for the given key.
func ConfigString(key string) string {
	return Config.String(key)
}

// ConfigInt returns the int value for the given key.
func ConfigInt(key string) int {
	return Config.Int(key)
}

// ConfigFloat64 returns the float64 value for the given key.
func ConfigFloat64(key string) float64 {
	return Config.Float64(key)
}

// ConfigBool returns the bool value for the given key.
func ConfigBool(key string) bool {
	return Config.Bool(key)
}

// ConfigDuration returns the duration value for the given key.
// Duration strings like "5m", "1h", "30s" are parsed automatically.
func ConfigDuration(key string) time.Duration {
	return Config.Duration(key)
}

// ConfigStrings returns the string slice value for the given key.
func ConfigStrings(key string) []string {
	return Config.Strings(key)
}

// ConfigExists checks if the given key exists in the configuration.
func ConfigExists(key string) bool {
	return Config.Exists(key)
}

func registerCoreConfigKeys() {
	registerGuardConfigKeys()
	registerAuthConfigKeys()
	registerInfraConfigKeys()
}

func registerGuardConfigKeys() {
	config.RegisterConfigKeys(
		ConfigKeyInfo{
			Key:         "audit.enabled",
			Description: "Whether audit guards emit records",
			Type:        "bool",
			Default:     true,
		},
		ConfigKeyInfo{
			Key:         "tenancy.enabled",
			Description: "Whether tenant scope guards are enforced",
			Type:        "bool",
			Default:     false,
		},
		ConfigKeyInfo{
			Key:         "tenancy.resolver",
			Description: "Tenant resolution strategy: domain, header or token",
			Type:        "string",
			Default:     "header",
		},
		ConfigKeyInfo{
			Key:         "tenancy.headerName",
			Description: "Header carrying the tenant id for the header strategy",
			Type:        "string",
			Default:     "X-Tenant-ID",
		},
	)
}

func registerAuthConfigKeys() {
	config.RegisterConfigKeys(
		ConfigKeyInfo{
			Key:         "devices.enabled",
			Description: "Whether login registers a device",
			Type:        "bool",
			Default:     true,
		},
		ConfigKeyInfo{
			Key:         "devices.maxPerUser",
			Description: "Maximum number of active devices per principal, 0 for no limit",
			Type:        "int",
			Default:     10,
		},
		ConfigKeyInfo{
			Key:         "auth.tokenExpiration",
			Description: "Lifetime of access tokens, 0 for tokens that never expire",
			Type:        "duration",
			Default:     "720h",
		},
		ConfigKeyInfo{
			Key:         "auth.refreshTokenExpiration",
			Description: "How long after issue a token may be refreshed, 0 for no limit",
			Type:        "duration",
			Default:     "2160h",
		},
		ConfigKeyInfo{
			Key:         "auth.defaultDeviceName",
			Description: "Device name used when login does not provide one",
			Type:        "string",
			Default:     "unknown",
		},
		ConfigKeyInfo{
			Key:         "auth.loginRateLimit",
			Description: "Login attempts per minute per identifier, 0 to disable",
			Type:        "int",
			Default:     0,
		},
		ConfigKeyInfo{
			Key:         "auth.loginRateBurst",
			Description: "Burst size for the in-memory login limiter",
			Type:        "int",
			Default:     5,
		},
	)
}

func registerInfraConfigKeys() {
	config.RegisterConfigKeys(
		ConfigKeyInfo{
			Key:         "redis.addr",
			Description: "Redis address, enables the distributed login limiter",
			Type:        "string",
		},
		ConfigKeyInfo{
			Key:         "storage.driver",
			Description: "Storage backend: memory, sqlite or postgres",
			Type:        "string",
			Default:     "memory",
		},
		ConfigKeyInfo{
			Key:         "storage.dsn",
			Description: "Connection string for the sqlite or postgres backend",
			Type:        "string",
		},
		ConfigKeyInfo{
			Key:         "storage.prefix",
			Description: "Table name prefix for SQL backends",
			Type:        "string",
			Default:     "fieldguard_",
		},
		ConfigKeyInfo{
			Key:         "metrics.enabled",
			Description: "Register prometheus collectors",
			Type:        "bool",
			Default:     true,
		},
		ConfigKeyInfo{
			Key:         "rbac.seed",
			Description: "Seed the default roles and permissions on startup",
			Type:        "bool",
			Default:     true,
		},
		ConfigKeyInfo{
			Key:         "logging.mode",
			Description: "Logger configuration: dev or prod",
			Type:        "string",
			Default:     "dev",
		},
	)
}
