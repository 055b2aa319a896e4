package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the playground service.
type Config struct {
	AppName  string
	AppEnv   string
	AppPort  string
	DBDriver string

	DatabaseURL   string
	RedisURL      string
	NATSURL       string
	EventsChannel string

	ModuleManagerURL    string
	ModuleManagerSecret string
	LMSServerURL        string
	ModuleTimeout       time.Duration
	Modules             []ModuleRef
	ModuleHealthTTL     time.Duration

	ExpertConfigCacheTTL time.Duration
	StreamKeepAlive      time.Duration
	RateLimitPerMinute   int
	CORSAllowOrigins     string

	AIProvider   string
	OpenAIAPIKey string
	OpenAIModel  string
}

// ModuleRef identifies a module registered with the module manager.
type ModuleRef struct {
	Type string
	Name string
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("PLAYGROUND")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "Feedback Playground API")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("events.channel", "playground")
	v.SetDefault("module_manager.url", "http://localhost:5100")
	v.SetDefault("module_manager.server_url", "http://localhost:3000")
	v.SetDefault("module_manager.timeout", "2m")
	v.SetDefault("module.health_ttl", "30s")
	v.SetDefault("expert.config_cache_ttl", "5m")
	v.SetDefault("stream.keepalive", "30s")
	v.SetDefault("rate_limit.per_minute", 30)
	v.SetDefault("cors.allow_origins", "*")
	v.SetDefault("ai.provider", "none")
	v.SetDefault("openai.model", "gpt-4o-mini")

	durations := map[string]time.Duration{}
	for _, key := range []string{"module_manager.timeout", "module.health_ttl", "expert.config_cache_ttl", "stream.keepalive"} {
		parsed, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid duration for %s: %w", key, err)
		}
		durations[key] = parsed
	}

	modules, err := ParseModules(v.GetString("module_manager.modules"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppName:              v.GetString("app.name"),
		AppEnv:               v.GetString("app.env"),
		AppPort:              v.GetString("app.port"),
		DBDriver:             strings.ToLower(v.GetString("database.driver")),
		DatabaseURL:          v.GetString("database.url"),
		RedisURL:             v.GetString("redis.url"),
		NATSURL:              v.GetString("nats.url"),
		EventsChannel:        v.GetString("events.channel"),
		ModuleManagerURL:     strings.TrimRight(v.GetString("module_manager.url"), "/"),
		ModuleManagerSecret:  v.GetString("module_manager.secret"),
		LMSServerURL:         v.GetString("module_manager.server_url"),
		ModuleTimeout:        durations["module_manager.timeout"],
		Modules:              modules,
		ModuleHealthTTL:      durations["module.health_ttl"],
		ExpertConfigCacheTTL: durations["expert.config_cache_ttl"],
		StreamKeepAlive:      durations["stream.keepalive"],
		RateLimitPerMinute:   v.GetInt("rate_limit.per_minute"),
		CORSAllowOrigins:     v.GetString("cors.allow_origins"),
		AIProvider:           strings.ToLower(v.GetString("ai.provider")),
		OpenAIAPIKey:         v.GetString("openai_api_key"),
		OpenAIModel:          v.GetString("openai.model"),
	}

	if cfg.DBDriver != "postgres" && cfg.DBDriver != "sqlite" {
		return Config{}, fmt.Errorf("unsupported database driver %q", cfg.DBDriver)
	}

	if cfg.ModuleTimeout <= 0 {
		cfg.ModuleTimeout = 2 * time.Minute
	}

	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = 30
	}

	return cfg, nil
}

// ParseModules parses a comma separated list of "type:name" module references.
func ParseModules(raw string) ([]ModuleRef, error) {
	var modules []ModuleRef
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		moduleType, name, ok := strings.Cut(part, ":")
		moduleType = strings.TrimSpace(moduleType)
		name = strings.TrimSpace(name)
		if !ok || moduleType == "" || name == "" {
			return nil, fmt.Errorf("invalid module reference %q, expected type:name", part)
		}
		modules = append(modules, ModuleRef{Type: moduleType, Name: name})
	}
	return modules, nil
}
