package modules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/feedback-playground-api/internal/config"
)

const healthCacheKey = "modules:health"

// ErrModuleNotFound indicates the module is neither configured nor reported by the module manager.
var ErrModuleNotFound = errors.New("module not found")

// ErrNoConfigSchema indicates the module does not publish a configuration schema.
var ErrNoConfigSchema = errors.New("module has no config schema")

// ModuleHealth is the module manager's view of one module.
type ModuleHealth struct {
	URL                string `json:"url"`
	Type               string `json:"type"`
	Healthy            bool   `json:"healthy"`
	SupportsEvaluation bool   `json:"supportsEvaluation"`
}

// Health is the module manager health report.
type Health struct {
	Status  string                  `json:"status"`
	Modules map[string]ModuleHealth `json:"modules"`
}

// ModuleInfo describes a module known to the playground.
type ModuleInfo struct {
	Name               string `json:"name"`
	Type               string `json:"type"`
	Healthy            bool   `json:"healthy"`
	SupportsEvaluation bool   `json:"supports_evaluation"`
	Local              bool   `json:"local"`
}

// Registry knows which modules exist and hands out clients for them.
type Registry struct {
	cfg        HTTPConfig
	configured []config.ModuleRef
	cache      *redis.Client
	cacheTTL   time.Duration
	http       *http.Client
	logger     zerolog.Logger

	mu    sync.RWMutex
	local map[string]localEntry
}

type localEntry struct {
	moduleType string
	build      func() Client
}

// NewRegistry creates a registry for the configured module manager.
func NewRegistry(cfg HTTPConfig, configured []config.ModuleRef, cache *redis.Client, cacheTTL time.Duration) *Registry {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = newInstrumentedHTTPClient(timeout)
	}

	return &Registry{
		cfg:        cfg,
		configured: configured,
		cache:      cache,
		cacheTTL:   cacheTTL,
		http:       httpClient,
		logger:     cfg.Logger.With().Str("component", "module_registry").Logger(),
		local:      make(map[string]localEntry),
	}
}

// RegisterLocal makes an in-process module available under the given name.
// build is called once per requested client so in-process state never leaks
// between runs.
func (r *Registry) RegisterLocal(moduleType, name string, build func() Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.local[name] = localEntry{moduleType: moduleType, build: build}
}

// Client returns a client for the module. In-process modules take precedence
// over the module manager.
func (r *Registry) Client(module Module) (Client, error) {
	r.mu.RLock()
	entry, ok := r.local[module.Name]
	r.mu.RUnlock()
	if ok {
		if entry.moduleType != module.Type {
			return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, module)
		}
		return entry.build(), nil
	}

	cfg := r.cfg
	cfg.HTTPClient = r.http
	return NewHTTPClient(cfg, module)
}

// ClientFor builds a fan-out client when additional modules are given.
func (r *Registry) ClientFor(primary Module, additional []Module) (Client, error) {
	client, err := r.Client(primary)
	if err != nil {
		return nil, err
	}
	if len(additional) == 0 {
		return client, nil
	}

	others := make([]NamedClient, 0, len(additional))
	for _, module := range additional {
		other, err := r.Client(module)
		if err != nil {
			return nil, err
		}
		others = append(others, NamedClient{Name: module.String(), Client: other})
	}
	return NewMulti(client, others, r.logger), nil
}

// Health fetches the module manager health report, cached in redis when available.
func (r *Registry) Health(ctx context.Context) (Health, error) {
	if r.cache != nil {
		if cached, err := r.cache.Get(ctx, healthCacheKey).Bytes(); err == nil {
			var health Health
			if err := json.Unmarshal(cached, &health); err == nil {
				return health, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			r.logger.Warn().Err(err).Msg("failed to read module health cache")
		}
	}

	var health Health
	if err := r.get(ctx, r.cfg.BaseURL+"/health", &health); err != nil {
		return Health{}, err
	}

	if r.cache != nil && r.cacheTTL > 0 {
		if payload, err := json.Marshal(health); err == nil {
			if err := r.cache.Set(ctx, healthCacheKey, payload, r.cacheTTL).Err(); err != nil {
				r.logger.Warn().Err(err).Msg("failed to store module health cache")
			}
		}
	}
	return health, nil
}

// List merges configured, in-process and reported modules. An unreachable
// module manager is not an error: remote modules are then listed as unhealthy.
func (r *Registry) List(ctx context.Context) []ModuleInfo {
	infos := map[string]ModuleInfo{}
	for _, ref := range r.configured {
		infos[ref.Name] = ModuleInfo{Name: ref.Name, Type: ref.Type}
	}

	health, err := r.Health(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("module manager health unavailable")
	}
	for name, module := range health.Modules {
		infos[name] = ModuleInfo{
			Name:               name,
			Type:               module.Type,
			Healthy:            module.Healthy,
			SupportsEvaluation: module.SupportsEvaluation,
		}
	}

	r.mu.RLock()
	for name, entry := range r.local {
		infos[name] = ModuleInfo{Name: name, Type: entry.moduleType, Healthy: true, Local: true}
	}
	r.mu.RUnlock()

	result := make([]ModuleInfo, 0, len(infos))
	for _, info := range infos {
		result = append(result, info)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Type != result[j].Type {
			return result[i].Type < result[j].Type
		}
		return result[i].Name < result[j].Name
	})
	return result
}

// ConfigSchema returns the JSON schema a module publishes for its configuration.
func (r *Registry) ConfigSchema(ctx context.Context, moduleType, name string) (json.RawMessage, error) {
	r.mu.RLock()
	_, local := r.local[name]
	r.mu.RUnlock()
	if local {
		return nil, ErrNoConfigSchema
	}

	var envelope moduleResponse
	url := fmt.Sprintf("%s/modules/%s/%s/config_schema", r.cfg.BaseURL, moduleType, name)
	if err := r.get(ctx, url, &envelope); err != nil {
		if IsRemoteStatus(err, http.StatusNotFound) {
			return nil, ErrNoConfigSchema
		}
		return nil, err
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return nil, ErrNoConfigSchema
	}
	return envelope.Data, nil
}

func (r *Registry) get(ctx context.Context, url string, target any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if r.cfg.Secret != "" {
		req.Header.Set("Authorization", r.cfg.Secret)
	}
	if r.cfg.CorrelationID != nil {
		if id := r.cfg.CorrelationID(ctx); id != "" {
			req.Header.Set("X-Correlation-ID", id)
		}
	}

	res, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("call module manager: %w", err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	if res.StatusCode < http.StatusOK || res.StatusCode >= http.StatusMultipleChoices {
		return &RemoteError{Module: "manager", Route: url, Status: res.StatusCode, Message: errorMessage(raw)}
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("decode module manager response: %w", err)
	}
	return nil
}
