package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/noah-isme/feedback-playground-api/internal/dto"
	"github.com/noah-isme/feedback-playground-api/internal/modules"
)

var (
	// ErrInvalidModuleConfig indicates the submitted module configuration is not JSON.
	ErrInvalidModuleConfig = errors.New("module config is not valid JSON")
	// ErrInvalidConfigSchema indicates the module published a schema that can not be compiled.
	ErrInvalidConfigSchema = errors.New("module config schema is invalid")
)

// ModuleCatalog is the view of the module registry used by the module service.
type ModuleCatalog interface {
	List(ctx context.Context) []modules.ModuleInfo
	ConfigSchema(ctx context.Context, moduleType, name string) (json.RawMessage, error)
}

// ModuleService lists modules and checks module configurations.
type ModuleService interface {
	List(ctx context.Context) []modules.ModuleInfo
	ConfigSchema(ctx context.Context, moduleType, name string) (json.RawMessage, error)
	ValidateConfig(ctx context.Context, moduleType, name string, config json.RawMessage) (dto.ModuleConfigValidateResponse, error)
}

type moduleService struct {
	catalog ModuleCatalog
	logger  zerolog.Logger
}

// NewModuleService constructs the service.
func NewModuleService(catalog ModuleCatalog, logger zerolog.Logger) ModuleService {
	return &moduleService{
		catalog: catalog,
		logger:  logger.With().Str("component", "module_service").Logger(),
	}
}

func (s *moduleService) List(ctx context.Context) []modules.ModuleInfo {
	return s.catalog.List(ctx)
}

func (s *moduleService) ConfigSchema(ctx context.Context, moduleType, name string) (json.RawMessage, error) {
	return s.catalog.ConfigSchema(ctx, moduleType, name)
}

func (s *moduleService) ValidateConfig(ctx context.Context, moduleType, name string, config json.RawMessage) (dto.ModuleConfigValidateResponse, error) {
	instance, err := decodeInstance(config)
	if err != nil {
		return dto.ModuleConfigValidateResponse{}, fmt.Errorf("%w: %v", ErrInvalidModuleConfig, err)
	}

	raw, err := s.catalog.ConfigSchema(ctx, moduleType, name)
	if err != nil {
		if errors.Is(err, modules.ErrNoConfigSchema) {
			return dto.ModuleConfigValidateResponse{Valid: true, Errors: []string{}}, nil
		}
		return dto.ModuleConfigValidateResponse{}, err
	}

	url := fmt.Sprintf("module://%s/%s/config_schema.json", moduleType, name)
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return dto.ModuleConfigValidateResponse{}, fmt.Errorf("%w: %v", ErrInvalidConfigSchema, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return dto.ModuleConfigValidateResponse{}, fmt.Errorf("%w: %v", ErrInvalidConfigSchema, err)
	}

	if err := schema.Validate(instance); err != nil {
		var validationErr *jsonschema.ValidationError
		if !errors.As(err, &validationErr) {
			return dto.ModuleConfigValidateResponse{}, err
		}
		messages := make([]string, 0)
		for _, basic := range validationErr.BasicOutput().Errors {
			if basic.Error == "" {
				continue
			}
			location := basic.InstanceLocation
			if location == "" {
				location = "/"
			}
			messages = append(messages, location+": "+basic.Error)
		}
		sort.Strings(messages)
		s.logger.Debug().Str("module", moduleType+"/"+name).Int("violations", len(messages)).Msg("module config rejected by schema")
		return dto.ModuleConfigValidateResponse{Valid: false, Errors: messages}, nil
	}

	return dto.ModuleConfigValidateResponse{Valid: true, Errors: []string{}}, nil
}

// decodeInstance keeps numbers as json.Number so integer constraints are
// checked against the literal value.
func decodeInstance(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var instance any
	if err := dec.Decode(&instance); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("unexpected data after config")
	}
	return instance, nil
}
