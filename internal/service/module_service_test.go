package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/feedback-playground-api/internal/modules"
)

type stubCatalog struct {
	schemas map[string]json.RawMessage
	infos   []modules.ModuleInfo
}

func (c stubCatalog) List(context.Context) []modules.ModuleInfo {
	return c.infos
}

func (c stubCatalog) ConfigSchema(_ context.Context, moduleType, name string) (json.RawMessage, error) {
	schema, ok := c.schemas[moduleType+"/"+name]
	if !ok {
		return nil, modules.ErrNoConfigSchema
	}
	return schema, nil
}

const approachSchema = `{
	"type": "object",
	"required": ["approach"],
	"properties": {
		"approach": {"type": "string", "enum": ["basic", "chain_of_thought"]},
		"max_input_tokens": {"type": "integer", "minimum": 1}
	}
}`

func TestModuleServiceValidateConfig(t *testing.T) {
	svc := NewModuleService(stubCatalog{schemas: map[string]json.RawMessage{
		"text/module_text_llm": json.RawMessage(approachSchema),
		"text/broken":          json.RawMessage(`{"type": 12}`),
	}}, zerolog.Nop())
	ctx := context.Background()

	valid, err := svc.ValidateConfig(ctx, "text", "module_text_llm", json.RawMessage(`{"approach":"basic","max_input_tokens":3000}`))
	require.NoError(t, err)
	require.True(t, valid.Valid)
	require.Empty(t, valid.Errors)

	invalid, err := svc.ValidateConfig(ctx, "text", "module_text_llm", json.RawMessage(`{"approach":"magic","max_input_tokens":0}`))
	require.NoError(t, err)
	require.False(t, invalid.Valid)
	require.NotEmpty(t, invalid.Errors)
	joined, _ := json.Marshal(invalid.Errors)
	require.Contains(t, string(joined), "/approach")
	require.Contains(t, string(joined), "/max_input_tokens")

	noSchema, err := svc.ValidateConfig(ctx, "text", "module_without_schema", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.True(t, noSchema.Valid)

	_, err = svc.ValidateConfig(ctx, "text", "module_text_llm", json.RawMessage(`{not json`))
	require.ErrorIs(t, err, ErrInvalidModuleConfig)

	_, err = svc.ValidateConfig(ctx, "text", "broken", json.RawMessage(`{}`))
	require.ErrorIs(t, err, ErrInvalidConfigSchema)
}

func TestModuleServiceValidateConfigNumbers(t *testing.T) {
	svc := NewModuleService(stubCatalog{schemas: map[string]json.RawMessage{
		"text/module_text_llm": json.RawMessage(approachSchema),
	}}, zerolog.Nop())
	ctx := context.Background()

	whole, err := svc.ValidateConfig(ctx, "text", "module_text_llm", json.RawMessage(`{"approach":"basic","max_input_tokens":9007199254740993}`))
	require.NoError(t, err)
	require.True(t, whole.Valid, whole.Errors)

	fraction, err := svc.ValidateConfig(ctx, "text", "module_text_llm", json.RawMessage(`{"approach":"basic","max_input_tokens":2.5}`))
	require.NoError(t, err)
	require.False(t, fraction.Valid)
	joined, _ := json.Marshal(fraction.Errors)
	require.Contains(t, string(joined), "/max_input_tokens")

	_, err = svc.ValidateConfig(ctx, "text", "module_text_llm", json.RawMessage(`{"approach":"basic"} {"approach":"basic"}`))
	require.ErrorIs(t, err, ErrInvalidModuleConfig)
}

func TestModuleServiceListsCatalog(t *testing.T) {
	infos := []modules.ModuleInfo{{Name: "module_text_llm", Type: "text", Healthy: true}}
	svc := NewModuleService(stubCatalog{infos: infos}, zerolog.Nop())
	require.Equal(t, infos, svc.List(context.Background()))

	_, err := svc.ConfigSchema(context.Background(), "text", "unknown")
	require.ErrorIs(t, err, modules.ErrNoConfigSchema)
}
