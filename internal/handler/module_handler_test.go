package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/feedback-playground-api/internal/dto"
	"github.com/noah-isme/feedback-playground-api/internal/handler"
	"github.com/noah-isme/feedback-playground-api/internal/modules"
	"github.com/noah-isme/feedback-playground-api/internal/service"
)

type stubCatalog struct {
	infos   []modules.ModuleInfo
	schemas map[string]json.RawMessage
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

func newModuleApp() *fiber.App {
	catalog := stubCatalog{
		infos: []modules.ModuleInfo{{Name: "module_text_llm", Type: "text", Healthy: true}},
		schemas: map[string]json.RawMessage{
			"text/module_text_llm": json.RawMessage(`{"type":"object","required":["approach"],"properties":{"approach":{"enum":["basic","chain_of_thought"]}}}`),
			"text/broken":          json.RawMessage(`{"type":12}`),
		},
	}
	app := fiber.New()
	moduleService := service.NewModuleService(catalog, zerolog.Nop())
	handler.NewModuleHandler(moduleService, nil, zerolog.Nop()).Register(app.Group("/api/v1/modules"))
	return app
}

func postJSON(t *testing.T, app *fiber.App, path, body string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	return resp
}

func TestModuleHandlerListAndSchema(t *testing.T) {
	app := newModuleApp()

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/modules", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var listPayload struct {
		Data []modules.ModuleInfo `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listPayload))
	require.Len(t, listPayload.Data, 1)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/modules/text/module_text_llm/config_schema", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/modules/text/other/config_schema", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestModuleHandlerValidateConfig(t *testing.T) {
	app := newModuleApp()

	resp := postJSON(t, app, "/api/v1/modules/text/module_text_llm/config/validate", `{"config":{"approach":"basic"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var valid struct {
		Data dto.ModuleConfigValidateResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&valid))
	require.True(t, valid.Data.Valid)

	resp = postJSON(t, app, "/api/v1/modules/text/module_text_llm/config/validate", `{"config":{"approach":"guess"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var invalid struct {
		Message string                           `json:"message"`
		Data    dto.ModuleConfigValidateResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&invalid))
	require.False(t, invalid.Data.Valid)
	require.NotEmpty(t, invalid.Data.Errors)
	require.Equal(t, "module config invalid", invalid.Message)

	resp = postJSON(t, app, "/api/v1/modules/text/module_text_llm/config/validate", `{}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, app, "/api/v1/modules/text/broken/config/validate", `{"config":{}}`)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
}
