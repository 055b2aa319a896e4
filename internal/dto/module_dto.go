package dto

import "encoding/json"

// ModuleConfigValidateRequest carries a module configuration to check
// against the module's config schema.
type ModuleConfigValidateRequest struct {
	Config json.RawMessage `json:"config" validate:"required"`
}

// ModuleConfigValidateResponse lists the schema violations, if any.
type ModuleConfigValidateResponse struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}
