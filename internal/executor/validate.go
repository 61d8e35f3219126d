package executor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/kiranshivaraju/genflow/pkg/models"
)

const maxPromptLength = 2000

var imageSizes = map[string]bool{
	"square_hd":      true,
	"square":         true,
	"portrait_4_3":   true,
	"portrait_16_9":  true,
	"landscape_4_3":  true,
	"landscape_16_9": true,
}

// ValidationError reports input that does not match the shape its kind requires.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid input: %s %s", e.Field, e.Reason)
}

// ValidateInput checks input against the shape required by kind. Every kind has its
// own validator; an unknown kind is itself a validation failure.
func ValidateInput(kind models.JobKind, input json.RawMessage) error {
	switch kind {
	case models.JobKindGenerate:
		return validateGenerate(input)
	case models.JobKindEdit:
		return validateEdit(input)
	case models.JobKindUpscale:
		return validateUpscale(input)
	default:
		return &ValidationError{Field: "kind", Reason: fmt.Sprintf("%q is not supported", kind)}
	}
}

type generateInput struct {
	Prompt    string `json:"prompt"`
	NumImages *int   `json:"num_images"`
	ImageSize string `json:"image_size"`
	Seed      *int64 `json:"seed"`
}

type editInput struct {
	Prompt   string   `json:"prompt"`
	ImageURL string   `json:"image_url"`
	Strength *float64 `json:"strength"`
}

type upscaleInput struct {
	ImageURL string `json:"image_url"`
	Scale    *int   `json:"scale"`
}

func validateGenerate(input json.RawMessage) error {
	var in generateInput
	if err := decode(input, &in); err != nil {
		return err
	}
	if err := checkPrompt(in.Prompt); err != nil {
		return err
	}
	if in.NumImages != nil && (*in.NumImages < 1 || *in.NumImages > 4) {
		return &ValidationError{Field: "num_images", Reason: "must be between 1 and 4"}
	}
	if in.ImageSize != "" && !imageSizes[in.ImageSize] {
		return &ValidationError{Field: "image_size", Reason: fmt.Sprintf("%q is not a known size", in.ImageSize)}
	}
	return nil
}

func validateEdit(input json.RawMessage) error {
	var in editInput
	if err := decode(input, &in); err != nil {
		return err
	}
	if err := checkPrompt(in.Prompt); err != nil {
		return err
	}
	if err := checkImageURL(in.ImageURL); err != nil {
		return err
	}
	if in.Strength != nil && (*in.Strength <= 0 || *in.Strength > 1) {
		return &ValidationError{Field: "strength", Reason: "must be in (0, 1]"}
	}
	return nil
}

func validateUpscale(input json.RawMessage) error {
	var in upscaleInput
	if err := decode(input, &in); err != nil {
		return err
	}
	if err := checkImageURL(in.ImageURL); err != nil {
		return err
	}
	if in.Scale != nil && *in.Scale != 2 && *in.Scale != 4 {
		return &ValidationError{Field: "scale", Reason: "must be 2 or 4"}
	}
	return nil
}

func decode(input json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(input)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return &ValidationError{Field: "input", Reason: "must be a JSON object"}
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return &ValidationError{Field: "input", Reason: err.Error()}
	}
	return nil
}

func checkPrompt(prompt string) error {
	p := strings.TrimSpace(prompt)
	if p == "" {
		return &ValidationError{Field: "prompt", Reason: "is required"}
	}
	if utf8.RuneCountInString(p) > maxPromptLength {
		return &ValidationError{Field: "prompt", Reason: fmt.Sprintf("exceeds %d characters", maxPromptLength)}
	}
	return nil
}

func checkImageURL(raw string) error {
	if raw == "" {
		return &ValidationError{Field: "image_url", Reason: "is required"}
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &ValidationError{Field: "image_url", Reason: "must be an absolute http(s) URL"}
	}
	return nil
}
