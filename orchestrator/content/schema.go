// Package content defines the validated shapes of pipeline outputs and the
// transducers that produce them from fabric calls.
package content

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/storyfab/storyfab/orchestrator/faults"
)

// VisualHints is the closed set a script segment may reference.
var VisualHints = []string{"talking_head", "screen_capture", "stock_footage", "animation", "diagram"}

// EmotionalTriggers is the closed set a short-form hook may reference.
var EmotionalTriggers = []string{"curiosity", "fear", "surprise", "joy", "urgency"}

// Regions are the SEO metadata slots every package must fill.
var Regions = []string{"us", "eu", "asia"}

const (
	MaxTitleLen       = 70
	MaxDescriptionLen = 160
	MaxTags           = 15
	MaxHooks          = 5
	MaxHookTextLen    = 120
)

// Segment is one timed beat of the video script.
type Segment struct {
	Timestamp                string  `json:"timestamp" validate:"required,hhmm"`
	Voiceover                string  `json:"voiceover" validate:"required"`
	VisualHint               string  `json:"visual_hint" validate:"required,oneof=talking_head screen_capture stock_footage animation diagram"`
	EstimatedDurationSeconds float64 `json:"estimated_duration_seconds" validate:"required,gt=0"`
}

// Script is the validated script artifact. Language is stamped by the
// caller from the source document, not asked of the model.
type Script struct {
	Title    string    `json:"title" validate:"required"`
	Summary  string    `json:"summary" validate:"required"`
	Language string    `json:"language,omitempty"`
	Segments []Segment `json:"segments" validate:"required,min=1,dive"`
}

// RegionMeta is per-region SEO metadata.
type RegionMeta struct {
	Title       string   `json:"title" validate:"required,max=70"`
	Description string   `json:"description" validate:"required,max=160"`
	Tags        []string `json:"tags" validate:"required,min=1,max=15,dive,required"`
}

// SEOPackage holds metadata for every configured region.
type SEOPackage struct {
	Regions  map[string]RegionMeta `json:"regions" validate:"required,min=1,dive"`
	Keywords []string              `json:"keywords,omitempty"`
}

// Hook is one short-form clip candidate.
type Hook struct {
	Text             string `json:"text" validate:"required,max=120"`
	EmotionalTrigger string `json:"emotional_trigger" validate:"required,oneof=curiosity fear surprise joy urgency"`
	CTA              string `json:"cta" validate:"required"`
}

// Engine accumulates every stage output persisted into the manifest.
type Engine struct {
	Script       *Script           `json:"script,omitempty"`
	SEO          *SEOPackage       `json:"seo,omitempty"`
	Shorts       []Hook            `json:"shorts,omitempty"`
	Voice        string            `json:"voice,omitempty"`
	AudioScripts map[string]string `json:"audio_scripts,omitempty"`
}

var hhmmRe = regexp.MustCompile(`^\d{2}:\d{2}$`)

// Validator returns a validator with the content-specific rules registered.
func Validator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("hhmm", func(fl validator.FieldLevel) bool {
		return hhmmRe.MatchString(fl.Field().String())
	})
	return v
}

var validate = Validator()

// ParseScript decodes and validates LLM output into a Script. Unknown keys,
// type mismatches and enum violations surface as classifiable errors.
func ParseScript(text string) (*Script, error) {
	var s Script
	if err := decodeStrict(text, &s); err != nil {
		return nil, err
	}
	if err := validate.Struct(&s); err != nil {
		return nil, fmt.Errorf("script validation failed: %w", err)
	}
	return &s, nil
}

// ParseSEO decodes and validates LLM output into an SEOPackage, requiring
// every configured region slot.
func ParseSEO(text string) (*SEOPackage, error) {
	var p SEOPackage
	if err := decodeStrict(text, &p); err != nil {
		return nil, err
	}
	if err := validate.Struct(&p); err != nil {
		return nil, fmt.Errorf("seo validation failed: %w", err)
	}
	for _, region := range Regions {
		if _, ok := p.Regions[region]; !ok {
			return nil, &faults.SchemaError{
				Code:    "invalid_literal",
				Path:    "regions." + region,
				Message: fmt.Sprintf("missing region %q", region),
			}
		}
	}
	return &p, nil
}

// ParseHooks decodes and validates LLM output into at most MaxHooks hooks.
func ParseHooks(text string) ([]Hook, error) {
	var payload struct {
		Hooks []Hook `json:"hooks" validate:"required,min=1,dive"`
	}
	if err := decodeStrict(text, &payload); err != nil {
		return nil, err
	}
	if err := validate.Struct(&payload); err != nil {
		return nil, fmt.Errorf("hooks validation failed: %w", err)
	}
	if len(payload.Hooks) > MaxHooks {
		payload.Hooks = payload.Hooks[:MaxHooks]
	}
	return payload.Hooks, nil
}

// decodeStrict decodes JSON rejecting unknown fields, translating decode
// failures into schema errors the classifier understands.
func decodeStrict(text string, dst any) error {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return &faults.SchemaError{
				Code:    "invalid_type",
				Path:    typeErr.Field,
				Message: err.Error(),
			}
		}
		if strings.Contains(err.Error(), "unknown field") {
			return &faults.SchemaError{
				Code:    "unrecognized_keys",
				Path:    strings.Trim(strings.TrimPrefix(err.Error(), "json: unknown field "), `"`),
				Message: err.Error(),
			}
		}
		return &faults.SchemaError{
			Code:    "invalid_type",
			Message: err.Error(),
		}
	}
	return nil
}

// StrictHints spells out the closed sets and limits for strict fallback
// models; the fabric appends it to the degraded prompt prefix.
func StrictHints() string {
	return fmt.Sprintf(`SCHEMA LIMITS:
- visual_hint must be one of: %s
- emotional_trigger must be one of: %s
- timestamp format is HH:MM (two digits each)
- title max %d chars, description max %d chars, at most %d tags
- at most %d hooks, hook text max %d chars
- estimated_duration_seconds must be a number greater than zero`,
		strings.Join(VisualHints, ", "),
		strings.Join(EmotionalTriggers, ", "),
		MaxTitleLen, MaxDescriptionLen, MaxTags,
		MaxHooks, MaxHookTextLen)
}
