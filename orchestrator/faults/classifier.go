// Package faults turns arbitrary errors into stable, serialisable
// fingerprints. The classifier is the single authority every component
// funnels through; nothing else inspects error text.
package faults

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Kind is the closed error taxonomy.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindProviderAPI Kind = "provider_api"
	KindNetwork     Kind = "network"
	KindFilesystem  Kind = "filesystem"
	KindUnknown     Kind = "unknown"
)

// Fingerprint classifies one failure well enough to decide
// retry / degrade / fatal. Stable across restarts.
type Fingerprint struct {
	Kind    Kind   `json:"kind"`
	Code    string `json:"code"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

// SchemaError is raised by content parsing when LLM output violates a
// schema. Code uses the downstream issue vocabulary (invalid_enum_value,
// too_big, invalid_type, unrecognized_keys, invalid_string, invalid_literal).
type SchemaError struct {
	Code    string
	Path    string
	Message string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema violation at %s: %s (%s)", e.Path, e.Message, e.Code)
}

// Classifier fingerprints errors. providerMarkers are lowercase substrings
// (provider name, model prefixes) identifying provider API failures.
type Classifier struct {
	providerMarkers []string
}

// NewClassifier creates a classifier recognizing the given provider markers.
func NewClassifier(providerMarkers ...string) *Classifier {
	markers := make([]string, len(providerMarkers))
	for i, m := range providerMarkers {
		markers[i] = strings.ToLower(m)
	}
	return &Classifier{providerMarkers: markers}
}

var (
	httpStatusRe = regexp.MustCompile(`\b([45]\d\d)(?:\s+([A-Za-z_]+))?`)

	networkMarkers = []string{"econnrefused", "etimedout", "network", "fetch"}

	fsCodes = []string{"ENOENT", "EACCES", "EPERM", "EEXIST", "ENOTDIR"}

	validatorCodes = map[string]string{
		"oneof":    "invalid_enum_value",
		"max":      "too_big",
		"lte":      "too_big",
		"lt":       "too_big",
		"required": "invalid_type",
		"gt":       "invalid_type",
		"gte":      "invalid_type",
		"min":      "invalid_string",
		"eq":       "invalid_literal",
	}
)

// Classify maps err to a fingerprint following the fixed signal order:
// schema validation, provider API, network, filesystem, unknown.
func (c *Classifier) Classify(err error) Fingerprint {
	if err == nil {
		return Fingerprint{Kind: KindUnknown, Code: "unknown"}
	}
	msg := err.Error()

	var schemaErr *SchemaError
	if errors.As(err, &schemaErr) {
		return Fingerprint{
			Kind:    KindValidation,
			Code:    schemaErr.Code,
			Path:    schemaErr.Path,
			Message: msg,
		}
	}

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		first := fieldErrs[0]
		code, ok := validatorCodes[first.Tag()]
		if !ok {
			code = "invalid_type"
		}
		return Fingerprint{
			Kind:    KindValidation,
			Code:    code,
			Path:    dottedPath(first.Namespace()),
			Message: msg,
		}
	}

	lower := strings.ToLower(msg)
	for _, marker := range c.providerMarkers {
		if marker != "" && strings.Contains(lower, marker) {
			return Fingerprint{
				Kind:    KindProviderAPI,
				Code:    providerCode(msg),
				Message: msg,
			}
		}
	}

	for _, marker := range networkMarkers {
		if strings.Contains(lower, marker) {
			return Fingerprint{Kind: KindNetwork, Code: "network_error", Message: msg}
		}
	}

	for _, code := range fsCodes {
		if strings.Contains(msg, code) || strings.Contains(lower, syscallText(code)) {
			return Fingerprint{Kind: KindFilesystem, Code: strings.ToLower(code), Message: msg}
		}
	}

	return Fingerprint{Kind: KindUnknown, Code: "unknown", Message: msg}
}

// ShouldDegrade decides whether a failure warrants moving to the next model
// in the fallback chain. Rate-limit and auth failures never degrade: a
// cheaper model would only mask the misconfiguration.
func ShouldDegrade(fp Fingerprint, usedModels, chainLen int) bool {
	if usedModels >= chainLen {
		return false
	}
	switch fp.Kind {
	case KindValidation:
		switch fp.Code {
		case "invalid_enum_value", "too_big", "invalid_type", "unrecognized_keys", "invalid_string", "invalid_literal":
			return true
		}
		return false
	case KindProviderAPI:
		code := strings.ToLower(fp.Code)
		for _, blocked := range []string{"429", "401", "403", "quota", "unauthorized"} {
			if strings.Contains(code, blocked) {
				return false
			}
		}
		return true
	}
	return false
}

// providerCode extracts "<status>_<reason>" when the message carries an HTTP
// status, else a lowercased error token.
func providerCode(msg string) string {
	if m := httpStatusRe.FindStringSubmatch(msg); m != nil {
		if m[2] != "" && !strings.EqualFold(m[2], "error") {
			return m[1] + "_" + strings.ToLower(m[2])
		}
		return m[1]
	}
	fields := strings.Fields(strings.ToLower(msg))
	if len(fields) > 0 {
		return strings.Trim(fields[len(fields)-1], ".:,")
	}
	return "provider_error"
}

// dottedPath lowers a validator namespace like Script.Segments[0].VisualHint
// to segments[0].visual_hint, dropping the root struct name.
func dottedPath(ns string) string {
	parts := strings.Split(ns, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		parts[i] = snake(p)
	}
	return strings.Join(parts, ".")
}

func snake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && s[i-1] != '[' && s[i-1] != '.' {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func syscallText(code string) string {
	switch code {
	case "ENOENT":
		return "no such file or directory"
	case "EACCES":
		return "permission denied"
	case "EPERM":
		return "operation not permitted"
	case "EEXIST":
		return "file exists"
	case "ENOTDIR":
		return "not a directory"
	}
	return strings.ToLower(code)
}
