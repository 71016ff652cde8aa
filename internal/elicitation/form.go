package elicitation

import (
	"fmt"
	"net/mail"
	"net/url"
	"sort"
	"strings"
	"time"
)

// FormProperty constrains one field of a form.
type FormProperty struct {
	Type        string   `json:"type"` // string | number | integer | boolean
	Description string   `json:"description,omitempty"`
	MinLength   *int     `json:"minLength,omitempty"`
	MaxLength   *int     `json:"maxLength,omitempty"`
	Format      string   `json:"format,omitempty"` // email | uri | date | date-time
	Minimum     *float64 `json:"minimum,omitempty"`
	Maximum     *float64 `json:"maximum,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

// FormSchema is the validated shape of a form elicitation.
type FormSchema struct {
	Properties map[string]FormProperty `json:"properties"`
	Required   []string                `json:"required,omitempty"`
}

// Validate checks submitted values against the schema and returns one
// message per violation, in a deterministic order. An empty slice means
// the submission is valid.
func (s *FormSchema) Validate(values map[string]any) []string {
	var violations []string

	for _, name := range s.Required {
		if v, ok := values[name]; !ok || v == nil {
			violations = append(violations, fmt.Sprintf("%s: required field missing", name))
		}
	}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		prop, ok := s.Properties[name]
		if !ok {
			violations = append(violations, fmt.Sprintf("%s: unknown field", name))
			continue
		}
		violations = append(violations, validateProperty(name, prop, values[name])...)
	}

	sort.Strings(violations)
	return violations
}

func validateProperty(name string, prop FormProperty, value any) []string {
	var out []string
	switch prop.Type {
	case "string":
		str, ok := value.(string)
		if !ok {
			return []string{fmt.Sprintf("%s: expected string", name)}
		}
		if prop.MinLength != nil && len(str) < *prop.MinLength {
			out = append(out, fmt.Sprintf("%s: shorter than minimum length %d", name, *prop.MinLength))
		}
		if prop.MaxLength != nil && len(str) > *prop.MaxLength {
			out = append(out, fmt.Sprintf("%s: exceeds maximum length %d", name, *prop.MaxLength))
		}
		if prop.Format != "" {
			if err := validateFormat(prop.Format, str); err != "" {
				out = append(out, fmt.Sprintf("%s: %s", name, err))
			}
		}
		if len(prop.Enum) > 0 && !contains(prop.Enum, str) {
			out = append(out, fmt.Sprintf("%s: %q is not one of %s", name, str, strings.Join(prop.Enum, ", ")))
		}
	case "number", "integer":
		num, ok := toFloat(value)
		if !ok {
			return []string{fmt.Sprintf("%s: expected %s", name, prop.Type)}
		}
		if prop.Type == "integer" && num != float64(int64(num)) {
			out = append(out, fmt.Sprintf("%s: expected integer", name))
		}
		if prop.Minimum != nil && num < *prop.Minimum {
			out = append(out, fmt.Sprintf("%s: below minimum %v", name, *prop.Minimum))
		}
		if prop.Maximum != nil && num > *prop.Maximum {
			out = append(out, fmt.Sprintf("%s: above maximum %v", name, *prop.Maximum))
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			out = append(out, fmt.Sprintf("%s: expected boolean", name))
		}
	default:
		out = append(out, fmt.Sprintf("%s: unsupported property type %q", name, prop.Type))
	}
	return out
}

func validateFormat(format, value string) string {
	switch format {
	case "email":
		if _, err := mail.ParseAddress(value); err != nil {
			return "not a valid email address"
		}
	case "uri":
		u, err := url.Parse(value)
		if err != nil || u.Scheme == "" {
			return "not a valid URI"
		}
	case "date":
		if _, err := time.Parse("2006-01-02", value); err != nil {
			return "not a valid date (YYYY-MM-DD)"
		}
	case "date-time":
		if _, err := time.Parse(time.RFC3339, value); err != nil {
			return "not a valid RFC 3339 date-time"
		}
	default:
		return fmt.Sprintf("unsupported format %q", format)
	}
	return ""
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
