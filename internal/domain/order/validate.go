package order

import (
	"fmt"
	"net/mail"
	"strings"
)

// FieldError is one violated rule.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError lists every field that failed validation.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Reason
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Rule checks a single value. present is false when the key was absent. It
// returns an empty string when the value passes.
type Rule func(v any, present bool) string

// Field binds rules to a document key. Rules run in order and stop at the
// first violation.
type Field struct {
	Name  string
	Rules []Rule
}

// Schema validates loosely typed documents such as decoded JSON objects.
type Schema []Field

// Validate evaluates every field and accumulates violations. It returns nil
// or a *ValidationError.
func (s Schema) Validate(doc map[string]any) error {
	var fields []FieldError
	for _, f := range s {
		v, ok := doc[f.Name]
		for _, rule := range f.Rules {
			if reason := rule(v, ok); reason != "" {
				fields = append(fields, FieldError{Field: f.Name, Reason: reason})
				break
			}
		}
	}
	if len(fields) == 0 {
		return nil
	}
	return &ValidationError{Fields: fields}
}

// Required rejects absent and null values.
func Required(v any, present bool) string {
	if !present || v == nil {
		return "is required"
	}
	return ""
}

// String rejects non-string values.
func String(v any, _ bool) string {
	if _, ok := v.(string); !ok {
		return fmt.Sprintf("must be a string, got %T", v)
	}
	return ""
}

// NotBlank rejects strings that are empty after trimming.
func NotBlank(v any, _ bool) string {
	if s, _ := v.(string); strings.TrimSpace(s) == "" {
		return "must not be empty"
	}
	return ""
}

// Email rejects strings that are not a bare address such as
// mei@example.com. Display names are not accepted.
func Email(v any, _ bool) string {
	s, _ := v.(string)
	s = strings.TrimSpace(s)
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Name != "" || addr.Address != s {
		return "must be an email address"
	}
	return ""
}

// buyerSchema describes the user object accepted at checkout.
var buyerSchema = Schema{
	{Name: "name", Rules: []Rule{Required, String, NotBlank}},
	{Name: "email", Rules: []Rule{Required, String, NotBlank, Email}},
	{Name: "tel", Rules: []Rule{Required, String, NotBlank}},
	{Name: "address", Rules: []Rule{Required, String, NotBlank}},
}

// ParseBuyer validates a decoded user object and converts it to a Buyer.
func ParseBuyer(doc map[string]any) (Buyer, error) {
	if doc == nil {
		return Buyer{}, &ValidationError{Fields: []FieldError{{Field: "user", Reason: "is required"}}}
	}
	if err := buyerSchema.Validate(doc); err != nil {
		return Buyer{}, err
	}
	return Buyer{
		Name:    strings.TrimSpace(doc["name"].(string)),
		Email:   strings.TrimSpace(doc["email"].(string)),
		Tel:     strings.TrimSpace(doc["tel"].(string)),
		Address: strings.TrimSpace(doc["address"].(string)),
	}, nil
}
