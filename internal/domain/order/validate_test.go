package order

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchema_Validate(t *testing.T) {
	schema := Schema{
		{Name: "a", Rules: []Rule{Required, String, NotBlank}},
		{Name: "b", Rules: []Rule{Required, String}},
	}

	tests := []struct {
		name string
		doc  map[string]any
		want []FieldError
	}{
		{
			name: "all valid",
			doc:  map[string]any{"a": "x", "b": ""},
		},
		{
			name: "missing keys",
			doc:  map[string]any{},
			want: []FieldError{{Field: "a", Reason: "is required"}, {Field: "b", Reason: "is required"}},
		},
		{
			name: "wrong type stops at the first rule",
			doc:  map[string]any{"a": 1.5, "b": true},
			want: []FieldError{{Field: "a", Reason: "must be a string, got float64"}, {Field: "b", Reason: "must be a string, got bool"}},
		},
		{
			name: "blank string",
			doc:  map[string]any{"a": "\t ", "b": "ok"},
			want: []FieldError{{Field: "a", Reason: "must not be empty"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := schema.Validate(tt.doc)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.want, ve.Fields)
		})
	}
}

func TestParseBuyer_Trims(t *testing.T) {
	b, err := ParseBuyer(map[string]any{
		"name":    " Mei ",
		"email":   "mei@example.com",
		"tel":     "0912",
		"address": " Taipei",
	})
	require.NoError(t, err)
	assert.Equal(t, Buyer{Name: "Mei", Email: "mei@example.com", Tel: "0912", Address: "Taipei"}, b)
}

func TestParseBuyer_Email(t *testing.T) {
	tests := []struct {
		email string
		ok    bool
	}{
		{email: "mei@example.com", ok: true},
		{email: "  mei.lin+shop@example.com.tw ", ok: true},
		{email: "not-an-email"},
		{email: "mei@"},
		{email: "@example.com"},
		{email: "Mei <mei@example.com>"},
		{email: "mei@example.com, bob@example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.email, func(t *testing.T) {
			_, err := ParseBuyer(map[string]any{
				"name":    "Mei",
				"email":   tt.email,
				"tel":     "0912",
				"address": "Taipei",
			})
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, []FieldError{{Field: "email", Reason: "must be an email address"}}, ve.Fields)
		})
	}
}

func TestValidationError_MessageListsFields(t *testing.T) {
	err := &ValidationError{Fields: []FieldError{{Field: "name", Reason: "is required"}, {Field: "tel", Reason: "must not be empty"}}}
	assert.Equal(t, "validation failed: name: is required; tel: must not be empty", err.Error())
}
