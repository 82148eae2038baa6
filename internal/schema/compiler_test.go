package schema

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bypassd/internal/apperr"
)

func TestCompiler_PrepareCaches(t *testing.T) {
	compiler := NewCompilerWithCache(64)
	ctx := context.Background()
	doc := []byte(`{"type":"object","properties":{"name":{"type":"string"}},"required":["name"]}`)

	first, err := compiler.Prepare(ctx, doc)
	require.NoError(t, err)
	second, err := compiler.Prepare(ctx, doc)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, compiler.cache.Len())
}

func TestCompiler_Validate(t *testing.T) {
	compiler := NewCompilerWithCache(64)
	ctx := context.Background()
	doc := []byte(`{"type":"object","properties":{"name":{"type":"string"}},"required":["name"]}`)

	assert.NoError(t, compiler.Validate(ctx, doc, []byte(`{"name":"test"}`)))

	err := compiler.Validate(ctx, doc, []byte(`{}`))
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.InvalidInput))

	err = compiler.Validate(ctx, doc, []byte(`{not json`))
	assert.True(t, apperr.IsKind(err, apperr.InvalidInput))
}

func TestCompiler_RefAllowlist(t *testing.T) {
	compiler := NewCompilerWithCacheAndAllowlist(8, []string{"https://schemas.example.com/*"})
	_, err := compiler.Prepare(context.Background(), []byte(`{"$ref":"https://evil.example.org/x.json"}`))
	assert.ErrorContains(t, err, "not allowed")

	assert.True(t, matchesPattern("https://schemas.example.com/a.json", "https://schemas.example.com/*"))
	assert.True(t, compiler.isRefAllowed("#/definitions/flag"))
}

func TestRequestValidator(t *testing.T) {
	v, err := NewRequestValidator(NewCompilerWithCache(8), nil)
	require.NoError(t, err)
	ctx := context.Background()

	tests := []struct {
		name string
		body string
		ok   bool
	}{
		{"minimal", `{"requestId":"r1","reasonCategory":"comp","riskScore":10}`, true},
		{"full", `{"requestId":"r1","reasonCategory":"comp","riskScore":90,"financialImpact":1200.5,
			"urgencyHint":"critical","securityFlags":[{"kind":"fraud","severity":"warning"}],
			"context":{"isAfterHours":true}}`, true},
		{"missing request id", `{"reasonCategory":"comp","riskScore":10}`, false},
		{"risk out of range", `{"requestId":"r1","reasonCategory":"comp","riskScore":101}`, false},
		{"fractional risk", `{"requestId":"r1","reasonCategory":"comp","riskScore":10.5}`, false},
		{"negative impact", `{"requestId":"r1","reasonCategory":"comp","riskScore":1,"financialImpact":-1}`, false},
		{"unknown urgency", `{"requestId":"r1","reasonCategory":"comp","riskScore":1,"urgencyHint":"asap"}`, false},
		{"bad flag severity", `{"requestId":"r1","reasonCategory":"comp","riskScore":1,"securityFlags":[{"kind":"x","severity":"meh"}]}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(ctx, []byte(tt.body))
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, apperr.IsKind(err, apperr.InvalidInput))
			assert.Contains(t, apperr.Message(err), "validation failed")
		})
	}
}
