// Package schema validates inbound payloads against JSON schemas.
package schema

import (
	"bytes"
	"context"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	js "github.com/santhosh-tekuri/jsonschema/v5"

	"bypassd/internal/apperr"
)

//go:embed bypass_request.json
var bypassRequestSchema []byte

// BypassRequestSchema returns the built-in schema for submitBypass bodies
func BypassRequestSchema() []byte {
	return append([]byte(nil), bypassRequestSchema...)
}

type Compiler struct {
	mu           sync.Mutex // js.Compiler is not safe for concurrent use
	compiler     *js.Compiler
	cache        *expirable.LRU[string, *js.Schema]
	refAllowlist []string // Allowed URL patterns for $ref resolution
}

// NewCompilerWithCache creates a new compiler with cache
func NewCompilerWithCache(maxSize int) *Compiler {
	return NewCompilerWithCacheAndAllowlist(maxSize, nil)
}

// NewCompilerWithCacheAndAllowlist creates a new compiler with cache and $ref allowlist
func NewCompilerWithCacheAndAllowlist(maxSize int, allowlist []string) *Compiler {
	c := js.NewCompiler()
	c.Draft = js.Draft7

	return &Compiler{
		compiler:     c,
		cache:        expirable.NewLRU[string, *js.Schema](maxSize, nil, time.Hour),
		refAllowlist: allowlist,
	}
}

// matchesPattern checks if a URL matches an allowlist pattern: exact,
// trailing "*" prefix, or same host.
func matchesPattern(urlStr, pattern string) bool {
	if urlStr == pattern {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(urlStr, strings.TrimSuffix(pattern, "*"))
	}
	u1, err1 := url.Parse(urlStr)
	u2, err2 := url.Parse(pattern)
	return err1 == nil && err2 == nil && u1.Host != "" && u1.Host == u2.Host
}

func key(doc []byte) string {
	sum := sha256.Sum256(doc)
	return hex.EncodeToString(sum[:])
}

// Prepare compiles and caches a schema document
func (c *Compiler) Prepare(ctx context.Context, doc []byte) (*js.Schema, error) {
	k := key(doc)
	if compiled, ok := c.cache.Get(k); ok {
		return compiled, nil
	}

	var raw interface{}
	if err := json.Unmarshal(doc, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse schema: %w", err)
	}
	if err := c.validateRefs(raw); err != nil {
		return nil, fmt.Errorf("$ref validation failed: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	resourceURL := fmt.Sprintf("mem://schema/%s.json", k[:16])
	if err := c.compiler.AddResource(resourceURL, bytes.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("failed to add resource: %w", err)
	}
	compiled, err := c.compiler.Compile(resourceURL)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	c.cache.Add(k, compiled)
	return compiled, nil
}

// validateRefs recursively validates all $ref URLs in a schema against the allowlist
func (c *Compiler) validateRefs(schema interface{}) error {
	switch v := schema.(type) {
	case map[string]interface{}:
		if ref, ok := v["$ref"].(string); ok && !c.isRefAllowed(ref) {
			return fmt.Errorf("$ref URL not allowed: %s (not in allowlist)", ref)
		}
		for _, val := range v {
			if err := c.validateRefs(val); err != nil {
				return err
			}
		}
	case []interface{}:
		for _, item := range v {
			if err := c.validateRefs(item); err != nil {
				return err
			}
		}
	}
	return nil
}

// isRefAllowed reports whether a $ref may be resolved; local refs always are
func (c *Compiler) isRefAllowed(refURL string) bool {
	if len(c.refAllowlist) == 0 || strings.HasPrefix(refURL, "#") {
		return true
	}
	for _, pattern := range c.refAllowlist {
		if matchesPattern(refURL, pattern) {
			return true
		}
	}
	return false
}

// Validate checks a JSON document against a schema. Failures are InvalidInput
// errors naming the offending location.
func (c *Compiler) Validate(ctx context.Context, doc, value []byte) error {
	compiled, err := c.Prepare(ctx, doc)
	if err != nil {
		return err
	}

	var v interface{}
	if err := json.Unmarshal(value, &v); err != nil {
		return apperr.Wrap(err, apperr.InvalidInput, "body is not valid JSON")
	}
	if err := compiled.Validate(v); err != nil {
		var ve *js.ValidationError
		if errors.As(err, &ve) {
			return apperr.New(apperr.InvalidInput, describe(ve))
		}
		return apperr.Wrap(err, apperr.InvalidInput, "validation failed")
	}
	return nil
}

// describe flattens the deepest causes into one line
func describe(ve *js.ValidationError) string {
	var parts []string
	var walk func(e *js.ValidationError)
	walk = func(e *js.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			parts = append(parts, fmt.Sprintf("%s: %s", loc, e.Message))
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(ve)
	return "validation failed: " + strings.Join(parts, "; ")
}

// RequestValidator validates submitBypass bodies
type RequestValidator struct {
	compiler *Compiler
	doc      []byte
}

// NewRequestValidator uses doc, or the built-in schema when doc is empty
func NewRequestValidator(c *Compiler, doc []byte) (*RequestValidator, error) {
	if len(doc) == 0 {
		doc = bypassRequestSchema
	}
	if _, err := c.Prepare(context.Background(), doc); err != nil {
		return nil, err
	}
	return &RequestValidator{compiler: c, doc: doc}, nil
}

func (v *RequestValidator) Validate(ctx context.Context, body []byte) error {
	return v.compiler.Validate(ctx, v.doc, body)
}
