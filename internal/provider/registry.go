// Package provider holds the static configuration of every AI provider the
// router can dispatch to: where to send a query, how to shape the body and
// how to authenticate. Nothing here has side effects.
package provider

import (
	"strings"

	"github.com/felipepmaragno/ai-router/internal/domain"
	"github.com/felipepmaragno/ai-router/internal/transport"
)

const (
	OpenAI  = "openai"
	Claude  = "claude"
	Bedrock = "bedrock"
)

// PayloadBuilder turns a query into the provider's request body.
type PayloadBuilder func(model, query string) any

// HeaderBuilder returns the auth and tracing headers for one call.
type HeaderBuilder func(apiKey, traceID string) map[string]string

// Config is immutable once registered.
type Config struct {
	Name      string
	Endpoint  string
	Model     string
	Transport transport.Kind
	// APIKeyName is the secret holding the key, empty when the transport
	// authenticates on its own (Bedrock uses the AWS credential chain).
	APIKeyName string
	Payload    PayloadBuilder
	Headers    HeaderBuilder
}

type Registry struct {
	configs map[string]Config
	names   []string
}

// NewRegistry registers configs in order. Registration order is the
// tie-breaker when two providers are equally healthy.
func NewRegistry(configs ...Config) *Registry {
	r := &Registry{configs: make(map[string]Config, len(configs))}
	for _, c := range configs {
		if _, exists := r.configs[c.Name]; !exists {
			r.names = append(r.names, c.Name)
		}
		r.configs[c.Name] = c
	}
	return r
}

func (r *Registry) Get(name string) (Config, error) {
	c, ok := r.configs[name]
	if !ok {
		return Config{}, &domain.UnsupportedProviderError{Provider: name}
	}
	return c, nil
}

func (r *Registry) Names() []string {
	names := make([]string, len(r.names))
	copy(names, r.names)
	return names
}

func BuildPayload(c Config, query string) any {
	return c.Payload(c.Model, query)
}

func BuildHeaders(c Config, apiKey, traceID string) map[string]string {
	if c.Headers == nil {
		return map[string]string{}
	}
	return c.Headers(apiKey, traceID)
}

// APIKeyName follows the {PROVIDER}_API_KEY convention.
func APIKeyName(provider string) string {
	return strings.ToUpper(provider) + "_API_KEY"
}
