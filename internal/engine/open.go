package engine

import (
	"net/url"
	"strings"

	"github.com/kalambet/pixella/internal/apperr"
)

// DefaultOllamaURL is used when ollama.base_url is empty.
const DefaultOllamaURL = "http://localhost:11434"

// Open returns the engine for the Ollama server at baseURL. Anything other
// than an absolute http or https URL is rejected as a validation error so a
// typo surfaces at startup instead of on the first embedding call.
func Open(baseURL string) (*OllamaEngine, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, apperr.Validation("ollama.base_url %q must be an absolute http or https URL", baseURL)
	}
	return NewOllamaEngine(baseURL), nil
}
