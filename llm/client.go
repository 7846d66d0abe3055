package llm

import (
	"fmt"
	"net/http"
	"time"
)

// httpClientTimeout is the default timeout for HTTP requests
const httpClientTimeout = 10 * time.Minute

// defaultHTTPClient is a shared HTTP client with reasonable timeouts
var defaultHTTPClient = &http.Client{
	Timeout: httpClientTimeout,
}

// Endpoint describes one configured provider connection.
type Endpoint struct {
	Family     Family
	BaseURL    string
	APIKey     string
	APIVersion string // Azure deployments only
	Headers    map[string]string
}

// NewClient constructs the concrete client for an endpoint. This is the one
// place the wire dialect is selected; callers hold a Client and never branch
// on the family again.
func NewClient(ep Endpoint) (Client, error) {
	switch ep.Family {
	case FamilyOpenAI:
		return NewOpenAIClient(ep.BaseURL, ep.APIKey, ep.Headers), nil
	case FamilyAzure:
		return NewAzureClient(ep.BaseURL, ep.APIKey, ep.APIVersion, ep.Headers)
	case FamilyAnthropic:
		return NewAnthropicClient(ep.APIKey, ep.BaseURL), nil
	case FamilyGemini:
		return NewGeminiClient(ep.APIKey), nil
	default:
		return nil, fmt.Errorf("unknown provider family: %q", ep.Family)
	}
}
