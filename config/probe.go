package config

import (
	"context"
	"fmt"
	"time"

	"github.com/jfletcher/palaver/llm"
)

// probeTimeout bounds one provider listing call.
const probeTimeout = 15 * time.Second

// VerifyModel checks a model against the provider's live model list and
// returns whether it is present.
func VerifyModel(ctx context.Context, client llm.Client, wireName string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	models, err := client.ListModels(ctx)
	if err != nil {
		return false, fmt.Errorf("verify %s: %w", wireName, err)
	}
	for _, m := range models {
		if m.ID == wireName {
			return true, nil
		}
	}
	return false, nil
}

// VerifyAll probes every model in the config and sets Verified in place. A
// provider that cannot be listed leaves its models unverified; the first
// error is returned after all providers are tried.
func (c *Config) VerifyAll(ctx context.Context) error {
	clients := make(map[string]llm.Client, len(c.Providers))
	var firstErr error

	for i := range c.Models {
		m := &c.Models[i]
		client, ok := clients[m.ProviderID]
		if !ok {
			provider, found := c.Provider(m.ProviderID)
			if !found {
				continue
			}
			var err error
			client, err = llm.NewClient(provider.Endpoint())
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			clients[m.ProviderID] = client
		}

		verified, err := VerifyModel(ctx, client, m.Name)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		m.Verified = verified
	}
	return firstErr
}
