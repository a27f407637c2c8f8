package realtime

import (
	"context"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/realtime"
)

// DefaultModel is the default realtime model to negotiate.
const DefaultModel = "gpt-realtime"

// DirectURL is the backend WebSocket endpoint for relay-less connections.
const DirectURL = "wss://api.openai.com/v1/realtime"

// SecretsManager mints ephemeral client secrets using the official SDK so a
// client can connect to the backend directly, without the relay holding a
// long-lived API key.
type SecretsManager struct {
	client *openai.Client
	model  string
}

// NewSecretsManager creates a SecretsManager for the given API key.
func NewSecretsManager(apiKey, model string) *SecretsManager {
	if model == "" {
		model = DefaultModel
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &SecretsManager{client: &client, model: model}
}

// ClientSecret holds an ephemeral key and its expiry.
type ClientSecret struct {
	Value     string
	ExpiresAt int64
}

// Mint creates a new ephemeral client secret for one realtime session.
func (sm *SecretsManager) Mint(ctx context.Context) (*ClientSecret, error) {
	params := realtime.ClientSecretNewParams{
		Session: realtime.ClientSecretNewParamsSessionUnion{
			OfRealtime: &realtime.RealtimeSessionCreateRequestParam{
				Model: realtime.RealtimeSessionCreateRequestModel(sm.model),
			},
		},
	}

	resp, err := sm.client.Realtime.ClientSecrets.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("create client secret: %w", err)
	}

	return &ClientSecret{Value: resp.Value, ExpiresAt: resp.ExpiresAt}, nil
}

// DirectDialer returns a DialFunc that mints a fresh ephemeral secret per
// connection and dials the backend directly.
func (sm *SecretsManager) DirectDialer() DialFunc {
	return func(ctx context.Context) (Conn, error) {
		secret, err := sm.Mint(ctx)
		if err != nil {
			return nil, err
		}
		url := fmt.Sprintf("%s?model=%s", DirectURL, sm.model)
		c := NewClient(ClientConfig{URL: url, BearerToken: secret.Value})
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
		return c, nil
	}
}
