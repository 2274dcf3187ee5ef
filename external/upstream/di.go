package upstream

import (
	"fmt"

	"github.com/foxseedlab/koe-relay/internal/config"
	"github.com/foxseedlab/koe-relay/internal/upstream"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (upstream.Dialer, error) {
		c := do.MustInvoke[*config.Config](i)
		switch c.UpstreamProvider {
		case config.UpstreamProviderWebSocket:
			return NewWebSocketDialer(WebSocketConfig{
				URL:        c.UpstreamURL,
				APIKey:     c.UpstreamAPIKey,
				AuthScheme: c.UpstreamAuthScheme,
			}), nil
		case config.UpstreamProviderCloudSpeech:
			return NewCloudSpeechDialer(CloudSpeechConfig{
				ProjectID:       c.GoogleCloudProjectID,
				CredentialsJSON: c.GoogleCloudCredentialsJSON,
				Location:        c.GoogleCloudSpeechLocation,
			}), nil
		}
		return nil, fmt.Errorf("unknown upstream provider %q", c.UpstreamProvider)
	})
}
