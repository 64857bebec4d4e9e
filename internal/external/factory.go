package external

import (
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"

	"courier/internal/types"
)

// FactoryDeps carries process-wide dependencies shared by every adapter.
type FactoryDeps struct {
	AWSConfig     aws.Config
	HTTPClient    *http.Client
	Dial          DialFunc
	ResendBaseURL string
}

// NewAdapter builds the adapter for an integration's provider kind.
func NewAdapter(cfg *types.IntegrationConfig, deps FactoryDeps) (Adapter, error) {
	switch cfg.Provider {
	case types.ProviderSMTP:
		return NewSMTPAdapter(cfg, deps.Dial)
	case types.ProviderResend:
		return NewResendAdapter(cfg, ResendOptions{HTTPClient: deps.HTTPClient, BaseURL: deps.ResendBaseURL})
	case types.ProviderPostmark:
		return NewPostmarkAdapter(cfg)
	case types.ProviderSES:
		return NewSESAdapter(deps.AWSConfig, cfg), nil
	}
	return nil, types.NewAppError(types.ErrCodeValidationInvalidProvider,
		fmt.Sprintf("unsupported provider %q", cfg.Provider), nil)
}
