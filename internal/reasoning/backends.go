// SPDX-License-Identifier: Apache-2.0

package reasoning

import (
	"fmt"
	"net/http"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/adiadia/secflow/internal/provider"
)

// gateways without auth still need a non-empty token for the openai client
const placeholderToken = "unused"

// NewModel builds the langchaingo backend for ep.
func NewModel(ep provider.Endpoint, httpClient *http.Client) (llms.Model, error) {
	switch ep.Kind {
	case provider.KindOpenAI:
		if ep.APIKey == "" {
			return nil, ErrMissingCredentials
		}
		opts := []openai.Option{
			openai.WithToken(ep.APIKey),
			openai.WithModel(ep.Model),
			openai.WithHTTPClient(httpClient),
		}
		if ep.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(ep.BaseURL))
		}
		return openai.New(opts...)

	case provider.KindAzure:
		if ep.APIKey == "" || ep.BaseURL == "" {
			return nil, ErrMissingCredentials
		}
		return openai.New(
			openai.WithToken(ep.APIKey),
			openai.WithModel(ep.Model),
			openai.WithBaseURL(ep.BaseURL),
			openai.WithAPIType(openai.APITypeAzure),
			openai.WithAPIVersion(ep.APIVersion),
			openai.WithHTTPClient(httpClient),
		)

	case provider.KindAnthropic:
		if ep.APIKey == "" {
			return nil, ErrMissingCredentials
		}
		opts := []anthropic.Option{
			anthropic.WithToken(ep.APIKey),
			anthropic.WithModel(ep.Model),
			anthropic.WithHTTPClient(httpClient),
		}
		if ep.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(ep.BaseURL))
		}
		return anthropic.New(opts...)

	case provider.KindOpenAICompat:
		if ep.BaseURL == "" {
			return nil, ErrMissingCredentials
		}
		token := ep.APIKey
		if token == "" {
			token = placeholderToken
		}
		return openai.New(
			openai.WithToken(token),
			openai.WithModel(ep.Model),
			openai.WithBaseURL(ep.BaseURL),
			openai.WithHTTPClient(httpClient),
		)
	}
	return nil, fmt.Errorf("unsupported provider kind %q", ep.Kind)
}
