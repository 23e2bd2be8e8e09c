// SPDX-License-Identifier: Apache-2.0

// Package reasoning sends a single prompt to one named provider and returns
// the text completion. It never falls back; that is the agent's job.
package reasoning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tmc/langchaingo/llms"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/adiadia/secflow/internal/logging"
	"github.com/adiadia/secflow/internal/metrics"
	"github.com/adiadia/secflow/internal/provider"
)

const (
	defaultTimeout     = 120 * time.Second
	defaultTemperature = 0.3
	defaultMaxTokens   = 2048
	defaultBurst       = 5
)

var ErrMissingCredentials = errors.New("provider credentials not configured")
var ErrEmptyCompletion = errors.New("provider returned no completion")

// ProviderError carries the provider and model that failed.
type ProviderError struct {
	Provider string
	Model    string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s (model %s): %v", e.Provider, e.Model, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

type Request struct {
	Provider    string
	Model       string
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

type Response struct {
	Provider string
	Model    string
	Text     string
	Latency  time.Duration
}

// Completer is the boundary agents depend on.
type Completer interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// ModelFactory builds a langchaingo model for a resolved endpoint.
type ModelFactory func(ep provider.Endpoint, httpClient *http.Client) (llms.Model, error)

type Deps struct {
	Registry   *provider.Registry
	Logger     *slog.Logger
	HTTPClient *http.Client
	Factory    ModelFactory
	// RateLimitPerMin applies to providers that do not set their own limit.
	// Zero disables limiting.
	RateLimitPerMin int
}

type Client struct {
	registry   *provider.Registry
	logger     *slog.Logger
	httpClient *http.Client
	factory    ModelFactory
	defaultRPM int
	tracer     trace.Tracer

	mu       sync.Mutex
	models   map[string]llms.Model
	limiters map[string]*rate.Limiter
}

func New(d Deps) *Client {
	registry := d.Registry
	if registry == nil {
		registry = provider.Default()
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := d.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	factory := d.Factory
	if factory == nil {
		factory = NewModel
	}

	return &Client{
		registry:   registry,
		logger:     logging.Component(logger, "reasoning"),
		httpClient: httpClient,
		factory:    factory,
		defaultRPM: d.RateLimitPerMin,
		tracer:     otel.Tracer("github.com/adiadia/secflow/internal/reasoning"),
		models:     make(map[string]llms.Model),
		limiters:   make(map[string]*rate.Limiter),
	}
}

// Complete performs exactly one request against req.Provider.
func (c *Client) Complete(ctx context.Context, req Request) (Response, error) {
	ctx, span := c.tracer.Start(ctx, "reasoning.Complete", trace.WithAttributes(
		attribute.String("provider", req.Provider),
		attribute.String("model", req.Model),
	))
	defer span.End()

	resp, err := c.complete(ctx, req)
	metrics.IncProviderAttempt(req.Provider, err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("completion failed", "provider", req.Provider, "model", req.Model, "error", err)
		return Response{}, &ProviderError{Provider: req.Provider, Model: req.Model, Err: err}
	}

	c.logger.Debug("completion ok",
		"provider", req.Provider,
		"model", req.Model,
		"latency_ms", resp.Latency.Milliseconds(),
		"chars", len(resp.Text),
	)
	return resp, nil
}

func (c *Client) complete(ctx context.Context, req Request) (Response, error) {
	p, err := c.registry.Provider(req.Provider)
	if err != nil {
		return Response{}, err
	}
	ep, err := c.registry.Resolve(req.Provider, req.Model)
	if err != nil {
		return Response{}, err
	}

	model, err := c.model(ep)
	if err != nil {
		return Response{}, err
	}

	if lim := c.limiter(p); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return Response{}, fmt.Errorf("rate limiter: %w", err)
		}
	}

	timeout := defaultTimeout
	if p.TimeoutSeconds > 0 {
		timeout = time.Duration(p.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	temperature := req.Temperature
	if temperature <= 0 {
		temperature = defaultTemperature
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	start := time.Now()
	out, err := model.GenerateContent(ctx, messages(ep.Kind, req),
		llms.WithTemperature(temperature),
		llms.WithMaxTokens(maxTokens),
	)
	if err != nil {
		return Response{}, err
	}
	if out == nil || len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Content) == "" {
		return Response{}, ErrEmptyCompletion
	}

	return Response{
		Provider: req.Provider,
		Model:    req.Model,
		Text:     out.Choices[0].Content,
		Latency:  time.Since(start),
	}, nil
}

// messages builds the conversation. Anthropic receives the system text folded
// into the user turn.
func messages(kind provider.Kind, req Request) []llms.MessageContent {
	if strings.TrimSpace(req.System) == "" {
		return []llms.MessageContent{llms.TextParts(llms.ChatMessageTypeHuman, req.Prompt)}
	}
	if kind == provider.KindAnthropic {
		return []llms.MessageContent{llms.TextParts(llms.ChatMessageTypeHuman, req.System+"\n\n"+req.Prompt)}
	}
	return []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, req.System),
		llms.TextParts(llms.ChatMessageTypeHuman, req.Prompt),
	}
}

func (c *Client) model(ep provider.Endpoint) (llms.Model, error) {
	key := ep.Provider + "/" + ep.Model

	c.mu.Lock()
	defer c.mu.Unlock()

	if m, ok := c.models[key]; ok {
		return m, nil
	}
	m, err := c.factory(ep, c.httpClient)
	if err != nil {
		return nil, err
	}
	c.models[key] = m
	return m, nil
}

func (c *Client) limiter(p provider.Provider) *rate.Limiter {
	rpm := p.RateLimitPerMin
	if rpm <= 0 {
		rpm = c.defaultRPM
	}
	if rpm <= 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if lim, ok := c.limiters[p.Name]; ok {
		return lim
	}
	lim := rate.NewLimiter(rate.Limit(float64(rpm)/60.0), defaultBurst)
	c.limiters[p.Name] = lim
	return lim
}
