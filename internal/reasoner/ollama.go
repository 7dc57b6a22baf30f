// ABOUTME: Ollama /api/generate client with blocking and streaming generation
// ABOUTME: Ping checks /api/tags so startup can warn when the model is not pulled

package reasoner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389/agent-edge/internal/telemetry"
)

// ErrUnavailable means the model server could not produce an answer.
var ErrUnavailable = errors.New("reasoner unavailable")

const (
	DefaultBaseURL     = "http://localhost:11434"
	DefaultModel       = "lfm2.5-thinking"
	DefaultTimeout     = 120 * time.Second
	DefaultMaxTokens   = 256
	DefaultTemperature = 0.7
	DefaultTopP        = 0.9

	pingTimeout = 5 * time.Second
)

// Reasoner produces free-text analysis for a prompt.
type Reasoner interface {
	Analyze(ctx context.Context, prompt string) (string, error)
	Stream(ctx context.Context, prompt string, onToken func(token string) error) error
}

// Config holds the model server address and sampling options.
type Config struct {
	BaseURL     string        `yaml:"url" toml:"url"`
	Model       string        `yaml:"model" toml:"model"`
	Timeout     time.Duration `yaml:"-" toml:"-"`
	MaxTokens   int           `yaml:"max_tokens" toml:"max_tokens"`
	Temperature float64       `yaml:"temperature" toml:"temperature"`
	TopP        float64       `yaml:"top_p" toml:"top_p"`
}

// Ollama is a Reasoner backed by an Ollama server.
type Ollama struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
	tracer trace.Tracer
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	NumPredict  int     `json:"num_predict"`
}

type generateChunk struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// NewOllama creates an Ollama reasoner, filling zero config values with defaults.
func NewOllama(cfg Config, httpClient *http.Client, logger *slog.Logger) *Ollama {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.TopP <= 0 {
		cfg.TopP = DefaultTopP
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ollama{
		cfg:    cfg,
		http:   httpClient,
		logger: logger.With("component", "reasoner", "model", cfg.Model),
		tracer: telemetry.Tracer("agent-edge/reasoner"),
	}
}

// Model returns the configured model name.
func (o *Ollama) Model() string {
	return o.cfg.Model
}

// Analyze runs a blocking generation and returns the full response text.
func (o *Ollama) Analyze(ctx context.Context, prompt string) (string, error) {
	ctx, span := o.tracer.Start(ctx, "reasoner.analyze", trace.WithAttributes(
		attribute.String("reasoner.model", o.cfg.Model),
		attribute.Int("reasoner.prompt_len", len(prompt)),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	resp, err := o.generate(ctx, prompt, false)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	defer resp.Body.Close()

	var chunk generateChunk
	if err := json.NewDecoder(resp.Body).Decode(&chunk); err != nil {
		err = fmt.Errorf("%w: decode response: %w", ErrUnavailable, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	if chunk.Error != "" {
		return "", fmt.Errorf("%w: %s", ErrUnavailable, chunk.Error)
	}

	span.SetAttributes(attribute.Int("reasoner.response_len", len(chunk.Response)))
	return chunk.Response, nil
}

// Stream runs a streaming generation, calling onToken for each non-empty
// token until the server reports done. An error from onToken stops the stream
// and is returned as-is.
func (o *Ollama) Stream(ctx context.Context, prompt string, onToken func(token string) error) error {
	ctx, span := o.tracer.Start(ctx, "reasoner.stream", trace.WithAttributes(
		attribute.String("reasoner.model", o.cfg.Model),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	resp, err := o.generate(ctx, prompt, true)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	defer resp.Body.Close()

	tokens := 0
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk generateChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return fmt.Errorf("%w: decode stream chunk: %w", ErrUnavailable, err)
		}
		if chunk.Error != "" {
			return fmt.Errorf("%w: %s", ErrUnavailable, chunk.Error)
		}
		if chunk.Response != "" {
			tokens++
			if err := onToken(chunk.Response); err != nil {
				return err
			}
		}
		if chunk.Done {
			span.SetAttributes(attribute.Int("reasoner.tokens", tokens))
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%w: read stream: %w", ErrUnavailable, err)
	}
	span.SetAttributes(attribute.Int("reasoner.tokens", tokens))
	return nil
}

// Ping reports whether the server is reachable and has the model pulled.
// Ollama lists models with a ":tag" suffix, so "m" matches "m:latest".
func (o *Ollama) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.cfg.BaseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	resp, err := o.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: tags returned HTTP %d", ErrUnavailable, resp.StatusCode)
	}

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return fmt.Errorf("%w: decode tags: %w", ErrUnavailable, err)
	}

	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		if m.Name == o.cfg.Model || strings.HasPrefix(m.Name, o.cfg.Model+":") {
			return nil
		}
		names = append(names, m.Name)
	}
	return fmt.Errorf("%w: model %s not found (available: %s); run: ollama pull %s",
		ErrUnavailable, o.cfg.Model, strings.Join(names, ", "), o.cfg.Model)
}

func (o *Ollama) generate(ctx context.Context, prompt string, stream bool) (*http.Response, error) {
	body, err := json.Marshal(generateRequest{
		Model:  o.cfg.Model,
		Prompt: prompt,
		Stream: stream,
		Options: generateOptions{
			Temperature: o.cfg.Temperature,
			TopP:        o.cfg.TopP,
			NumPredict:  o.cfg.MaxTokens,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.BaseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: generate returned HTTP %d: %s",
			ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	o.logger.Debug("generation started", "stream", stream, "prompt_len", len(prompt))
	return resp, nil
}
