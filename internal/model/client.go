// Package model submits rendered prompts to the generative model service and
// returns parsed, validated JSON results. The service is treated as an
// untrusted, possibly slow, possibly malformed responder.
package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"encoding/json"

	"github.com/ollama/ollama/api"

	"draftline/internal/config"
	"draftline/internal/domain"
	"draftline/internal/taskerr"
)

// Invoker is the boundary the orchestrator depends on.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (json.RawMessage, error)
}

// Request carries one model invocation. AllowedRefs, when set, is the set of
// section ids submitted in the prompt; ids the model echoes back outside this
// set are dropped from the result.
type Request struct {
	System      string
	User        string
	Config      domain.GenerationConfig
	AllowedRefs []string
}

type chatFunc func(ctx context.Context, req *api.ChatRequest, fn api.ChatResponseFunc) error

type Client struct {
	cfg  config.ModelConfig
	chat chatFunc
	log  *slog.Logger
}

// New builds a client over the model endpoint. The connect timeout lives on
// the dialer; the read timeout is a per-invocation context deadline, so the
// two bound different failure modes independently.
func New(cfg config.ModelConfig, log *slog.Logger) (*Client, error) {
	base, err := url.Parse(cfg.Host)
	if err != nil {
		return nil, fmt.Errorf("model host %q: %w", cfg.Host, err)
	}
	if log == nil {
		log = slog.Default()
	}
	httpClient := &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{Timeout: cfg.ConnectTimeout()}).DialContext,
		},
	}
	return &Client{cfg: cfg, chat: api.NewClient(base, httpClient).Chat, log: log}, nil
}

// Invoke submits the prompts and returns the extracted JSON result.
// Connection-level failures are retried with bounded exponential backoff;
// a call that exceeded the read timeout is never retried, because the
// service may have done the (billable) work already.
func (c *Client) Invoke(ctx context.Context, req Request) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ReadTimeout())
	defer cancel()

	stream := false
	chatReq := &api.ChatRequest{
		Model: req.Config.Model,
		Messages: []api.Message{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		},
		Stream:  &stream,
		Options: map[string]any{"temperature": req.Config.Temperature},
	}

	var out string
	delay := c.cfg.BackoffInitial()
	for attempt := 1; ; attempt++ {
		var sb strings.Builder
		err := c.chat(ctx, chatReq, func(r api.ChatResponse) error {
			sb.WriteString(r.Message.Content)
			return nil
		})
		if err == nil {
			out = sb.String()
			break
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, taskerr.Newf(taskerr.CodeModelTimeout,
				"model call exceeded %s read timeout", c.cfg.ReadTimeout())
		}
		if ctx.Err() != nil {
			// caller cancellation, not a timeout
			return nil, fmt.Errorf("model call canceled: %w", ctx.Err())
		}
		if !retryable(err) || attempt >= c.cfg.MaxAttempts {
			return nil, taskerr.Newf(taskerr.CodeModelError, "model call failed: %v", err)
		}
		c.logger().Warn("model call failed, retrying",
			"attempt", attempt, "max_attempts", c.cfg.MaxAttempts, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, taskerr.Newf(taskerr.CodeModelTimeout,
					"model call exceeded %s read timeout", c.cfg.ReadTimeout())
			}
			return nil, fmt.Errorf("model call canceled: %w", ctx.Err())
		}
		delay *= 2
		if max := c.cfg.BackoffMax(); delay > max {
			delay = max
		}
	}

	raw, err := ExtractJSON(out)
	if err != nil {
		return nil, err
	}
	if len(req.AllowedRefs) > 0 {
		raw = FilterSectionRefs(raw, req.AllowedRefs)
	}
	return raw, nil
}

func (c *Client) logger() *slog.Logger {
	if c.log != nil {
		return c.log
	}
	return slog.Default()
}

// retryable reports whether err is a connection-level failure (network,
// throttling, upstream overload) worth re-attempting.
func retryable(err error) bool {
	var se api.StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}
