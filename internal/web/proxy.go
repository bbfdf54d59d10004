package web

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/inercia/courier/internal/worker"
)

const (
	// csrfTokenHeader is the HTTP header name for CSRF tokens.
	csrfTokenHeader = "X-CSRF-Token"

	// csrfCookieName is the cookie that may carry the CSRF token instead.
	csrfCookieName = "courier_csrf"
)

// csrfTokenFromRequest gets the CSRF token from request header or cookie.
func csrfTokenFromRequest(r *http.Request) string {
	// Header first (preferred for AJAX requests)
	if token := r.Header.Get(csrfTokenHeader); token != "" {
		return token
	}

	// Fall back to the cookie
	if cookie, err := r.Cookie(csrfCookieName); err == nil {
		return cookie.Value
	}

	return ""
}

// ProducerProxy turns prompts into calls against an upstream agent
// backend: a POST submits the prompt, then a GET streams the response
// line by line. The client's CSRF token is forwarded identically on both
// requests - the upstream validates it on every path, so forwarding it
// on one leg but not the other breaks the stream.
type ProducerProxy struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewProducerProxy creates a proxy for the given upstream base URL.
func NewProducerProxy(baseURL string, logger *slog.Logger) *ProducerProxy {
	return &ProducerProxy{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			// No overall timeout: the GET leg is a long-lived stream.
			// Cancellation comes from the request context.
			Timeout: 0,
		},
		logger: logger,
	}
}

// applyCSRF sets the CSRF token header on an upstream request. Both the
// POST and GET legs go through here so the forwarding can never diverge.
func (p *ProducerProxy) applyCSRF(req *http.Request, token string) {
	if token != "" {
		req.Header.Set(csrfTokenHeader, token)
	}
}

// Producer returns a worker.Producer that drives one proxied turn.
func (p *ProducerProxy) Producer(conversationID, message, csrfToken string) worker.Producer {
	return worker.ProducerFunc(func(ctx context.Context, emit func(string)) error {
		if err := p.submitPrompt(ctx, conversationID, message, csrfToken); err != nil {
			return err
		}
		return p.streamResponse(ctx, conversationID, csrfToken, emit)
	})
}

// submitPrompt is the POST leg of a proxied turn.
func (p *ProducerProxy) submitPrompt(ctx context.Context, conversationID, message, csrfToken string) error {
	body, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/conversations/%s/prompt", p.baseURL, conversationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	p.applyCSRF(req, csrfToken)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("upstream prompt request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("upstream prompt rejected: %s", resp.Status)
	}
	return nil
}

// streamResponse is the GET leg: it reads newline-delimited fragments
// from the upstream and emits each one.
func (p *ProducerProxy) streamResponse(ctx context.Context, conversationID, csrfToken string, emit func(string)) error {
	url := fmt.Sprintf("%s/conversations/%s/stream", p.baseURL, conversationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	p.applyCSRF(req, csrfToken)

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("upstream stream request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("upstream stream rejected: %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	lines := 0
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Text()
		if line == "" {
			continue
		}
		emit(line)
		lines++
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("upstream stream read failed: %w", err)
	}

	if p.logger != nil {
		p.logger.Debug("upstream stream finished",
			"conversation_id", conversationID,
			"lines", lines,
			"duration", time.Since(start))
	}
	return nil
}
