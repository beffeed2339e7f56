// Package http provides an HTTP client for the addonrules evaluation service.
package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	addonrules "github.com/webshopkit/addonrules/clients/go"
)

// Config holds configuration for the HTTP client.
type Config struct {
	// BaseURL is the base URL of the addonrules server, e.g. "http://localhost:8080".
	BaseURL string
	// APIKey is the bearer token in "id.secret" format.
	APIKey string
	// HTTPClient is optional; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Client implements addonrules.RuleManager, addonrules.Evaluator, and
// addonrules.Streamer over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewHTTPClient returns a new HTTP client for the addonrules service.
func NewHTTPClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{cfg: cfg, httpClient: hc}
}

// APIError is returned when the server responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("addonrules: HTTP %d: %s", e.StatusCode, e.Message)
}

// -- helpers -----------------------------------------------------------------

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("addonrules: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("addonrules: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("addonrules: http: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, readAPIError(resp)
	}
	return resp, nil
}

// readAPIError extracts the server's error message. The server sends JSON
// bodies shaped {"error": "..."}; anything else is used verbatim.
func readAPIError(resp *http.Response) *APIError {
	raw, _ := io.ReadAll(resp.Body)
	msg := strings.TrimSpace(string(raw))
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		msg = body.Error
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}

func decodeBody[T any](resp *http.Response) (T, error) {
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("addonrules: decode response: %w", err)
	}
	return out, nil
}

// -- RuleManager -------------------------------------------------------------

func (c *Client) CreateRule(ctx context.Context, rule addonrules.Rule) (addonrules.Rule, error) {
	resp, err := c.do(ctx, http.MethodPost, "/v1/rules", rule)
	if err != nil {
		return addonrules.Rule{}, err
	}
	return decodeBody[addonrules.Rule](resp)
}

func (c *Client) GetRule(ctx context.Context, id string) (addonrules.Rule, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/rules/"+id, nil)
	if err != nil {
		return addonrules.Rule{}, err
	}
	return decodeBody[addonrules.Rule](resp)
}

func (c *Client) ListRules(ctx context.Context) ([]addonrules.Rule, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/rules", nil)
	if err != nil {
		return nil, err
	}
	return decodeBody[[]addonrules.Rule](resp)
}

func (c *Client) UpdateRule(ctx context.Context, rule addonrules.Rule) (addonrules.Rule, error) {
	resp, err := c.do(ctx, http.MethodPut, "/v1/rules/"+rule.ID, rule)
	if err != nil {
		return addonrules.Rule{}, err
	}
	return decodeBody[addonrules.Rule](resp)
}

func (c *Client) DeleteRule(ctx context.Context, id string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/v1/rules/"+id, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// -- Evaluator ---------------------------------------------------------------

// Evaluate submits a single evaluation request. The response echoes
// req.Sequence unchanged; pair it with an addonrules.SequenceTracker to
// discard stale responses when requests are issued rapidly.
func (c *Client) Evaluate(ctx context.Context, req addonrules.EvaluateRequest) (addonrules.EvaluateResponse, error) {
	resp, err := c.do(ctx, http.MethodPost, "/v1/evaluate", req)
	if err != nil {
		return addonrules.EvaluateResponse{}, err
	}
	return decodeBody[addonrules.EvaluateResponse](resp)
}

// -- Streamer ----------------------------------------------------------------

// Stream connects to the SSE stream and emits RuleEvents on the returned
// channel. The channel is closed when ctx is cancelled or the connection
// drops.
func (c *Client) Stream(ctx context.Context, lastEventID int64) (<-chan addonrules.RuleEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/v1/stream", nil)
	if err != nil {
		return nil, fmt.Errorf("addonrules: create stream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if lastEventID > 0 {
		req.Header.Set("Last-Event-ID", fmt.Sprintf("%d", lastEventID))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("addonrules: stream connect: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, readAPIError(resp)
	}

	ch := make(chan addonrules.RuleEvent, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		// Buffered reader with a 1 MiB buffer to handle large SSE data lines.
		br := bufio.NewReaderSize(resp.Body, 1<<20)
		parseSSE(ctx, br, ch)
	}()
	return ch, nil
}

// parseSSE reads SSE lines from r and sends parsed RuleEvents to ch.
// It implements the subset of the SSE spec used by the addonrules server:
// id, event, data fields; blank-line flush; multi-line data concatenation.
func parseSSE(ctx context.Context, r *bufio.Reader, ch chan<- addonrules.RuleEvent) {
	var (
		eventType string
		dataLines []string
		eventID   int64
	)

	for {
		if ctx.Err() != nil {
			return
		}
		line, err := r.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			// Blank line: dispatch event if we have data.
			if len(dataLines) > 0 {
				data := strings.Join(dataLines, "\n")
				ev := addonrules.RuleEvent{Type: eventType, EventID: eventID}
				if eventType == "update" || eventType == "delete" {
					var rule addonrules.Rule
					if jsonErr := json.Unmarshal([]byte(data), &rule); jsonErr == nil {
						ev.RuleID = rule.ID
						if eventType == "update" {
							ev.Rule = &rule
						}
					}
				}
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
			}
			// Reset for next event.
			eventType = ""
			dataLines = nil
		} else if strings.HasPrefix(line, "id:") {
			fmt.Sscanf(strings.TrimSpace(strings.TrimPrefix(line, "id:")), "%d", &eventID)
		} else if strings.HasPrefix(line, "event:") {
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}

		if err != nil {
			return
		}
	}
}
