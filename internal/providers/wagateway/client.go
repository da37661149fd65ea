package wagateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"blast/internal/domain"
)

// Client talks to the WhatsApp connection gateway over its small HTTP surface.
type Client struct {
	BaseURL string
	HTTP    *http.Client

	// StatusAttempts bounds retries of the idempotent status read. Sends are never retried.
	StatusAttempts int
}

type sendBody struct {
	Destination     string `json:"destination"`
	Message         string `json:"message"`
	DisplayName     string `json:"displayName,omitempty"`
	AttachmentImage []byte `json:"attachmentImage,omitempty"`
	AttachmentMIME  string `json:"attachmentMime,omitempty"`
}

type presenceBody struct {
	Destination string          `json:"destination"`
	State       domain.Presence `json:"state"`
}

// CallError is a non-2xx (or success=false) answer from the gateway.
type CallError struct {
	Status  int
	Message string
}

func (e *CallError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway call failed: status=%d", e.Status)
	}
	return fmt.Sprintf("gateway call failed: status=%d: %s", e.Status, e.Message)
}

// Unwrap lets callers detect a gateway that is itself down, as opposed to a failed destination.
func (e *CallError) Unwrap() error {
	if e.Status == http.StatusServiceUnavailable {
		return domain.ErrGatewayUnavailable
	}
	return nil
}

func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		BaseURL:        strings.TrimRight(baseURL, "/"),
		HTTP:           &http.Client{Timeout: timeout},
		StatusAttempts: 3,
	}
}

// Send posts one message. The raw body is returned for logging alongside the status code.
func (c *Client) Send(ctx context.Context, req domain.SendRequest, mime string) (domain.SendResponse, int, []byte, error) {
	body := sendBody{
		Destination:     req.Destination,
		Message:         req.Message,
		DisplayName:     req.DisplayName,
		AttachmentImage: req.AttachmentImage,
	}
	if len(req.AttachmentImage) > 0 {
		body.AttachmentMIME = mime
	}

	var out domain.SendResponse
	status, raw, err := c.do(ctx, http.MethodPost, "/send", body, &out)
	if err != nil {
		return out, status, raw, err
	}
	if !out.Success {
		return out, status, raw, &CallError{Status: status, Message: out.Message}
	}
	return out, status, raw, nil
}

func (c *Client) SendText(ctx context.Context, destination, text string) error {
	_, _, _, err := c.Send(ctx, domain.SendRequest{Destination: destination, Message: text}, "")
	return err
}

func (c *Client) SendImage(ctx context.Context, destination string, image []byte, mime, caption string) error {
	_, _, _, err := c.Send(ctx, domain.SendRequest{Destination: destination, Message: caption, AttachmentImage: image}, mime)
	return err
}

func (c *Client) SetPresence(ctx context.Context, destination string, state domain.Presence) error {
	_, _, err := c.do(ctx, http.MethodPost, "/presence", presenceBody{Destination: destination, State: state}, nil)
	return err
}

func (c *Client) Status(ctx context.Context) (domain.GatewayStatus, error) {
	attempts := c.StatusAttempts
	if attempts < 1 {
		attempts = 1
	}

	var (
		out    domain.GatewayStatus
		status int
		err    error
	)
	for attempt := 0; attempt < attempts; attempt++ {
		out = domain.GatewayStatus{}
		status, _, err = c.do(ctx, http.MethodGet, "/status", nil, &out)
		if err == nil || !ShouldRetry(err, status) || attempt == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-time.After(Backoff(attempt)):
		}
	}
	return out, err
}

// IsConnected is false, without error, when the gateway is up but has no session.
func (c *Client) IsConnected(ctx context.Context) (bool, error) {
	st, err := c.Status(ctx)
	if err != nil {
		return false, err
	}
	return st.Connected, nil
}

func (c *Client) Reconnect(ctx context.Context) (domain.SendResponse, error) {
	var out domain.SendResponse
	_, _, err := c.do(ctx, http.MethodPost, "/reconnect", nil, &out)
	return out, err
}

func (c *Client) Logout(ctx context.Context) (domain.SendResponse, error) {
	var out domain.SendResponse
	_, _, err := c.do(ctx, http.MethodPost, "/logout", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) (int, []byte, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, nil, err
		}
		body = bytes.NewReader(b)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return 0, nil, err
	}
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		if isDialError(err) {
			return 0, nil, fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
		}
		return 0, nil, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var msg struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		_ = json.Unmarshal(raw, &msg)
		if msg.Message == "" {
			msg.Message = msg.Error
		}
		return resp.StatusCode, raw, &CallError{Status: resp.StatusCode, Message: msg.Message}
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, raw, fmt.Errorf("decode gateway response: %w", err)
		}
	}
	return resp.StatusCode, raw, nil
}

// isDialError reports a gateway that never accepted the connection. A timeout after the
// request went out is not one: the message may have been delivered.
func isDialError(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var op *net.OpError
	return errors.As(err, &op) && op.Op == "dial"
}

// ShouldRetry decides whether an idempotent gateway read is worth repeating.
func ShouldRetry(err error, httpStatus int) bool {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return true
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return true
		}
		if httpStatus == 0 {
			return false
		}
	}
	if httpStatus == http.StatusTooManyRequests || httpStatus == http.StatusRequestTimeout {
		return true
	}
	return httpStatus >= 500 && httpStatus <= 599
}

func Backoff(attempt int) time.Duration {
	base := []time.Duration{200 * time.Millisecond, 600 * time.Millisecond, 1400 * time.Millisecond}
	if attempt <= 0 {
		return base[0]
	}
	if attempt >= len(base) {
		return base[len(base)-1]
	}
	return base[attempt]
}
