package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hearthhq/hearth/internal/metrics"
)

// Headers set on every hook delivery.
const (
	HeaderEvent     = "X-Hearth-Event"
	HeaderTimestamp = "X-Hearth-Timestamp"
	HeaderSignature = "X-Hearth-Signature"
)

// HTTPHook posts signed revalidate messages to the frontend.
type HTTPHook struct {
	url    string
	secret string
	client *http.Client
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewHTTPHook creates a hook posting to url, signing with secret when set.
func NewHTTPHook(url, secret string, logger *slog.Logger) *HTTPHook {
	return &HTTPHook{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// Revalidate sends the notification in the background.
func (h *HTTPHook) Revalidate(ctx context.Context, bookingID string) {
	msg := newMessage(bookingID)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		if err := h.Send(ctx, msg); err != nil {
			metrics.NotificationsTotal.WithLabelValues("http", "error").Inc()
			h.logger.Warn("revalidate hook failed", "bookingId", bookingID, "error", err)
			return
		}
		metrics.NotificationsTotal.WithLabelValues("http", "ok").Inc()
	}()
}

// Wait blocks until in-flight deliveries finish.
func (h *HTTPHook) Wait() {
	h.wg.Wait()
}

// Send delivers one message and reports a non-2xx answer as an error.
func (h *HTTPHook) Send(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, msg.Type)
	req.Header.Set(HeaderTimestamp, fmt.Sprintf("%d", msg.Timestamp.Unix()))
	if h.secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, h.secret))
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of payload.
func Sign(payload []byte, secret string) string {
	m := hmac.New(sha256.New, []byte(secret))
	m.Write(payload)
	return hex.EncodeToString(m.Sum(nil))
}

// Verify reports whether signature is payload's signature under secret.
func Verify(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}
