// Package telegram delivers operator alerts through the Telegram Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/postloom/pagevault/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.Notifier = (*Notifier)(nil)

const defaultTimeout = 10 * time.Second

// Notifier posts plain-text messages to one fixed chat.
type Notifier struct {
	http    *http.Client
	baseURL string
	token   string
	chatID  string
}

// NewNotifier creates a Telegram notifier for the given bot token and chat.
func NewNotifier(token, chatID string) *Notifier {
	return &Notifier{
		http:    &http.Client{Timeout: defaultTimeout},
		baseURL: "https://api.telegram.org",
		token:   token,
		chatID:  chatID,
	}
}

// NewNotifierWithHTTPClient creates a Notifier with a custom http.Client and
// base URL. This constructor is intended for testing, allowing injection of
// an httptest server.
func NewNotifierWithHTTPClient(httpClient *http.Client, baseURL, token, chatID string) *Notifier {
	return &Notifier{
		http:    httpClient,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		chatID:  chatID,
	}
}

// Notify sends the message to the configured chat. The bot token rides in
// the request URL, so transport errors are stripped of the URL before they
// can reach a log line.
func (n *Notifier) Notify(ctx context.Context, message string) error {
	payload, _ := json.Marshal(map[string]string{
		"chat_id": n.chatID,
		"text":    message,
	})

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.http.Do(req)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			return fmt.Errorf("sending telegram message: %w", urlErr.Err)
		}
		return fmt.Errorf("sending telegram message: %w", err)
	}
	defer func() {
		// Drain for keep-alive reuse.
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}

	return nil
}
