// Package notification delivers fire-and-forget notices to clinic users through
// the external notification service.
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"clinic-chat/backend/pkg/logger"
	"clinic-chat/backend/pkg/resilience"

	"github.com/hashicorp/go-retryablehttp"
)

// Notifier sends a text notice to a user
type Notifier interface {
	Notify(ctx context.Context, userID, text string) error
}

// LogNotifier only logs notices; used when no notification service is configured
type LogNotifier struct {
	log *logger.Logger
}

func NewLogNotifier(log *logger.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(_ context.Context, userID, text string) error {
	n.log.Info("Notification", "recipient", userID, "text", text)
	return nil
}

// HTTPNotifier posts notices to the notification service
type HTTPNotifier struct {
	url     string
	client  *retryablehttp.Client
	breaker *resilience.CircuitBreaker
}

type notifyRequest struct {
	UserID string `json:"userId"`
	Text   string `json:"text"`
	Source string `json:"source"`
}

// NewHTTPNotifier builds a notifier for the service at url
func NewHTTPNotifier(url string, timeout time.Duration, log *logger.Logger) *HTTPNotifier {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = time.Second
	client.HTTPClient.Timeout = timeout
	client.Logger = log.Logger

	return &HTTPNotifier{
		url:     url,
		client:  client,
		breaker: resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("notifications"), log),
	}
}

func (n *HTTPNotifier) Notify(ctx context.Context, userID, text string) error {
	body, err := json.Marshal(notifyRequest{UserID: userID, Text: text, Source: "chat"})
	if err != nil {
		return err
	}

	return n.breaker.Execute(ctx, func(ctx context.Context) error {
		req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("notification service returned status %d", resp.StatusCode)
		}
		return nil
	})
}
