package pushover

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"countdown-clock/internal/domain"
)

const DefaultBaseURL = "https://api.pushover.net"

// Client implements ports.Notifier using the Pushover messages API.
type Client struct {
	baseURL  string
	apiToken string
	userKey  string
	title    string
	http     *http.Client
	log      *slog.Logger
}

func NewClient(baseURL, apiToken, userKey string, log *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		baseURL:  baseURL,
		apiToken: apiToken,
		userKey:  userKey,
		title:    "Countdown clock",
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
		log: log,
	}
}

type response struct {
	Status  int      `json:"status"`
	Request string   `json:"request"`
	Errors  []string `json:"errors"`
}

// Notify posts the notification message.
// Pushover: POST /1/messages.json (form encoded token, user, message)
func (c *Client) Notify(ctx context.Context, n domain.Notification) error {
	if c.apiToken == "" || c.userKey == "" {
		return errors.New("pushover: missing api token or user key")
	}
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return err
	}
	u.Path = "/1/messages.json"

	form := url.Values{}
	form.Set("token", c.apiToken)
	form.Set("user", c.userKey)
	form.Set("title", c.title)
	form.Set("message", n.Message)
	if !n.Timestamp.IsZero() {
		form.Set("timestamp", fmt.Sprintf("%d", n.Timestamp.Unix()))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("pushover: unexpected status %d: %s", resp.StatusCode, string(body))
	}
	var r response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return fmt.Errorf("pushover: decode response: %w", err)
	}
	if r.Status != 1 {
		return fmt.Errorf("pushover: rejected: %s", strings.Join(r.Errors, "; "))
	}
	c.log.Debug("pushover notification sent",
		slog.String("notification_id", n.ID),
		slog.String("clock_id", n.Metadata.ClockID),
		slog.String("request", r.Request),
	)
	return nil
}
