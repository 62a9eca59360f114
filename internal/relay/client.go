// Package relay implements the push-relay client: a reconnecting streaming
// subscription for inbound commands and best-effort publishes for status.
package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"relaybot/internal/domain"
	"relaybot/internal/metrics"
)

const (
	defaultBackoffCap    = 300 * time.Second
	defaultMaxReconnects = 10
	publishTimeout       = 15 * time.Second
	maxLineBytes         = 1 << 20
)

// Client talks to an ntfy-style relay server.
type Client struct {
	baseURL   string
	authToken string

	// pub has an overall timeout; stream must not, or long-lived
	// subscriptions would be killed mid-read.
	pub    *http.Client
	stream *http.Client

	backoffCap    time.Duration
	maxReconnects int
	logger        *slog.Logger
}

type ClientConfig struct {
	BaseURL       string
	AuthToken     string
	BackoffCapS   int
	MaxReconnects int
	Logger        *slog.Logger
}

func NewClient(cfg ClientConfig) *Client {
	cap := time.Duration(cfg.BackoffCapS) * time.Second
	if cap <= 0 {
		cap = defaultBackoffCap
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = defaultMaxReconnects
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		authToken:     cfg.AuthToken,
		pub:           &http.Client{Timeout: publishTimeout, Transport: transport},
		stream:        &http.Client{Transport: transport},
		backoffCap:    cap,
		maxReconnects: cfg.MaxReconnects,
		logger:        cfg.Logger,
	}
}

// event is one streamed JSON line from GET {base}/{topic}/json.
type event struct {
	Event   string `json:"event"`
	ID      string `json:"id"`
	Time    int64  `json:"time"`
	Topic   string `json:"topic"`
	Message string `json:"message"`
}

// PublishOptions carries the optional ntfy headers for a publish.
type PublishOptions struct {
	Title    string
	Priority int // 1-5, 0 = server default
}

// Publish POSTs body to the topic. Best-effort: failures are logged and
// reported as false, never returned as errors; status publication is not on
// the correctness-critical path.
func (c *Client) Publish(ctx context.Context, topic, body string, opts PublishOptions) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+topic, strings.NewReader(body))
	if err != nil {
		c.logger.Warn("relay publish: build request failed", "topic", topic, "err", err)
		return false
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if opts.Title != "" {
		req.Header.Set("Title", opts.Title)
	}
	if opts.Priority >= 1 && opts.Priority <= 5 {
		req.Header.Set("Priority", strconv.Itoa(opts.Priority))
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.pub.Do(req)
	if err != nil {
		c.logger.Warn("relay publish failed", "topic", topic, "err", err)
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("relay publish rejected", "topic", topic, "status", resp.StatusCode)
		return false
	}
	return true
}

// Subscribe opens a long-lived streaming connection to the topic and delivers
// message events on the returned channel, in relay-delivery order. Keepalives
// and connection-open markers are filtered out. On read or connection errors
// the stream is re-established with exponential backoff (1s doubling,
// capped). The failure counter resets whenever a connection is established,
// not only on delivery: an idle topic whose server recycles keepalive-only
// streams keeps reconnecting at the base delay instead of walking toward the
// ceiling. After maxReconnects consecutive failures a fatal error is sent on
// the error channel and both channels are closed; the caller decides whether
// to restart.
func (c *Client) Subscribe(ctx context.Context, topic string) (<-chan domain.IncomingMessage, <-chan error) {
	out := make(chan domain.IncomingMessage)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		failures := 0
		for {
			if ctx.Err() != nil {
				return
			}

			healthy, err := c.streamOnce(ctx, topic, out)
			if ctx.Err() != nil {
				return
			}
			failures = NextFailureCount(failures, healthy)

			if failures >= c.maxReconnects {
				errCh <- fmt.Errorf("relay subscription to %q: %d consecutive reconnect failures, giving up: %w",
					topic, failures, err)
				return
			}

			delay := Backoff(failures, c.backoffCap)
			metrics.ReconnectsTotal.Inc()
			c.logger.Warn("relay stream lost, reconnecting",
				"topic", topic, "attempt", failures, "backoff", delay, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}()

	return out, errCh
}

// streamOnce runs a single connection lifetime. Returns whether the
// connection was established (HTTP 200), and the error that ended the stream.
func (c *Client) streamOnce(ctx context.Context, topic string, out chan<- domain.IncomingMessage) (bool, error) {
	url := c.baseURL + "/" + topic + "/json"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("build subscribe request: %w", err)
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.stream.Do(req)
	if err != nil {
		return false, fmt.Errorf("subscribe connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return false, fmt.Errorf("subscribe returned HTTP %d", resp.StatusCode)
	}

	c.logger.Info("relay stream connected", "topic", topic)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var ev event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			c.logger.Warn("relay stream: malformed event line, skipping", "err", err)
			continue
		}
		if ev.Event != "message" {
			continue
		}

		receivedAt := time.Now()
		if ev.Time > 0 {
			receivedAt = time.Unix(ev.Time, 0)
		}

		msg := domain.IncomingMessage{
			ID:         ev.ID,
			Topic:      ev.Topic,
			Text:       ev.Message,
			ReceivedAt: receivedAt,
		}
		if msg.Topic == "" {
			msg.Topic = topic
		}

		select {
		case out <- msg:
		case <-ctx.Done():
			return true, ctx.Err()
		}
	}

	if err := scanner.Err(); err != nil {
		return true, fmt.Errorf("stream read: %w", err)
	}
	return true, fmt.Errorf("stream closed by server")
}
