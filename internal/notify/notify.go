// Package notify delivers admin notifications to a configured webhook.
// Delivery is fire-and-forget through a small worker pool; a full queue
// drops the notification rather than blocking the caller.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	queueDepth  = 256
	workerCount = 2
	sendTimeout = 5 * time.Second
)

// Notification is one admin-facing message.
type Notification struct {
	Severity string                 `json:"severity"` // info, warning, critical
	Title    string                 `json:"title"`
	Body     string                 `json:"body,omitempty"`
	Fields   map[string]interface{} `json:"fields,omitempty"`
	At       time.Time              `json:"at"`
}

// Notifier posts notifications to the admin webhook. A Notifier with an
// empty URL logs instead of posting, so callers never nil-check.
type Notifier struct {
	url    string
	client *http.Client

	queue chan Notification
	done  chan struct{}
	wg    sync.WaitGroup
}

func New(webhookURL string) *Notifier {
	n := &Notifier{
		url:    webhookURL,
		client: &http.Client{Timeout: sendTimeout},
		queue:  make(chan Notification, queueDepth),
		done:   make(chan struct{}),
	}
	for i := 0; i < workerCount; i++ {
		n.wg.Add(1)
		go n.worker()
	}
	return n
}

// Notify enqueues one notification. Never blocks.
func (n *Notifier) Notify(severity, title, body string, fields map[string]interface{}) {
	msg := Notification{
		Severity: severity,
		Title:    title,
		Body:     body,
		Fields:   fields,
		At:       time.Now().UTC(),
	}
	select {
	case n.queue <- msg:
	default:
		slog.Warn("notification queue full, dropping", "title", title)
	}
}

func (n *Notifier) worker() {
	defer n.wg.Done()
	for {
		select {
		case msg := <-n.queue:
			n.deliver(msg)
		case <-n.done:
			return
		}
	}
}

func (n *Notifier) deliver(msg Notification) {
	if n.url == "" {
		slog.Info("admin notification", "severity", msg.Severity, "title", msg.Title, "fields", msg.Fields)
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		slog.Warn("notification delivery failed", "title", msg.Title, "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		slog.Warn("notification rejected", "title", msg.Title, "status", resp.StatusCode)
	}
}

// Close stops the workers. Queued notifications not yet picked up are
// dropped.
func (n *Notifier) Close() {
	close(n.done)
	n.wg.Wait()
}
