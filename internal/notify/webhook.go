// ============================================================================
// Flowtree Webhook Notifier - Chat Delivery of Completion Events
// ============================================================================
//
// Package: internal/notify
// File: webhook.go
// Function: POST completion events to a chat webhook as JSON
//
// The notifier is a CompletionListener. Each event is rendered into a small
// JSON payload with a human-readable text line plus the structured event,
// and delivered with a bounded-timeout client. Delivery failures are logged
// and never propagated: a broken webhook must not disturb job execution.
//
// Started events are skipped by default to keep channels quiet; terminal
// events always go out.
//
// ============================================================================

package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/flowtree/flowtree/pkg/job"
)

// DefaultTimeout bounds one webhook delivery.
const DefaultTimeout = 10 * time.Second

// WebhookNotifier relays completion events to a webhook URL.
type WebhookNotifier struct {
	url    string
	client *http.Client

	// NotifyStarted turns on delivery of STARTED events.
	NotifyStarted bool
}

// NewWebhookNotifier creates a notifier for url.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: DefaultTimeout},
	}
}

// payload is the wire shape delivered to the webhook.
type payload struct {
	Text  string              `json:"text"`
	Event job.CompletionEvent `json:"event"`
}

// OnJobStarted delivers a STARTED notification when enabled.
func (w *WebhookNotifier) OnJobStarted(ev job.CompletionEvent) {
	if !w.NotifyStarted {
		return
	}
	w.deliver(ev)
}

// OnJobCompleted delivers the terminal notification.
func (w *WebhookNotifier) OnJobCompleted(ev job.CompletionEvent) {
	w.deliver(ev)
}

func (w *WebhookNotifier) deliver(ev job.CompletionEvent) {
	body, err := json.Marshal(payload{Text: FormatEvent(ev), Event: ev})
	if err != nil {
		log.Printf("WebhookNotifier: marshal event for job %s failed: %v", ev.JobID, err)
		return
	}

	resp, err := w.client.Post(w.url, "application/json", bytes.NewReader(body))
	if err != nil {
		log.Printf("WebhookNotifier: delivery for job %s failed: %v", ev.JobID, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		log.Printf("WebhookNotifier: webhook returned %s for job %s", resp.Status, ev.JobID)
	}
}

// FormatEvent renders one event as a single human-readable line.
func FormatEvent(ev job.CompletionEvent) string {
	var b strings.Builder

	switch ev.Status {
	case job.EventStarted:
		b.WriteString(":arrow_forward: started")
	case job.EventSuccess:
		b.WriteString(":white_check_mark: succeeded")
	case job.EventFailed:
		b.WriteString(":x: failed")
	case job.EventCancelled:
		b.WriteString(":no_entry_sign: cancelled")
	}

	fmt.Fprintf(&b, " [%s]", ev.WorkstreamID)
	if ev.Description != "" {
		b.WriteString(" ")
		b.WriteString(ev.Description)
	}
	if ev.Branch != "" {
		fmt.Fprintf(&b, " on %s", ev.Branch)
		if ev.Commit != "" {
			fmt.Fprintf(&b, "@%.8s", ev.Commit)
		}
	}
	if len(ev.Files) > 0 {
		fmt.Fprintf(&b, " (%d files)", len(ev.Files))
	}
	if ev.Status == job.EventFailed {
		if ev.ExitCode != 0 {
			fmt.Fprintf(&b, " exit=%d", ev.ExitCode)
		}
		if ev.Error != "" {
			fmt.Fprintf(&b, ": %s", ev.Error)
		}
	}
	return b.String()
}
