// Package email sends operator alerts and share notices through Postmark.
package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	"github.com/dukerupert/graphsafe/internal/model"
)

const postmarkURL = "https://api.postmarkapp.com/email"

type Client struct {
	serverToken string
	fromEmail   string
	alertTo     string
	baseURL     string
	apiURL      string
	httpClient  *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithAPIURL points the client at a different Postmark endpoint.
func WithAPIURL(u string) Option {
	return func(cl *Client) {
		cl.apiURL = u
	}
}

// NewClient creates a client. alertTo receives backup failure alerts and
// baseURL is linked from share notices.
func NewClient(serverToken, fromEmail, alertTo, baseURL string, opts ...Option) *Client {
	c := &Client{
		serverToken: serverToken,
		fromEmail:   fromEmail,
		alertTo:     alertTo,
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiURL:      postmarkURL,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured returns true if the server token and sender are set.
func (c *Client) Configured() bool {
	return c.serverToken != "" && c.fromEmail != ""
}

type postmarkEmail struct {
	From     string `json:"From"`
	To       string `json:"To"`
	Subject  string `json:"Subject"`
	HtmlBody string `json:"HtmlBody"`
	TextBody string `json:"TextBody"`
	Tag      string `json:"Tag,omitempty"`
}

// BackupFailing alerts the operator that continuous backup keeps failing.
func (c *Client) BackupFailing(ctx context.Context, state model.BackupState) error {
	if c.alertTo == "" {
		return fmt.Errorf("email client not configured: missing alert recipient")
	}
	subject := fmt.Sprintf("Graph backups failing (%d consecutive failures)", state.ConsecutiveFailures)

	last := "never"
	if state.LastIncrementalFlush != nil {
		last = state.LastIncrementalFlush.UTC().Format(time.RFC3339)
	}
	textBody := fmt.Sprintf(
		"Continuous backup has failed %d times in a row.\n\nLast error: %s\nPending changes: %d\nLast successful flush: %s\n",
		state.ConsecutiveFailures, state.LastError, state.PendingChanges, last,
	)
	htmlBody := fmt.Sprintf(
		`<p>Continuous backup has failed %d times in a row.</p><ul><li>Last error: <code>%s</code></li><li>Pending changes: %d</li><li>Last successful flush: %s</li></ul>`,
		state.ConsecutiveFailures, html.EscapeString(state.LastError), state.PendingChanges, last,
	)
	return c.send(ctx, postmarkEmail{
		To:       c.alertTo,
		Subject:  subject,
		HtmlBody: htmlBody,
		TextBody: textBody,
		Tag:      "backup-alert",
	})
}

// DocumentShared tells recipient they were given access to doc.
func (c *Client) DocumentShared(ctx context.Context, doc *model.Document, sharedBy, recipient model.User, level model.Level) error {
	who := sharedBy.Name
	if who == "" {
		who = sharedBy.Email
	}
	link := fmt.Sprintf("%s/documents/%s", c.baseURL, doc.ID)
	subject := fmt.Sprintf("%s shared \"%s\" with you", who, doc.Name)
	textBody := fmt.Sprintf("%s gave you %s access to \"%s\".\n\n%s\n", who, level, doc.Name, link)
	htmlBody := fmt.Sprintf(
		`<p>%s gave you %s access to <strong>%s</strong>.</p><p><a href="%s">Open document</a></p>`,
		html.EscapeString(who), level, html.EscapeString(doc.Name), link,
	)
	return c.send(ctx, postmarkEmail{
		To:       recipient.Email,
		Subject:  subject,
		HtmlBody: htmlBody,
		TextBody: textBody,
		Tag:      "document-share",
	})
}

func (c *Client) send(ctx context.Context, payload postmarkEmail) error {
	if !c.Configured() {
		return fmt.Errorf("email client not configured: missing server token")
	}
	payload.From = c.fromEmail

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", c.serverToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("postmark API error: status %d", resp.StatusCode)
	}

	return nil
}
