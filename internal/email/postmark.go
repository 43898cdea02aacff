package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"time"
)

type Client struct {
	serverToken string
	fromEmail   string
	baseURL     string
	httpClient  *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

func NewClient(serverToken, fromEmail, baseURL string, opts ...Option) *Client {
	c := &Client{
		serverToken: serverToken,
		fromEmail:   fromEmail,
		baseURL:     baseURL,
		httpClient:  http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured returns true if the server token is set.
func (c *Client) Configured() bool {
	return c.serverToken != ""
}

type postmarkEmail struct {
	From     string `json:"From"`
	To       string `json:"To"`
	Subject  string `json:"Subject"`
	HtmlBody string `json:"HtmlBody"`
	TextBody string `json:"TextBody"`
}

// Invitation is the content of a tree invitation email.
type Invitation struct {
	To           string
	PersonName   string
	FamilyName   string
	InvitationID string
	Code         string
	ExpiresAt    time.Time
}

// SendInvitation emails the acceptance code and link for an invitation to
// join a family tree as PersonName.
func (c *Client) SendInvitation(ctx context.Context, inv Invitation) error {
	if !c.Configured() {
		return fmt.Errorf("email client not configured: missing server token")
	}

	subject := "You've been invited to your family tree"
	if inv.FamilyName != "" {
		subject = fmt.Sprintf("You've been invited to the %s family tree", inv.FamilyName)
	}
	link := fmt.Sprintf("%s/invite/accept?id=%s", c.baseURL, url.QueryEscape(inv.InvitationID))
	expires := inv.ExpiresAt.UTC().Format("January 2, 2006")

	textBody := fmt.Sprintf(
		"You have been added to the family tree as %s.\n\nOpen the link below and enter the code %s to join:\n\n%s\n\nThis invitation expires on %s.",
		inv.PersonName, inv.Code, link, expires,
	)
	htmlBody := fmt.Sprintf(
		`<p>You have been added to the family tree as <strong>%s</strong>.</p><p>Your code is <strong>%s</strong>.</p><p><a href="%s">Accept your invitation</a></p><p>This invitation expires on %s.</p>`,
		html.EscapeString(inv.PersonName), inv.Code, link, expires,
	)

	payload := postmarkEmail{
		From:     c.fromEmail,
		To:       inv.To,
		Subject:  subject,
		HtmlBody: htmlBody,
		TextBody: textBody,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", "https://api.postmarkapp.com/email", bytes.NewReader(body))
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
