// Package planfix implements the REST client for the Planfix CRM.
// Every operation authenticates with a bearer token, retries transient
// failures with bounded exponential backoff, and maps failures onto the
// Rejected/Transient/Unavailable taxonomy consumed by the dialog layer.
package planfix

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
	"time"

	"github.com/m3rciful/guestbot/core/logger"
	"github.com/m3rciful/guestbot/core/telegram/netutil"
	"log/slog"
)

const (
	defaultMaxAttempts = 3
	defaultBackoffBase = 1 * time.Second
	defaultBackoffMax  = 8 * time.Second
	defaultHTTPTimeout = 10 * time.Second

	maxErrorBodyBytes = 512
)

// Options configures a Client.
type Options struct {
	BaseURL           string
	Token             string
	ContactTemplateID int64
	Fields            FieldIDs

	HTTPClient  *http.Client
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// Sleep is called between retry attempts. Tests substitute it to
	// observe backoff without waiting.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Client talks to the Planfix REST API.
type Client struct {
	baseURL    string
	token      string
	templateID int64
	fields     FieldIDs

	http        *http.Client
	maxAttempts int
	backoffBase time.Duration
	backoffMax  time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewClient constructs a Client, filling unset options with defaults.
func NewClient(opts Options) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		token:       opts.Token,
		templateID:  opts.ContactTemplateID,
		fields:      opts.Fields,
		http:        opts.HTTPClient,
		maxAttempts: opts.MaxAttempts,
		backoffBase: opts.BackoffBase,
		backoffMax:  opts.BackoffMax,
		sleep:       opts.Sleep,
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = defaultMaxAttempts
	}
	if c.backoffBase <= 0 {
		c.backoffBase = defaultBackoffBase
	}
	if c.backoffMax <= 0 {
		c.backoffMax = defaultBackoffMax
	}
	if c.sleep == nil {
		c.sleep = sleepContext
	}
	return c
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) backoff(attempt int) time.Duration {
	delay := c.backoffBase << (attempt - 1)
	if delay > c.backoffMax {
		delay = c.backoffMax
	}
	return delay
}

func retryableStatus(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests
}

func classifyNetErr(op string, err error) *Error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTransient, Op: op, Err: err}
	}
	return &Error{Kind: KindUnavailable, Op: op, Err: err}
}

// do executes one logical API call with bounded retries. out may be nil when
// the caller discards the response body.
func (c *Client) do(ctx context.Context, op, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return &Error{Kind: KindRejected, Op: op, Err: err, Message: "encode request"}
		}
	}

	url := c.baseURL + "/" + strings.TrimLeft(path, "/")
	start := time.Now()

	var lastErr *Error
	attempts := 0
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		attempts = attempt
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return &Error{Kind: KindRejected, Op: op, Err: err, Message: "build request"}
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return &Error{Kind: KindUnavailable, Op: op, Err: ctx.Err()}
			}
			lastErr = classifyNetErr(op, err)
			if !netutil.ShouldRetry(err) || attempt == c.maxAttempts {
				break
			}
			c.logRetry(ctx, op, attempt, 0, c.backoff(attempt))
			if serr := c.sleep(ctx, c.backoff(attempt)); serr != nil {
				return &Error{Kind: KindUnavailable, Op: op, Err: serr}
			}
			continue
		}

		raw, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = &Error{Kind: KindTransient, Op: op, Status: resp.StatusCode, Err: readErr}
			if attempt == c.maxAttempts {
				break
			}
			c.logRetry(ctx, op, attempt, resp.StatusCode, c.backoff(attempt))
			if serr := c.sleep(ctx, c.backoff(attempt)); serr != nil {
				return &Error{Kind: KindUnavailable, Op: op, Err: serr}
			}
			continue
		}

		if retryableStatus(resp.StatusCode) {
			lastErr = &Error{
				Kind:    KindTransient,
				Op:      op,
				Status:  resp.StatusCode,
				Message: excerpt(raw),
			}
			if attempt == c.maxAttempts {
				break
			}
			c.logRetry(ctx, op, attempt, resp.StatusCode, c.backoff(attempt))
			if serr := c.sleep(ctx, c.backoff(attempt)); serr != nil {
				return &Error{Kind: KindUnavailable, Op: op, Err: serr}
			}
			continue
		}

		if resp.StatusCode >= 400 {
			reject := &Error{
				Kind:    KindRejected,
				Op:      op,
				Status:  resp.StatusCode,
				Message: excerpt(raw),
			}
			c.logOutcome(ctx, op, attempt, resp.StatusCode, start, reject)
			return reject
		}

		if out != nil {
			if err := json.Unmarshal(raw, out); err != nil {
				decodeErr := &Error{Kind: KindTransient, Op: op, Status: resp.StatusCode, Err: err, Message: "decode response"}
				c.logOutcome(ctx, op, attempt, resp.StatusCode, start, decodeErr)
				return decodeErr
			}
		}
		c.logOutcome(ctx, op, attempt, resp.StatusCode, start, nil)
		return nil
	}

	if lastErr == nil {
		lastErr = &Error{Kind: KindUnavailable, Op: op, Message: "no attempts executed"}
	}
	c.logOutcome(ctx, op, attempts, lastErr.Status, start, lastErr)
	return lastErr
}

func (c *Client) logRetry(ctx context.Context, op string, attempt, status int, delay time.Duration) {
	attrs := []slog.Attr{
		slog.String("operation", op),
		slog.String("status", "retry"),
		slog.Int("attempt", attempt),
		slog.Int64("backoff_ms", delay.Milliseconds()),
	}
	if status > 0 {
		attrs = append(attrs, slog.Int("http_code", status))
	}
	logger.Warn(ctx, "registry", "api.retry", attrs...)
}

func (c *Client) logOutcome(ctx context.Context, op string, attempts, status int, start time.Time, err *Error) {
	attrs := []slog.Attr{
		slog.String("operation", op),
		slog.Int("attempts", attempts),
		slog.Int64("duration_ms", logger.Took(start).Milliseconds()),
	}
	if status > 0 {
		attrs = append(attrs, slog.Int("http_code", status))
	}
	if err != nil {
		attrs = append(attrs,
			slog.String("status", "fail"),
			slog.String("err_code", err.Kind.String()),
			slog.String("err", err.Error()),
		)
		logger.Warn(ctx, "registry", "api.call", attrs...)
		return
	}
	attrs = append(attrs, slog.String("status", "ok"))
	logger.Debug(ctx, "registry", "api.call", attrs...)
}

func excerpt(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > maxErrorBodyBytes {
		s = s[:maxErrorBodyBytes]
	}
	return s
}

type contactListRequest struct {
	Offset   int             `json:"offset"`
	PageSize int             `json:"pageSize"`
	Fields   string          `json:"fields"`
	Filters  []contactFilter `json:"filters"`
}

type contactFilter struct {
	Type     int    `json:"type"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
}

type contactListResponse struct {
	Contacts []Contact `json:"contacts"`
}

type contactWriteResponse struct {
	Result string `json:"result"`
	ID     int64  `json:"id"`
}

type templatesResponse struct {
	Templates []ContactTemplate `json:"templates"`
}

// Filter type 4003 is the phone filter in the contact list endpoint.
const phoneFilterType = 4003

// FindByPhone looks up contacts holding the exact canonical phone number.
func (c *Client) FindByPhone(ctx context.Context, phone string) (Match, error) {
	req := contactListRequest{
		Offset:   0,
		PageSize: 100,
		Fields:   "id,name,midname,lastname,phones",
		Filters: []contactFilter{
			{Type: phoneFilterType, Operator: "equal", Value: phone},
		},
	}
	var resp contactListResponse
	if err := c.do(ctx, "contact.search", http.MethodPost, "contact/list", req, &resp); err != nil {
		return Match{}, err
	}
	switch len(resp.Contacts) {
	case 0:
		return Match{Outcome: MatchNone}, nil
	case 1:
		contact := resp.Contacts[0]
		return Match{Outcome: MatchOne, Contact: &contact, Contacts: resp.Contacts}, nil
	default:
		return Match{Outcome: MatchMany, Contacts: resp.Contacts}, nil
	}
}

// CreateContact creates a new contact and returns its registry id.
func (c *Client) CreateContact(ctx context.Context, payload ContactPayload) (int64, error) {
	var resp contactWriteResponse
	if err := c.do(ctx, "contact.create", http.MethodPost, "contact/", payload, &resp); err != nil {
		return 0, err
	}
	return resp.ID, nil
}

// UpdateContact overwrites an existing contact.
func (c *Client) UpdateContact(ctx context.Context, contactID int64, payload ContactPayload) error {
	path := fmt.Sprintf("contact/%d", contactID)
	return c.do(ctx, "contact.update", http.MethodPost, path, payload, nil)
}

// GetContactTemplate fetches the configured contact template with its
// custom fields.
func (c *Client) GetContactTemplate(ctx context.Context) (*ContactTemplate, error) {
	var resp templatesResponse
	if err := c.do(ctx, "template.fetch", http.MethodGet, "contact/templates", nil, &resp); err != nil {
		return nil, err
	}
	for i := range resp.Templates {
		if resp.Templates[i].ID == c.templateID {
			return &resp.Templates[i], nil
		}
	}
	return nil, &Error{
		Kind:    KindRejected,
		Op:      "template.fetch",
		Message: fmt.Sprintf("template %d not found", c.templateID),
	}
}

// VerifyFieldMapping checks that every configured custom-field id exists in
// the contact template. Called once at start-up.
func (c *Client) VerifyFieldMapping(ctx context.Context) error {
	tpl, err := c.GetContactTemplate(ctx)
	if err != nil {
		return err
	}
	known := make(map[int64]struct{}, len(tpl.CustomFields))
	for _, f := range tpl.CustomFields {
		known[f.ID] = struct{}{}
	}
	for _, id := range []int64{c.fields.City, c.fields.Telegram, c.fields.TelegramID} {
		if id == 0 {
			continue
		}
		if _, ok := known[id]; !ok {
			return &Error{
				Kind:    KindRejected,
				Op:      "template.verify",
				Message: fmt.Sprintf("custom field %d not present in template %d", id, c.templateID),
			}
		}
	}
	return nil
}

// EnsureOptions controls upsert behaviour.
type EnsureOptions struct {
	// UpdateExisting permits overwriting a matched contact. Without it a
	// match is reported back instead of being written.
	UpdateExisting bool
	// ExistingID pins the contact to update, skipping the phone lookup.
	ExistingID int64
}

// EnsureResult reports what EnsureContact did.
type EnsureResult struct {
	ContactID int64
	Created   bool
	Updated   bool
}

// EnsureContact upserts a contact keyed by canonical phone number.
func (c *Client) EnsureContact(ctx context.Context, data ContactData, opts EnsureOptions) (EnsureResult, error) {
	payload := BuildContactPayload(data, c.templateID, c.fields)

	if opts.UpdateExisting {
		contactID := opts.ExistingID
		if contactID == 0 {
			match, err := c.FindByPhone(ctx, data.Phone)
			if err != nil {
				return EnsureResult{}, err
			}
			switch match.Outcome {
			case MatchNone:
				return EnsureResult{}, &Error{
					Kind:    KindRejected,
					Op:      "contact.update",
					Message: "contact not found for update",
				}
			case MatchMany:
				return EnsureResult{}, &Error{
					Kind:    KindRejected,
					Op:      "contact.update",
					Message: "ambiguous phone match",
				}
			default:
				contactID = match.Contact.ID
			}
		}
		if err := c.UpdateContact(ctx, contactID, payload); err != nil {
			return EnsureResult{}, err
		}
		return EnsureResult{ContactID: contactID, Updated: true}, nil
	}

	id, err := c.CreateContact(ctx, payload)
	if err != nil {
		return EnsureResult{}, err
	}
	return EnsureResult{ContactID: id, Created: true}, nil
}
