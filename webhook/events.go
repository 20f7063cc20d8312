package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// flexID decodes a numeric id the CRM may send as a number or a string.
type flexID int64

func (f *flexID) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("flex id %q: %w", s, err)
	}
	*f = flexID(n)
	return nil
}

// flexString decodes a value the CRM may send as a string or a number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(string(b))
	return nil
}

type guestRef struct {
	PlanfixContactID flexID `json:"planfixContactId"`
	ID               flexID `json:"id"`
	Name             string `json:"name"`
}

func (g guestRef) contactID() int64 {
	if g.PlanfixContactID != 0 {
		return int64(g.PlanfixContactID)
	}
	return int64(g.ID)
}

type templateRef struct {
	ID flexID `json:"id"`
}

type taskRef struct {
	ID       flexID       `json:"id"`
	Number   flexID       `json:"nomber"`
	StatusID flexID       `json:"statusId"`
	Deadline string       `json:"deadline"`
	Template *templateRef `json:"template"`
}

type venueRef struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

type visitRef struct {
	Date     string `json:"date"`
	Deadline string `json:"deadline"`
}

type financeRef struct {
	Budget flexString `json:"budget"`
	Actual flexString `json:"actual"`
	Status flexString `json:"status"`
}

type resultRef struct {
	Score   flexString `json:"score"`
	Summary string     `json:"summary"`
}

// crmEvent is the envelope of a CRM-origin webhook. Identifiers can live in
// the root or inside the nested task object depending on the automation rule.
type crmEvent struct {
	Event    string      `json:"event"`
	TaskID   flexID      `json:"taskId"`
	Number   flexID      `json:"nomber"`
	Task     *taskRef    `json:"task"`
	Guest    *guestRef   `json:"guest"`
	Guests   []guestRef  `json:"guests"`
	Venue    *venueRef   `json:"restaurant"`
	Visit    *visitRef   `json:"visit"`
	Deadline string      `json:"deadline"`
	Form     string      `json:"form"`
	Reason   string      `json:"reason"`
	Finance  *financeRef `json:"finance"`
	Result   *resultRef  `json:"result"`
}

func (e *crmEvent) taskID() int64 {
	if e.TaskID != 0 {
		return int64(e.TaskID)
	}
	if e.Task != nil {
		return int64(e.Task.ID)
	}
	return 0
}

func (e *crmEvent) taskNumber() string {
	if e.Number != 0 {
		return strconv.FormatInt(int64(e.Number), 10)
	}
	if e.Task != nil && e.Task.Number != 0 {
		return strconv.FormatInt(int64(e.Task.Number), 10)
	}
	return ""
}

func (e *crmEvent) templateID() int64 {
	if e.Task != nil && e.Task.Template != nil {
		return int64(e.Task.Template.ID)
	}
	return 0
}

func (e *crmEvent) guestID() int64 {
	if e.Guest == nil {
		return 0
	}
	return e.Guest.contactID()
}

func (e *crmEvent) deadline() string {
	if e.Visit != nil && e.Visit.Deadline != "" {
		return e.Visit.Deadline
	}
	if e.Deadline != "" {
		return e.Deadline
	}
	if e.Task != nil {
		return e.Task.Deadline
	}
	return ""
}

// crmDateLayouts are the date shapes the CRM emits, tried in order.
var crmDateLayouts = []string{
	"02-01-2006 15:04",
	"02-01-2006",
	"02.01.2006 15:04",
	"02.01.2006",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// parseCRMDate parses a CRM date string; a zero time means unparseable.
func parseCRMDate(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	for _, layout := range crmDateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}
	return time.Time{}
}

// formSubmission is one decoded form result, either a plain object or a
// JSON-RPC 2.0 call with the same fields under params.
type formSubmission struct {
	SessionID uuid.UUID
	TaskID    int64
	GuestID   int64
	Form      string
	Score     int
	HasScore  bool
	Summary   string
	Raw       []byte

	// JSONRPC marks that the reply must use the JSON-RPC envelope.
	JSONRPC bool
	RPCID   string
}

type formParams struct {
	SessionID string          `json:"sessionId"`
	TaskID    flexID          `json:"taskId"`
	GuestID   flexID          `json:"guestId"`
	Form      string          `json:"form"`
	FormCode  string          `json:"formCode"`
	Result    json.RawMessage `json:"result"`
}

type formEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	ID      json.RawMessage `json:"id"`
	Params  *formParams     `json:"params"`
	formParams
}

// parseFormSubmission decodes a form webhook body. A decode failure is the
// caller's 400; missing identifiers surface as zero values.
func parseFormSubmission(body []byte) (*formSubmission, error) {
	var env formEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}

	params := env.formParams
	sub := &formSubmission{Raw: body}
	if env.JSONRPC == "2.0" {
		sub.JSONRPC = true
		sub.RPCID = strings.Trim(string(env.ID), `"`)
		if env.Params != nil {
			params = *env.Params
		}
	}

	if params.SessionID != "" {
		if id, err := uuid.Parse(params.SessionID); err == nil {
			sub.SessionID = id
		}
	}
	sub.TaskID = int64(params.TaskID)
	sub.GuestID = int64(params.GuestID)
	sub.Form = params.Form
	if sub.Form == "" {
		sub.Form = params.FormCode
	}
	sub.Score, sub.HasScore, sub.Summary = parseFormResult(params.Result)
	return sub, nil
}

// parseFormResult accepts a bare number, a numeric string or an object with
// score and summary fields.
func parseFormResult(raw json.RawMessage) (score int, ok bool, summary string) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false, ""
	}
	if raw[0] == '{' {
		var obj struct {
			Score   flexString `json:"score"`
			Summary string     `json:"summary"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return 0, false, ""
		}
		score, ok = parseScore(string(obj.Score))
		return score, ok, obj.Summary
	}
	s := strings.Trim(string(raw), `"`)
	score, ok = parseScore(s)
	return score, ok, ""
}

func parseScore(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int(f), true
	}
	return 0, false
}
