package planfix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/m3rciful/guestbot/core/logger"
	"log/slog"
)

type fakeTransport struct {
	requests  []*http.Request
	responses []fakeResponse
}

type fakeResponse struct {
	status int
	body   string
	err    error
}

func (f *fakeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	f.requests = append(f.requests, req)
	if len(f.responses) == 0 {
		return nil, fmt.Errorf("unexpected request %s %s", req.Method, req.URL)
	}
	next := f.responses[0]
	f.responses = f.responses[1:]
	if next.err != nil {
		return nil, next.err
	}
	return &http.Response{
		StatusCode: next.status,
		Body:       io.NopCloser(strings.NewReader(next.body)),
		Header:     make(http.Header),
		Request:    req,
	}, nil
}

func newTestClient(t *testing.T, ft *fakeTransport, delays *[]time.Duration) *Client {
	t.Helper()
	return NewClient(Options{
		BaseURL:           "https://crm.example.com/rest",
		Token:             "test-token",
		ContactTemplateID: 42,
		Fields:            FieldIDs{City: 101},
		HTTPClient:        &http.Client{Transport: ft},
		Sleep: func(_ context.Context, d time.Duration) error {
			if delays != nil {
				*delays = append(*delays, d)
			}
			return nil
		},
	})
}

func TestFindByPhoneOutcomes(t *testing.T) {
	cases := []struct {
		name string
		body string
		want MatchOutcome
	}{
		{name: "none", body: `{"contacts":[]}`, want: MatchNone},
		{name: "one", body: `{"contacts":[{"id":7,"lastname":"Иванов"}]}`, want: MatchOne},
		{name: "many", body: `{"contacts":[{"id":7},{"id":8}]}`, want: MatchMany},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ft := &fakeTransport{responses: []fakeResponse{{status: 200, body: tc.body}}}
			c := newTestClient(t, ft, nil)

			match, err := c.FindByPhone(context.Background(), "+79260000000")
			if err != nil {
				t.Fatalf("FindByPhone: %v", err)
			}
			if match.Outcome != tc.want {
				t.Fatalf("outcome = %v, want %v", match.Outcome, tc.want)
			}
			if tc.want == MatchOne && (match.Contact == nil || match.Contact.ID != 7) {
				t.Fatalf("contact = %+v", match.Contact)
			}

			req := ft.requests[0]
			if got := req.Header.Get("Authorization"); got != "Bearer test-token" {
				t.Fatalf("auth header = %q", got)
			}
			if req.URL.Path != "/rest/contact/list" {
				t.Fatalf("path = %q", req.URL.Path)
			}
		})
	}
}

func TestFindByPhoneSendsEqualityFilter(t *testing.T) {
	ft := &fakeTransport{responses: []fakeResponse{{status: 200, body: `{"contacts":[]}`}}}
	c := newTestClient(t, ft, nil)

	if _, err := c.FindByPhone(context.Background(), "+79260000000"); err != nil {
		t.Fatalf("FindByPhone: %v", err)
	}

	raw, err := io.ReadAll(ft.requests[0].Body)
	if err != nil {
		t.Fatalf("read request body: %v", err)
	}
	var req contactListRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if len(req.Filters) != 1 {
		t.Fatalf("filters = %+v", req.Filters)
	}
	f := req.Filters[0]
	if f.Type != phoneFilterType || f.Operator != "equal" || f.Value != "+79260000000" {
		t.Fatalf("filter = %+v", f)
	}
	if req.PageSize != 100 {
		t.Fatalf("pageSize = %d", req.PageSize)
	}
}

func TestRetryOnServerErrorsThenSuccess(t *testing.T) {
	ft := &fakeTransport{responses: []fakeResponse{
		{status: 502, body: "bad gateway"},
		{status: 503, body: "unavailable"},
		{status: 200, body: `{"result":"success","id":99}`},
	}}
	var delays []time.Duration
	c := newTestClient(t, ft, &delays)

	id, err := c.CreateContact(context.Background(), ContactPayload{Lastname: "Иванов", Name: "Иван"})
	if err != nil {
		t.Fatalf("CreateContact: %v", err)
	}
	if id != 99 {
		t.Fatalf("id = %d, want 99", id)
	}
	if len(ft.requests) != 3 {
		t.Fatalf("attempts = %d, want 3", len(ft.requests))
	}
	if len(delays) != 2 {
		t.Fatalf("delays = %v, want 2 entries", delays)
	}
	for i := 1; i < len(delays); i++ {
		if delays[i] <= delays[i-1] {
			t.Fatalf("delays not strictly increasing: %v", delays)
		}
	}
	if delays[0] != time.Second || delays[1] != 2*time.Second {
		t.Fatalf("delays = %v, want [1s 2s]", delays)
	}
}

func TestRaisedAttemptCapAllowsFourthAttempt(t *testing.T) {
	ft := &fakeTransport{responses: []fakeResponse{
		{status: 500, body: "boom"},
		{status: 502, body: "bad gateway"},
		{status: 503, body: "unavailable"},
		{status: 200, body: `{"contacts":[]}`},
	}}
	var delays []time.Duration
	c := NewClient(Options{
		BaseURL:           "https://crm.example.com/rest",
		Token:             "test-token",
		ContactTemplateID: 42,
		Fields:            FieldIDs{City: 101},
		HTTPClient:        &http.Client{Transport: ft},
		MaxAttempts:       4,
		Sleep: func(_ context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		},
	})

	if _, err := c.FindByPhone(context.Background(), "+79260000000"); err != nil {
		t.Fatalf("FindByPhone: %v", err)
	}
	if len(ft.requests) != 4 {
		t.Fatalf("attempts = %d, want 4", len(ft.requests))
	}
	if len(delays) != 3 {
		t.Fatalf("delays = %v, want 3 entries", delays)
	}
	for i := 1; i < len(delays); i++ {
		if delays[i] <= delays[i-1] {
			t.Fatalf("delays = %v, want strictly increasing", delays)
		}
	}
	if delays[0] != time.Second || delays[2] != 4*time.Second {
		t.Fatalf("delays = %v, want [1s 2s 4s]", delays)
	}
}

func TestRetryExhaustedIsTransient(t *testing.T) {
	ft := &fakeTransport{responses: []fakeResponse{
		{status: 500, body: "boom"},
		{status: 500, body: "boom"},
		{status: 500, body: "boom"},
	}}
	var delays []time.Duration
	c := newTestClient(t, ft, &delays)

	_, err := c.CreateContact(context.Background(), ContactPayload{})
	if !IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
	if len(ft.requests) != 3 {
		t.Fatalf("attempts = %d, want 3", len(ft.requests))
	}
	if len(delays) != 2 {
		t.Fatalf("delays = %v", delays)
	}
}

func TestClientErrorFailsFast(t *testing.T) {
	ft := &fakeTransport{responses: []fakeResponse{
		{status: 400, body: `{"result":"fail","error":"bad payload"}`},
	}}
	var delays []time.Duration
	c := newTestClient(t, ft, &delays)

	_, err := c.CreateContact(context.Background(), ContactPayload{})
	if !IsRejected(err) {
		t.Fatalf("err = %v, want rejected", err)
	}
	if len(ft.requests) != 1 {
		t.Fatalf("attempts = %d, want 1 (no retry on 4xx)", len(ft.requests))
	}
	if len(delays) != 0 {
		t.Fatalf("delays = %v, want none", delays)
	}
	var pe *Error
	if !errors.As(err, &pe) || pe.Status != 400 {
		t.Fatalf("error detail = %+v", pe)
	}
}

func TestTooManyRequestsRetries(t *testing.T) {
	ft := &fakeTransport{responses: []fakeResponse{
		{status: 429, body: "slow down"},
		{status: 200, body: `{"result":"success","id":5}`},
	}}
	var delays []time.Duration
	c := newTestClient(t, ft, &delays)

	id, err := c.CreateContact(context.Background(), ContactPayload{})
	if err != nil {
		t.Fatalf("CreateContact: %v", err)
	}
	if id != 5 || len(delays) != 1 {
		t.Fatalf("id = %d, delays = %v", id, delays)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestNetworkTimeoutExhaustedIsTransient(t *testing.T) {
	err := &net.OpError{Op: "dial", Err: timeoutErr{}}
	ft := &fakeTransport{responses: []fakeResponse{{err: err}, {err: err}, {err: err}}}
	c := newTestClient(t, ft, nil)

	_, getErr := c.CreateContact(context.Background(), ContactPayload{})
	if !IsTransient(getErr) {
		t.Fatalf("err = %v, want transient", getErr)
	}
}

func TestConnectionRefusedIsUnavailable(t *testing.T) {
	refused := &net.OpError{Op: "read", Err: errors.New("connection refused")}
	ft := &fakeTransport{responses: []fakeResponse{{err: refused}}}
	c := newTestClient(t, ft, nil)

	_, err := c.CreateContact(context.Background(), ContactPayload{})
	if !IsUnavailable(err) {
		t.Fatalf("err = %v, want unavailable", err)
	}
}

// captureHandler collects log records so tests can assert on attributes.
type captureHandler struct {
	base []slog.Attr
	sink *[]map[string]slog.Value
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	attrs := make(map[string]slog.Value, r.NumAttrs()+len(h.base))
	for _, a := range h.base {
		attrs[a.Key] = a.Value
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value
		return true
	})
	*h.sink = append(*h.sink, attrs)
	return nil
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := append(append([]slog.Attr{}, h.base...), attrs...)
	return &captureHandler{base: merged, sink: h.sink}
}

func (h *captureHandler) WithGroup(string) slog.Handler { return h }

func TestFailFastOutcomeReportsActualAttempts(t *testing.T) {
	refused := &net.OpError{Op: "read", Err: errors.New("connection refused")}
	ft := &fakeTransport{responses: []fakeResponse{{err: refused}}}

	var records []map[string]slog.Value
	old := logger.L
	logger.L = slog.New(&captureHandler{sink: &records})
	defer func() { logger.L = old }()

	c := newTestClient(t, ft, nil)
	if _, err := c.CreateContact(context.Background(), ContactPayload{}); !IsUnavailable(err) {
		t.Fatalf("err = %v, want unavailable", err)
	}
	if len(ft.requests) != 1 {
		t.Fatalf("requests = %d, want 1 (no retry on refused connection)", len(ft.requests))
	}

	found := false
	for _, rec := range records {
		event, ok := rec["event"]
		if !ok || event.String() != "api.call" {
			continue
		}
		found = true
		attempts, ok := rec["attempts"]
		if !ok {
			t.Fatal("api.call record has no attempts attribute")
		}
		if got := attempts.Int64(); got != 1 {
			t.Fatalf("attempts = %d, want the single executed attempt", got)
		}
	}
	if !found {
		t.Fatal("api.call outcome not logged")
	}
}

func TestGetContactTemplate(t *testing.T) {
	body := `{"templates":[{"id":41,"name":"other"},{"id":42,"name":"guest","customFields":[{"id":101,"label":"Город"}]}]}`
	ft := &fakeTransport{responses: []fakeResponse{{status: 200, body: body}}}
	c := newTestClient(t, ft, nil)

	tpl, err := c.GetContactTemplate(context.Background())
	if err != nil {
		t.Fatalf("GetContactTemplate: %v", err)
	}
	if tpl.ID != 42 || len(tpl.CustomFields) != 1 {
		t.Fatalf("template = %+v", tpl)
	}
}

func TestVerifyFieldMappingRejectsUnknownField(t *testing.T) {
	body := `{"templates":[{"id":42,"customFields":[{"id":202,"label":"Пол"}]}]}`
	ft := &fakeTransport{responses: []fakeResponse{{status: 200, body: body}}}
	c := newTestClient(t, ft, nil)

	err := c.VerifyFieldMapping(context.Background())
	if !IsRejected(err) {
		t.Fatalf("err = %v, want rejected", err)
	}
}

func TestEnsureContactCreatesWhenNew(t *testing.T) {
	ft := &fakeTransport{responses: []fakeResponse{
		{status: 200, body: `{"result":"success","id":77}`},
	}}
	c := newTestClient(t, ft, nil)

	res, err := c.EnsureContact(context.Background(), ContactData{
		LastName:  "Иванов",
		FirstName: "Иван",
		Phone:     "+79260000000",
		Birthdate: time.Date(1990, 2, 1, 0, 0, 0, 0, time.UTC),
		City:      "Москва",
	}, EnsureOptions{})
	if err != nil {
		t.Fatalf("EnsureContact: %v", err)
	}
	if !res.Created || res.ContactID != 77 {
		t.Fatalf("result = %+v", res)
	}
	if ft.requests[0].URL.Path != "/rest/contact/" {
		t.Fatalf("path = %q", ft.requests[0].URL.Path)
	}
}

func TestEnsureContactUpdatesPinnedID(t *testing.T) {
	ft := &fakeTransport{responses: []fakeResponse{
		{status: 200, body: `{"result":"success"}`},
	}}
	c := newTestClient(t, ft, nil)

	res, err := c.EnsureContact(context.Background(), ContactData{
		LastName: "Иванов", FirstName: "Иван", Phone: "+79260000000",
	}, EnsureOptions{UpdateExisting: true, ExistingID: 7})
	if err != nil {
		t.Fatalf("EnsureContact: %v", err)
	}
	if !res.Updated || res.ContactID != 7 {
		t.Fatalf("result = %+v", res)
	}
	if got := ft.requests[0].URL.Path; got != "/rest/contact/7" {
		t.Fatalf("path = %q", got)
	}
}

func TestBuildContactPayloadCustomFields(t *testing.T) {
	payload := BuildContactPayload(ContactData{
		LastName:         "Иванова",
		FirstName:        "Анна",
		Phone:            "+79260000000",
		Birthdate:        time.Date(1990, 2, 1, 0, 0, 0, 0, time.UTC),
		City:             "Казань",
		TelegramUsername: "@anna",
		TelegramID:       1234,
	}, 42, FieldIDs{City: 101, Telegram: 102, TelegramID: 103})

	if payload.Template == nil || payload.Template.ID != 42 {
		t.Fatalf("template = %+v", payload.Template)
	}
	if payload.BirthDate == nil || payload.BirthDate.Date != "01-02-1990" {
		t.Fatalf("birthDate = %+v", payload.BirthDate)
	}
	if len(payload.Phones) != 1 || payload.Phones[0].Number != "+79260000000" {
		t.Fatalf("phones = %+v", payload.Phones)
	}
	if payload.Telegram != "https://t.me/anna" || payload.TelegramID != "1234" {
		t.Fatalf("telegram fields = %q %q", payload.Telegram, payload.TelegramID)
	}
	if len(payload.CustomFieldData) != 3 {
		t.Fatalf("custom fields = %+v", payload.CustomFieldData)
	}
}
