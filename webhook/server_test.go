package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/guestbot/planfix"
	"github.com/m3rciful/guestbot/store"
)

type fakeMirror struct {
	tasks       map[int64]*store.Task
	guests      map[int64]int64 // planfix contact id -> telegram id
	invitations []store.Invitation
	withdrawn   []int64
	sessions    map[uuid.UUID]*store.FormSession
	completions int
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{
		tasks:    make(map[int64]*store.Task),
		guests:   make(map[int64]int64),
		sessions: make(map[uuid.UUID]*store.FormSession),
	}
}

func (m *fakeMirror) UpsertTask(_ context.Context, t store.Task) error {
	copied := t
	m.tasks[t.TaskID] = &copied
	return nil
}

func (m *fakeMirror) GetTask(_ context.Context, taskID int64) (*store.Task, error) {
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *t
	return &copied, nil
}

func (m *fakeMirror) SetTaskStatus(_ context.Context, taskID int64, status string) error {
	if t, ok := m.tasks[taskID]; ok {
		t.Status = status
	}
	return nil
}

func (m *fakeMirror) SetTaskDeadline(_ context.Context, taskID int64, deadline time.Time) error {
	if t, ok := m.tasks[taskID]; ok {
		t.Deadline = deadline
		t.DeadlineNotified = false
	}
	return nil
}

func (m *fakeMirror) AssignGuest(_ context.Context, taskID, guestPlanfixID int64) error {
	if t, ok := m.tasks[taskID]; ok {
		t.AssignedGuestID = sql.NullInt64{Int64: guestPlanfixID, Valid: true}
	}
	return nil
}

func (m *fakeMirror) SetAssignmentMessage(_ context.Context, taskID, chatID, messageID int64) error {
	if t, ok := m.tasks[taskID]; ok {
		t.AssignmentChatID = sql.NullInt64{Int64: chatID, Valid: true}
		t.AssignmentMessageID = sql.NullInt64{Int64: messageID, Valid: true}
	}
	return nil
}

func (m *fakeMirror) ClearAssignmentMessage(_ context.Context, taskID int64) error {
	if t, ok := m.tasks[taskID]; ok {
		t.AssignmentChatID = sql.NullInt64{}
		t.AssignmentMessageID = sql.NullInt64{}
	}
	return nil
}

func (m *fakeMirror) RecordInvitation(_ context.Context, inv store.Invitation) error {
	m.invitations = append(m.invitations, inv)
	return nil
}

func (m *fakeMirror) WithdrawInvitations(_ context.Context, taskID int64) error {
	m.withdrawn = append(m.withdrawn, taskID)
	return nil
}

func (m *fakeMirror) TelegramForGuest(_ context.Context, contactID int64) (int64, error) {
	id, ok := m.guests[contactID]
	if !ok {
		return 0, store.ErrNotFound
	}
	return id, nil
}

func (m *fakeMirror) CreateFormSession(_ context.Context, sessionID uuid.UUID, taskID, guestPlanfixID int64, form string) error {
	if _, ok := m.sessions[sessionID]; ok {
		return nil
	}
	m.sessions[sessionID] = &store.FormSession{
		SessionID:      sessionID,
		TaskID:         taskID,
		GuestPlanfixID: guestPlanfixID,
		Form:           form,
	}
	return nil
}

func (m *fakeMirror) GetFormSession(_ context.Context, sessionID uuid.UUID) (*store.FormSession, error) {
	fs, ok := m.sessions[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *fs
	return &copied, nil
}

func (m *fakeMirror) CompleteFormSession(_ context.Context, sessionID uuid.UUID, score int, summary string, payload []byte) error {
	fs, ok := m.sessions[sessionID]
	if !ok || fs.CompletedAt.Valid {
		return nil
	}
	fs.CompletedAt = sql.NullTime{Time: time.Now(), Valid: true}
	fs.Score = sql.NullInt64{Int64: int64(score), Valid: true}
	fs.Summary = sql.NullString{String: summary, Valid: summary != ""}
	fs.Payload = payload
	m.completions++
	return nil
}

type fakeRegistry struct {
	comments []string
	results  []int64
	statuses []int64
	fields   [][]planfix.CustomFieldValue

	taskTemplate int64
	taskFetches  int
}

func (r *fakeRegistry) GetTask(_ context.Context, taskID int64) (*planfix.Task, error) {
	r.taskFetches++
	task := &planfix.Task{ID: taskID}
	if r.taskTemplate != 0 {
		task.Template = &planfix.TemplateRef{ID: r.taskTemplate}
	}
	return task, nil
}

func (r *fakeRegistry) AddTaskComment(_ context.Context, taskID int64, text string) error {
	r.comments = append(r.comments, fmt.Sprintf("%d:%s", taskID, text))
	return nil
}

func (r *fakeRegistry) SubmitTaskResult(_ context.Context, taskID int64, fields []planfix.CustomFieldValue, statusID int64) error {
	r.results = append(r.results, taskID)
	r.statuses = append(r.statuses, statusID)
	r.fields = append(r.fields, fields)
	return nil
}

type sentMessage struct {
	telegramID int64
	text       string
	messageID  int64
	markup     *tele.ReplyMarkup
}

type fakeNotifier struct {
	sent    []sentMessage
	deleted []string
	nextID  int64
}

func (n *fakeNotifier) Send(telegramID int64, text string) (int64, error) {
	n.nextID++
	n.sent = append(n.sent, sentMessage{telegramID: telegramID, text: text, messageID: n.nextID})
	return n.nextID, nil
}

func (n *fakeNotifier) SendKeyboard(telegramID int64, text string, markup *tele.ReplyMarkup) (int64, error) {
	n.nextID++
	n.sent = append(n.sent, sentMessage{telegramID: telegramID, text: text, messageID: n.nextID, markup: markup})
	return n.nextID, nil
}

func (n *fakeNotifier) Delete(chatID, messageID int64) error {
	n.deleted = append(n.deleted, fmt.Sprintf("%d:%d", chatID, messageID))
	return nil
}

type fixture struct {
	server   *Server
	mirror   *fakeMirror
	registry *fakeRegistry
	notifier *fakeNotifier
	admin    []string
}

const (
	testLogin    = "crm"
	testPassword = "hook-pass"
	testSecret   = "form-secret"
)

func newFixture(t *testing.T, mods ...func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		mirror:   newFakeMirror(),
		registry: &fakeRegistry{},
		notifier: &fakeNotifier{},
	}
	opts := Options{
		BasicLogin:           testLogin,
		BasicPassword:        testPassword,
		FormsSecret:          testSecret,
		FormURL:              "https://forms.example.com/visit",
		ScoreFieldID:         138,
		ResultStatusFieldID:  140,
		SessionFieldID:       142,
		StatusFormReceivedID: 115,
		StatusReviewID:       116,
		Store:                f.mirror,
		Registry:             f.registry,
		Notify:               f.notifier,
		NotifyAdmin: func(text string) error {
			f.admin = append(f.admin, text)
			return nil
		},
	}
	for _, mod := range mods {
		mod(&opts)
	}
	f.server = New(opts)
	return f
}

func (f *fixture) postCRM(t *testing.T, body string, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/planfix", strings.NewReader(body))
	if auth {
		req.SetBasicAuth(testLogin, testPassword)
	} else {
		req.SetBasicAuth(testLogin, "wrong")
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *fixture) postForm(t *testing.T, body string, sign bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/forms", strings.NewReader(body))
	if sign {
		mac := hmac.New(sha256.New, []byte(testSecret))
		mac.Write([]byte(body))
		req.Header.Set("X-Forms-Signature", hex.EncodeToString(mac.Sum(nil)))
	} else {
		req.Header.Set("X-Forms-Signature", "deadbeef")
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestLiveness(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte(`"ok"`)) {
		t.Fatalf("body = %s, want ok status", rec.Body.String())
	}
}

func TestBasicAuthRejectedWithoutMutation(t *testing.T) {
	f := newFixture(t)
	body := `{"event":"task.created","taskId":100,"restaurant":{"name":"Кафе"}}`

	rec := f.postCRM(t, body, false)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if got := rec.Header().Get("WWW-Authenticate"); got == "" {
		t.Error("missing WWW-Authenticate header")
	}
	if len(f.mirror.tasks) != 0 {
		t.Errorf("mirror mutated on rejected auth: %d tasks", len(f.mirror.tasks))
	}
}

func TestMalformedBodyRejected(t *testing.T) {
	f := newFixture(t)
	rec := f.postCRM(t, `{"event": "task.created", "taskId":`, true)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestTaskCreatedMirrorsAndInvites(t *testing.T) {
	f := newFixture(t)
	f.mirror.guests[427] = 555001

	body := `{
		"event": "task.created",
		"taskId": "17859014",
		"nomber": 86190,
		"restaurant": {"name": "Белый кит", "address": "Невский 1"},
		"visit": {"date": "20.09.2026", "deadline": "25-09-2026 18:00"},
		"guests": [
			{"planfixContactId": "427", "name": "Иван"},
			{"planfixContactId": 901, "name": "Пётр"}
		]
	}`
	rec := f.postCRM(t, body, true)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}
	task, ok := f.mirror.tasks[17859014]
	if !ok {
		t.Fatal("task not mirrored")
	}
	if task.TaskNumber.String != "86190" {
		t.Errorf("task number = %q, want 86190", task.TaskNumber.String)
	}
	if task.VenueName != "Белый кит" {
		t.Errorf("venue = %q", task.VenueName)
	}
	if task.Deadline.IsZero() {
		t.Error("deadline not parsed")
	}
	if task.Status != "new" {
		t.Errorf("status = %q, want new", task.Status)
	}

	if len(f.mirror.invitations) != 1 {
		t.Fatalf("invitations = %d, want 1", len(f.mirror.invitations))
	}
	inv := f.mirror.invitations[0]
	if inv.GuestPlanfixID != 427 || inv.TelegramID != 555001 {
		t.Errorf("invitation = %+v", inv)
	}
	if len(f.notifier.sent) != 1 || f.notifier.sent[0].telegramID != 555001 {
		t.Fatalf("sent = %+v, want one invite to 555001", f.notifier.sent)
	}
	if !strings.Contains(f.notifier.sent[0].text, "Белый кит") {
		t.Errorf("invite text = %q", f.notifier.sent[0].text)
	}
	markup := f.notifier.sent[0].markup
	if markup == nil || len(markup.InlineKeyboard) == 0 || len(markup.InlineKeyboard[0]) != 2 {
		t.Fatalf("invite markup = %+v, want accept/decline row", markup)
	}
	if !strings.Contains(markup.InlineKeyboard[0][0].Data, "17859014") {
		t.Errorf("accept button payload = %q, want task id", markup.InlineKeyboard[0][0].Data)
	}

	// The unmapped guest surfaces to the admin, not as an error.
	if len(f.admin) != 1 || !strings.Contains(f.admin[0], "901") {
		t.Errorf("admin notes = %v, want unmapped guest 901", f.admin)
	}
	if len(f.registry.comments) != 1 {
		t.Errorf("comments = %v, want invitation summary", f.registry.comments)
	}
}

func TestTaskCreatedSkipsForeignTemplate(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.TaskTemplateIDs = []int64{42} })
	f.mirror.guests[427] = 555001

	body := `{
		"event": "task.created",
		"taskId": 60,
		"task": {"id": 60, "template": {"id": 99}},
		"restaurant": {"name": "Кафе"},
		"guests": [{"planfixContactId": 427}]
	}`
	rec := f.postCRM(t, body, true)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("ignored")) {
		t.Fatalf("body = %s, want ignored", rec.Body.String())
	}
	if len(f.mirror.tasks) != 0 {
		t.Errorf("mirrored %d tasks, want none for a foreign template", len(f.mirror.tasks))
	}
	if len(f.notifier.sent) != 0 {
		t.Errorf("sent = %+v, want no invites", f.notifier.sent)
	}
}

func TestTaskCreatedAcceptsListedTemplate(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.TaskTemplateIDs = []int64{42, 43} })
	f.mirror.guests[427] = 555001

	body := `{
		"event": "task.created",
		"taskId": 60,
		"task": {"id": 60, "template": {"id": "43"}},
		"restaurant": {"name": "Кафе"},
		"guests": [{"planfixContactId": 427}]
	}`
	rec := f.postCRM(t, body, true)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if _, ok := f.mirror.tasks[60]; !ok {
		t.Fatal("task from a listed template not mirrored")
	}
	if f.registry.taskFetches != 0 {
		t.Errorf("registry fetches = %d, payload template should suffice", f.registry.taskFetches)
	}
}

func TestTaskCreatedTemplateResolvedFromRegistry(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.TaskTemplateIDs = []int64{42} })
	f.mirror.guests[427] = 555001
	f.registry.taskTemplate = 42

	body := `{
		"event": "task.created",
		"taskId": 60,
		"restaurant": {"name": "Кафе"},
		"guests": [{"planfixContactId": 427}]
	}`
	rec := f.postCRM(t, body, true)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if f.registry.taskFetches != 1 {
		t.Fatalf("registry fetches = %d, want 1 for a payload without template", f.registry.taskFetches)
	}
	if _, ok := f.mirror.tasks[60]; !ok {
		t.Fatal("task not mirrored after registry lookup")
	}
}

func TestDeadlineUpdatedRefreshesMirror(t *testing.T) {
	f := newFixture(t)
	f.mirror.tasks[50] = &store.Task{
		TaskID:           50,
		Status:           "assigned",
		Deadline:         time.Date(2026, time.September, 20, 18, 0, 0, 0, time.UTC),
		DeadlineNotified: true,
	}

	rec := f.postCRM(t, `{"event":"task.deadline_updated","taskId":50,"deadline":"2026-09-25T18:00:00Z"}`, true)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	task := f.mirror.tasks[50]
	want := time.Date(2026, time.September, 25, 18, 0, 0, 0, time.UTC)
	if !task.Deadline.Equal(want) {
		t.Errorf("deadline = %v, want %v", task.Deadline, want)
	}
	if task.DeadlineNotified {
		t.Error("sweep flag not re-armed after deadline move")
	}
	if len(f.notifier.sent) != 0 || len(f.admin) != 0 {
		t.Errorf("notifications = %+v/%v, want none for a deadline move", f.notifier.sent, f.admin)
	}
}

func TestUnknownTaskIgnored(t *testing.T) {
	f := newFixture(t)
	rec := f.postCRM(t, `{"event":"task.updated","taskId":999,"task":{"id":999,"statusId":116}}`, true)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("ignored")) {
		t.Fatalf("body = %s, want ignored", rec.Body.String())
	}
}

func TestAssigneeManualWithdrawsInvitations(t *testing.T) {
	f := newFixture(t)
	f.mirror.tasks[50] = &store.Task{TaskID: 50, Status: "new"}

	rec := f.postCRM(t, `{"event":"task.assignee.manual","taskId":50,"guest":{"planfixContactId":427}}`, true)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	task := f.mirror.tasks[50]
	if task.Status != "assigned" {
		t.Errorf("status = %q, want assigned", task.Status)
	}
	if !task.AssignedGuestID.Valid || task.AssignedGuestID.Int64 != 427 {
		t.Errorf("assigned guest = %+v, want 427", task.AssignedGuestID)
	}
	if len(f.mirror.withdrawn) != 1 || f.mirror.withdrawn[0] != 50 {
		t.Errorf("withdrawn = %v, want [50]", f.mirror.withdrawn)
	}
}

func TestWaitFormOpensSessionAndSendsLink(t *testing.T) {
	f := newFixture(t)
	f.mirror.guests[427] = 555001
	f.mirror.tasks[50] = &store.Task{
		TaskID:          50,
		VenueName:       "Белый кит",
		Status:          "assigned",
		AssignedGuestID: sql.NullInt64{Int64: 427, Valid: true},
	}

	rec := f.postCRM(t, `{"event":"task.wait_form","taskId":50,"visit":{"deadline":"25-09-2026 18:00"}}`, true)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}
	task := f.mirror.tasks[50]
	if task.Status != "waiting_form" {
		t.Errorf("status = %q, want waiting_form", task.Status)
	}
	if len(f.mirror.sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(f.mirror.sessions))
	}
	var session *store.FormSession
	for _, fs := range f.mirror.sessions {
		session = fs
	}
	if session.TaskID != 50 || session.GuestPlanfixID != 427 {
		t.Errorf("session = %+v", session)
	}

	if len(f.notifier.sent) != 1 {
		t.Fatalf("sent = %d messages, want 1", len(f.notifier.sent))
	}
	text := f.notifier.sent[0].text
	if !strings.Contains(text, "forms.example.com") || !strings.Contains(text, session.SessionID.String()) {
		t.Errorf("form invite = %q, want link with session id", text)
	}
	if !task.AssignmentMessageID.Valid {
		t.Error("assignment message not recorded")
	}
}

func TestDeadlineFailedNotifiesBothSides(t *testing.T) {
	f := newFixture(t)
	f.mirror.guests[427] = 555001
	f.mirror.tasks[50] = &store.Task{
		TaskID:          50,
		Status:          "waiting_form",
		AssignedGuestID: sql.NullInt64{Int64: 427, Valid: true},
	}

	rec := f.postCRM(t, `{"event":"task.deadline_failed","taskId":50}`, true)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if f.mirror.tasks[50].Status != "deadline_failed" {
		t.Errorf("status = %q, want deadline_failed", f.mirror.tasks[50].Status)
	}
	if len(f.admin) != 1 {
		t.Errorf("admin notes = %v, want one", f.admin)
	}
	if len(f.notifier.sent) != 1 || f.notifier.sent[0].telegramID != 555001 {
		t.Errorf("guest notifications = %+v", f.notifier.sent)
	}
}

func TestCompletedCompensationTellsGuestAmount(t *testing.T) {
	f := newFixture(t)
	f.mirror.guests[427] = 555001
	f.mirror.tasks[50] = &store.Task{
		TaskID:          50,
		Status:          "waiting_form",
		AssignedGuestID: sql.NullInt64{Int64: 427, Valid: true},
	}

	body := `{
		"event": "task.completed_compensation",
		"taskId": 50,
		"guest": {"planfixContactId": 427},
		"finance": {"actual": 1500},
		"result": {"score": "87", "summary": "Отличный визит"}
	}`
	rec := f.postCRM(t, body, true)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if f.mirror.tasks[50].Status != "done" {
		t.Errorf("status = %q, want done", f.mirror.tasks[50].Status)
	}
	if len(f.notifier.sent) != 1 || !strings.Contains(f.notifier.sent[0].text, "1500") {
		t.Fatalf("guest message = %+v, want payout amount", f.notifier.sent)
	}
	if len(f.registry.comments) != 1 || !strings.Contains(f.registry.comments[0], "87") {
		t.Errorf("comments = %v, want score in summary", f.registry.comments)
	}
}

func TestReviewStatusNotifiesGuest(t *testing.T) {
	f := newFixture(t)
	f.mirror.guests[427] = 555001
	f.mirror.tasks[50] = &store.Task{
		TaskID:          50,
		Status:          "waiting_form",
		AssignedGuestID: sql.NullInt64{Int64: 427, Valid: true},
	}

	rec := f.postCRM(t, `{"event":"task.updated","taskId":50,"task":{"id":50,"statusId":"116"}}`, true)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(f.notifier.sent) != 1 || !strings.Contains(f.notifier.sent[0].text, "на проверке") {
		t.Errorf("sent = %+v, want review notice", f.notifier.sent)
	}
}

func TestFormSignatureMismatchKeepsSession(t *testing.T) {
	f := newFixture(t)
	sessionID := uuid.New()
	f.mirror.sessions[sessionID] = &store.FormSession{
		SessionID: sessionID, TaskID: 50, GuestPlanfixID: 427, Form: "feedback",
	}

	body := fmt.Sprintf(`{"sessionId":%q,"taskId":50,"result":90}`, sessionID)
	rec := f.postForm(t, body, false)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if f.mirror.completions != 0 {
		t.Errorf("completions = %d, want 0", f.mirror.completions)
	}
}

func TestFormSubmissionCompletesSession(t *testing.T) {
	f := newFixture(t)
	f.mirror.guests[427] = 555001
	sessionID := uuid.New()
	f.mirror.tasks[50] = &store.Task{
		TaskID:              50,
		Status:              "waiting_form",
		AssignedGuestID:     sql.NullInt64{Int64: 427, Valid: true},
		AssignmentChatID:    sql.NullInt64{Int64: 555001, Valid: true},
		AssignmentMessageID: sql.NullInt64{Int64: 77, Valid: true},
	}
	f.mirror.sessions[sessionID] = &store.FormSession{
		SessionID: sessionID, TaskID: 50, GuestPlanfixID: 427, Form: "feedback",
	}

	body := fmt.Sprintf(`{
		"jsonrpc": "2.0",
		"method": "form.submit",
		"id": 7,
		"params": {
			"sessionId": %q,
			"taskId": "50",
			"guestId": 427,
			"formCode": "feedback",
			"result": {"score": 92, "summary": "Всё отлично"}
		}
	}`, sessionID)
	rec := f.postForm(t, body, true)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		JSONRPC string `json:"jsonrpc"`
		Result  struct {
			Status string `json:"status"`
		} `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.JSONRPC != "2.0" || resp.Result.Status != "ok" {
		t.Errorf("response = %s", rec.Body.String())
	}

	session := f.mirror.sessions[sessionID]
	if !session.CompletedAt.Valid || session.Score.Int64 != 92 {
		t.Errorf("session = %+v, want completed with score 92", session)
	}
	if session.Summary.String != "Всё отлично" {
		t.Errorf("summary = %q", session.Summary.String)
	}

	// CRM write carries the score field and the form-received status.
	if len(f.registry.results) != 1 || f.registry.results[0] != 50 {
		t.Fatalf("results = %v, want task 50", f.registry.results)
	}
	if f.registry.statuses[0] != 115 {
		t.Errorf("status id = %d, want 115", f.registry.statuses[0])
	}
	foundScore := false
	for _, fv := range f.registry.fields[0] {
		if fv.Field.ID == 138 && fv.Value == "92" {
			foundScore = true
		}
	}
	if !foundScore {
		t.Errorf("fields = %+v, want score field 138", f.registry.fields[0])
	}

	// The form invite message is removed, the guest is thanked.
	if len(f.notifier.deleted) != 1 || f.notifier.deleted[0] != "555001:77" {
		t.Errorf("deleted = %v", f.notifier.deleted)
	}
	if f.mirror.tasks[50].AssignmentMessageID.Valid {
		t.Error("assignment message not cleared")
	}
	if len(f.notifier.sent) != 1 || !strings.Contains(f.notifier.sent[0].text, "Благодарим") {
		t.Errorf("sent = %+v, want thank-you", f.notifier.sent)
	}
	if len(f.admin) != 1 || !strings.Contains(f.admin[0], "92") {
		t.Errorf("admin notes = %v", f.admin)
	}
}

func TestFormSubmissionIdempotent(t *testing.T) {
	f := newFixture(t)
	sessionID := uuid.New()
	f.mirror.sessions[sessionID] = &store.FormSession{
		SessionID: sessionID, TaskID: 50, GuestPlanfixID: 427, Form: "feedback",
		CompletedAt: sql.NullTime{Time: time.Now(), Valid: true},
		Score:       sql.NullInt64{Int64: 90, Valid: true},
	}

	body := fmt.Sprintf(`{"sessionId":%q,"taskId":50,"result":40}`, sessionID)
	rec := f.postForm(t, body, true)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	session := f.mirror.sessions[sessionID]
	if session.Score.Int64 != 90 {
		t.Errorf("score = %d, first result must win", session.Score.Int64)
	}
	if f.mirror.completions != 0 {
		t.Errorf("completions = %d, want 0", f.mirror.completions)
	}
	if len(f.registry.results) != 0 {
		t.Errorf("registry writes = %v, want none", f.registry.results)
	}
}

func TestFormUnknownSessionIgnored(t *testing.T) {
	f := newFixture(t)
	body := fmt.Sprintf(`{"sessionId":%q,"taskId":50,"result":90}`, uuid.New())
	rec := f.postForm(t, body, true)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("ignored")) {
		t.Fatalf("body = %s, want ignored", rec.Body.String())
	}
}

func TestParseCRMDateLayouts(t *testing.T) {
	cases := []struct {
		in   string
		zero bool
	}{
		{"25-09-2026 18:00", false},
		{"25-09-2026", false},
		{"25.09.2026", false},
		{"2026-09-25", false},
		{"2026-09-25T18:00:00+03:00", false},
		{"2026-09-25T18:00:00Z", false},
		{"2026-09-25T18:00:00", false},
		{"", true},
		{"not a date", true},
	}
	for _, tc := range cases {
		got := parseCRMDate(tc.in)
		if got.IsZero() != tc.zero {
			t.Errorf("parseCRMDate(%q) zero = %v, want %v", tc.in, got.IsZero(), tc.zero)
		}
	}
}
