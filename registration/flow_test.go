package registration

import (
	"context"
	"strings"
	"testing"

	tg "github.com/m3rciful/guestbot/core/telegram"
	"github.com/m3rciful/guestbot/core/telegram/state"
	"github.com/m3rciful/guestbot/planfix"

	tele "gopkg.in/telebot.v4"
)

type fakeContext struct {
	tele.Context

	user    *tele.User
	text    string
	message *tele.Message
	store   map[string]interface{}
	sent    []string
}

func newFakeContext(user *tele.User, text string) *fakeContext {
	return &fakeContext{
		user:  user,
		text:  text,
		store: make(map[string]interface{}),
	}
}

func (f *fakeContext) Sender() *tele.User      { return f.user }
func (f *fakeContext) Chat() *tele.Chat        { return &tele.Chat{ID: f.user.ID} }
func (f *fakeContext) Update() tele.Update     { return tele.Update{ID: 1} }
func (f *fakeContext) Text() string            { return f.text }
func (f *fakeContext) Message() *tele.Message  { return f.message }
func (f *fakeContext) Callback() *tele.Callback { return nil }

func (f *fakeContext) Get(key string) interface{}      { return f.store[key] }
func (f *fakeContext) Set(key string, v interface{})   { f.store[key] = v }

func (f *fakeContext) Send(what interface{}, _ ...interface{}) error {
	if s, ok := what.(string); ok {
		f.sent = append(f.sent, s)
	}
	return nil
}

func (f *fakeContext) Respond(_ ...*tele.CallbackResponse) error { return nil }

type fakeRegistry struct {
	match     planfix.Match
	findErr   error
	ensureErr error

	findCalls int
	creates   int
	updates   int
	lastData  planfix.ContactData
	lastOpts  planfix.EnsureOptions
}

func (r *fakeRegistry) FindByPhone(_ context.Context, _ string) (planfix.Match, error) {
	r.findCalls++
	if r.findErr != nil {
		return planfix.Match{}, r.findErr
	}
	return r.match, nil
}

func (r *fakeRegistry) EnsureContact(_ context.Context, data planfix.ContactData, opts planfix.EnsureOptions) (planfix.EnsureResult, error) {
	r.lastData = data
	r.lastOpts = opts
	if r.ensureErr != nil {
		return planfix.EnsureResult{}, r.ensureErr
	}
	if opts.UpdateExisting {
		r.updates++
		return planfix.EnsureResult{ContactID: opts.ExistingID, Updated: true}, nil
	}
	r.creates++
	return planfix.EnsureResult{ContactID: 77, Created: true}, nil
}

type dialog struct {
	t    *testing.T
	flow *Flow
	mgr  state.Manager
	user *tele.User
	reg  *fakeRegistry

	adminNotes []string
}

func newDialog(t *testing.T) *dialog {
	t.Helper()
	d := &dialog{
		t:    t,
		mgr:  state.NewMemoryManager(),
		user: &tele.User{ID: 1001, Username: "guest"},
		reg:  &fakeRegistry{},
	}
	d.flow = &Flow{
		Sessions:        d.mgr,
		Registry:        d.reg,
		RegistryBaseURL: "https://crm.example.com",
		NotifyAdmin: func(text string) error {
			d.adminNotes = append(d.adminNotes, text)
			return nil
		},
	}
	d.flow.Register(tg.NewRegistry())
	return d
}

func (d *dialog) start() *fakeContext {
	c := newFakeContext(d.user, "/start")
	if err := d.flow.Start(c); err != nil {
		d.t.Fatalf("start: %v", err)
	}
	return c
}

func (d *dialog) message(text string) *fakeContext {
	c := newFakeContext(d.user, text)
	if err := d.mgr.ManagerHandler(c); err != nil {
		d.t.Fatalf("message %q: %v", text, err)
	}
	return c
}

func (d *dialog) callback(handler func(tele.Context) error) *fakeContext {
	c := newFakeContext(d.user, "")
	if err := handler(c); err != nil {
		d.t.Fatalf("callback: %v", err)
	}
	return c
}

func (d *dialog) wantState(want state.State) {
	d.t.Helper()
	if got := d.mgr.GetState(d.user.ID); got != want {
		d.t.Fatalf("state = %q, want %q", got, want)
	}
}

func (d *dialog) fillToConfirmation() {
	d.start()
	d.message("Иванов")
	d.message("Иван")
	d.message("+7 926 000-00-00")
	d.message("01.02.1990")
	d.message("Москва")
	d.wantState(StateAwaitConfirmation)
}

func TestHappyPathCreatesContactOnce(t *testing.T) {
	d := newDialog(t)
	d.fillToConfirmation()

	c := d.callback(d.flow.Confirm)

	if d.reg.creates != 1 {
		t.Fatalf("creates = %d, want exactly 1", d.reg.creates)
	}
	if d.reg.updates != 0 {
		t.Fatalf("updates = %d, want 0", d.reg.updates)
	}
	if d.reg.lastData.Phone != "+79260000000" {
		t.Fatalf("submitted phone = %q, want canonical +79260000000", d.reg.lastData.Phone)
	}
	if d.reg.lastData.LastName != "Иванов" || d.reg.lastData.FirstName != "Иван" {
		t.Fatalf("submitted names = %q %q", d.reg.lastData.LastName, d.reg.lastData.FirstName)
	}
	if d.mgr.InProgress(d.user.ID) {
		t.Fatal("session still active after submission")
	}
	if len(c.sent) == 0 || !strings.Contains(c.sent[0], "зарегистрирован") {
		t.Fatalf("user reply = %v", c.sent)
	}
	if len(d.adminNotes) != 1 || !strings.Contains(d.adminNotes[0], "Planfix ID: 77") {
		t.Fatalf("admin notes = %v", d.adminNotes)
	}
}

func TestInvalidPhoneDoesNotAdvance(t *testing.T) {
	d := newDialog(t)
	d.start()
	d.message("Иванов")
	d.message("Иван")
	d.wantState(StateAwaitPhone)

	c := d.message("12345")

	d.wantState(StateAwaitPhone)
	if len(c.sent) == 0 {
		t.Fatal("expected a validation message")
	}
	if d.reg.findCalls != 0 || d.reg.creates != 0 {
		t.Fatalf("registry touched on invalid input: %+v", d.reg)
	}
}

func TestSharedContactFillsPhone(t *testing.T) {
	d := newDialog(t)
	d.start()
	d.message("Иванов")
	d.message("Иван")

	c := newFakeContext(d.user, "")
	c.message = &tele.Message{Contact: &tele.Contact{PhoneNumber: "8 926 000-00-00"}}
	if err := d.mgr.ManagerHandler(c); err != nil {
		t.Fatalf("contact message: %v", err)
	}

	d.wantState(StateAwaitBirthday)
	if got, _ := d.mgr.GetTemp(d.user.ID, keyPhone); got != "+79260000000" {
		t.Fatalf("stored phone = %v", got)
	}
}

func TestCancelAtBirthdayDropsSession(t *testing.T) {
	d := newDialog(t)
	d.start()
	d.message("Иванов")
	d.message("Иван")
	d.message("+79260000000")
	d.wantState(StateAwaitBirthday)

	d.callback(d.flow.Cancel)

	if d.mgr.InProgress(d.user.ID) {
		t.Fatal("session survived /cancel")
	}
	if _, ok := d.mgr.GetTemp(d.user.ID, keyLastName); ok {
		t.Fatal("collected values survived /cancel")
	}
}

func TestBackKeepsCollectedValues(t *testing.T) {
	d := newDialog(t)
	d.start()
	d.message("Иванов")
	d.message("Иван")
	d.message("+79260000000")
	d.wantState(StateAwaitBirthday)

	d.callback(d.flow.Back)
	d.wantState(StateAwaitPhone)

	if got, _ := d.mgr.GetTemp(d.user.ID, keyLastName); got != "Иванов" {
		t.Fatalf("last name after /back = %v", got)
	}

	d.message("+79260000001")
	d.wantState(StateAwaitBirthday)
}

func TestBackFromInitialStateRefuses(t *testing.T) {
	d := newDialog(t)
	d.start()
	d.wantState(StateAwaitLastName)

	d.callback(d.flow.Back)
	d.wantState(StateAwaitLastName)
}

func TestDuplicateRequiresConsentBeforeUpdate(t *testing.T) {
	d := newDialog(t)
	d.reg.match = planfix.Match{
		Outcome: planfix.MatchOne,
		Contact: &planfix.Contact{ID: 55, Lastname: "Иванов"},
	}
	d.fillToConfirmation()

	d.callback(d.flow.Confirm)

	d.wantState(StateAwaitOverwrite)
	if d.reg.creates != 0 || d.reg.updates != 0 {
		t.Fatalf("write happened without consent: %+v", d.reg)
	}

	d.callback(d.flow.DuplicateUpdate)

	if d.reg.updates != 1 || d.reg.lastOpts.ExistingID != 55 {
		t.Fatalf("update = %d, existing id = %d", d.reg.updates, d.reg.lastOpts.ExistingID)
	}
	if d.reg.creates != 0 {
		t.Fatalf("creates = %d, want 0", d.reg.creates)
	}
	if d.mgr.InProgress(d.user.ID) {
		t.Fatal("session still active after update")
	}
}

func TestDuplicateDeclineEndsDialog(t *testing.T) {
	d := newDialog(t)
	d.reg.match = planfix.Match{
		Outcome: planfix.MatchOne,
		Contact: &planfix.Contact{ID: 55},
	}
	d.fillToConfirmation()
	d.callback(d.flow.Confirm)
	d.wantState(StateAwaitOverwrite)

	d.callback(d.flow.DuplicateCancel)

	if d.mgr.InProgress(d.user.ID) {
		t.Fatal("session survived declined overwrite")
	}
	if d.reg.updates != 0 {
		t.Fatalf("updates = %d, want 0", d.reg.updates)
	}
}

func TestTransientFailureKeepsConfirmation(t *testing.T) {
	d := newDialog(t)
	d.reg.findErr = &planfix.Error{Kind: planfix.KindTransient, Op: "contact.search", Status: 502}
	d.fillToConfirmation()

	c := d.callback(d.flow.Confirm)

	d.wantState(StateAwaitConfirmation)
	if d.reg.creates != 0 {
		t.Fatalf("creates = %d, want 0", d.reg.creates)
	}
	if len(c.sent) == 0 || !strings.Contains(c.sent[0], "временная проблема") {
		t.Fatalf("retry prompt = %v", c.sent)
	}

	// Collected values survive, a second confirm succeeds.
	d.reg.findErr = nil
	d.callback(d.flow.Confirm)
	if d.reg.creates != 1 {
		t.Fatalf("creates after retry = %d, want 1", d.reg.creates)
	}
}

func TestRejectedCreateReturnsToOffendingStep(t *testing.T) {
	d := newDialog(t)
	d.reg.ensureErr = &planfix.Error{
		Kind: planfix.KindRejected, Op: "contact.create", Status: 400,
		Message: "invalid phone number",
	}
	d.fillToConfirmation()

	d.callback(d.flow.Confirm)

	d.wantState(StateAwaitPhone)
	if got, _ := d.mgr.GetTemp(d.user.ID, keyLastName); got != "Иванов" {
		t.Fatalf("collected values lost: %v", got)
	}
}

func TestAmbiguousMatchEscalatesToAdmin(t *testing.T) {
	d := newDialog(t)
	d.reg.match = planfix.Match{
		Outcome:  planfix.MatchMany,
		Contacts: []planfix.Contact{{ID: 1}, {ID: 2}},
	}
	d.fillToConfirmation()

	c := d.callback(d.flow.Confirm)

	d.wantState(StateAwaitConfirmation)
	if d.reg.creates != 0 || d.reg.updates != 0 {
		t.Fatalf("auto-merge happened: %+v", d.reg)
	}
	if len(d.adminNotes) != 1 || !strings.Contains(d.adminNotes[0], "+79260000000") {
		t.Fatalf("admin notes = %v", d.adminNotes)
	}
	if len(c.sent) == 0 || !strings.Contains(c.sent[0], "администратору") {
		t.Fatalf("user reply = %v", c.sent)
	}
}

func TestStartResetsExistingSession(t *testing.T) {
	d := newDialog(t)
	d.start()
	d.message("Иванов")
	d.wantState(StateAwaitFirstName)

	d.start()

	d.wantState(StateAwaitLastName)
	if _, ok := d.mgr.GetTemp(d.user.ID, keyLastName); ok {
		t.Fatal("previous values survived /start")
	}
}
