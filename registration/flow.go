// Package registration implements the secret-guest registration dialog:
// a linear back-navigable flow that collects last name, first name, phone,
// birthdate and city, then upserts the contact into the CRM after explicit
// confirmation.
package registration

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/m3rciful/guestbot/core/logger"
	tg "github.com/m3rciful/guestbot/core/telegram"
	"github.com/m3rciful/guestbot/core/telegram/commands"
	tghelpers "github.com/m3rciful/guestbot/core/telegram/helpers"
	"github.com/m3rciful/guestbot/core/telegram/keyboard"
	"github.com/m3rciful/guestbot/core/telegram/state"
	"github.com/m3rciful/guestbot/planfix"
	"github.com/m3rciful/guestbot/validate"
	"log/slog"

	tele "gopkg.in/telebot.v4"
)

// Registry is the CRM surface the dialog needs.
type Registry interface {
	FindByPhone(ctx context.Context, phone string) (planfix.Match, error)
	EnsureContact(ctx context.Context, data planfix.ContactData, opts planfix.EnsureOptions) (planfix.EnsureResult, error)
}

// GuestDirectory records the contact-to-telegram mapping after a successful
// registration. Optional; a nil directory skips the write.
type GuestDirectory interface {
	UpsertGuestMapping(ctx context.Context, contactID, telegramID int64, username string) error
}

// Flow wires the registration dialog: session storage, CRM client and the
// admin notification target.
type Flow struct {
	Sessions state.Manager
	Registry Registry
	Guests   GuestDirectory

	// RegistryBaseURL is used to build contact links in admin notifications.
	RegistryBaseURL string

	// NotifyAdmin delivers an out-of-dialog message to the admin chat.
	// Nil disables admin notifications.
	NotifyAdmin func(text string) error
}

const (
	cbConfirm = "reg_confirm"
	cbChange  = "reg_change"
	cbDupYes  = "reg_dup_yes"
	cbDupNo   = "reg_dup_no"
)

const (
	msgGreeting = "Привет! Я помогу твоей регистрации как Тайный гость — всё займёт пару минут.\nНапиши, пожалуйста, фамилию."
	msgAskLast  = "Напиши, пожалуйста, фамилию."
	msgAskFirst = "Отлично! Теперь укажи, пожалуйста, имя."
	msgAskPhone = "Поделись номером — нажми кнопку «Поделиться контактом» или введи вручную."
	msgAskBirth = "Укажи дату рождения в формате ДД.ММ.ГГГГ, пожалуйста."
	msgAskCity  = "Напиши, пожалуйста, город проживания."

	msgCancelled   = "Регистрация отменена. Если решишь попробовать снова — просто напиши /start."
	msgNothingBack = "Сейчас некуда возвращаться. Напиши /start, чтобы начать регистрацию."
	msgRetryLater  = "Упс — временная проблема на нашей стороне. Нажми «Подтвердить регистрацию» ещё раз через несколько секунд."
	msgSubmitted   = "Спасибо — мы всё записали. Ты зарегистрирован(а). Ожидай уведомления в боте о задании."
	msgDuplicate   = "Контакт с таким номером уже зарегистрирован. Обновить данные?"
	msgEscalated   = "С этим номером связано несколько записей. Я передал вопрос администратору, он свяжется с тобой."
	msgDupDeclined = "Хорошо, данные остались без изменений. Если решишь попробовать снова — напиши /start."

	birthdateLayout = "02.01.2006"
)

func send(c tele.Context, text string) error {
	return tghelpers.SendText(c, text)
}

func sendMarkup(c tele.Context, text string, markup *tele.ReplyMarkup) error {
	return tghelpers.SendText(c, text, &tele.SendOptions{ReplyMarkup: markup})
}

func contactKeyboard() *tele.ReplyMarkup {
	markup := &tele.ReplyMarkup{ResizeKeyboard: true, OneTimeKeyboard: true}
	markup.Reply(markup.Row(markup.Contact("Поделиться контактом")))
	return markup
}

func confirmationKeyboard() *tele.ReplyMarkup {
	return keyboard.InlineButtons([]keyboard.InlineBtn{
		{Text: "Подтвердить регистрацию", Unique: cbConfirm},
		{Text: "Изменить данные", Unique: cbChange},
	})
}

func duplicateKeyboard() *tele.ReplyMarkup {
	return keyboard.InlineButtons([]keyboard.InlineBtn{
		{Text: "Обновить данные", Unique: cbDupYes},
		{Text: "Отмена", Unique: cbDupNo},
	})
}

// Register wires commands, callbacks and per-state handlers into the
// bot registry.
func (f *Flow) Register(reg *tg.Registry) {
	reg.RegisterCommand("/start", commands.Command{
		Handler:     f.Start,
		Description: "Начать регистрацию",
	})
	reg.RegisterCommand("/cancel", commands.Command{
		Handler:     f.Cancel,
		Description: "Отменить регистрацию",
	})
	reg.RegisterCommand("/back", commands.Command{
		Handler:     f.Back,
		Description: "Вернуться на шаг назад",
	})

	_ = reg.RegisterCallback(cbConfirm, f.Confirm)
	_ = reg.RegisterCallback(cbChange, f.Change)
	_ = reg.RegisterCallback(cbDupYes, f.DuplicateUpdate)
	_ = reg.RegisterCallback(cbDupNo, f.DuplicateCancel)

	state.RegisterHandler(StateAwaitLastName, f.handleLastName)
	state.RegisterHandler(StateAwaitFirstName, f.handleFirstName)
	state.RegisterHandler(StateAwaitPhone, f.handlePhone)
	state.RegisterHandler(StateAwaitBirthday, f.handleBirthday)
	state.RegisterHandler(StateAwaitCity, f.handleCity)
}

// Start resets any previous session and begins the flow from the last name.
func (f *Flow) Start(c tele.Context) error {
	userID := c.Sender().ID
	f.Sessions.Clear(userID)
	f.Sessions.SetState(userID, StateAwaitLastName)
	return sendMarkup(c, msgGreeting, keyboard.RemoveKeyboard())
}

// Cancel discards the session from any state.
func (f *Flow) Cancel(c tele.Context) error {
	userID := c.Sender().ID
	inProgress := f.Sessions.InProgress(userID)
	f.Sessions.Clear(userID)

	ctx := tghelpers.BuildContext(c)
	logger.Info(ctx, "dialog", "registration.cancelled",
		slog.Int64("user_id", userID),
		slog.Bool("was_active", inProgress),
	)
	return sendMarkup(c, msgCancelled, keyboard.RemoveKeyboard())
}

// Back returns one step towards the start, keeping collected values.
func (f *Flow) Back(c tele.Context) error {
	userID := c.Sender().ID
	current := f.Sessions.GetState(userID)
	prev, ok := prevState[current]
	if !ok {
		return send(c, msgNothingBack)
	}
	f.Sessions.SetState(userID, prev)
	return f.prompt(c, prev)
}

// prompt re-issues the question for the given step.
func (f *Flow) prompt(c tele.Context, st state.State) error {
	switch st {
	case StateAwaitLastName:
		return sendMarkup(c, msgAskLast, keyboard.RemoveKeyboard())
	case StateAwaitFirstName:
		return send(c, msgAskFirst)
	case StateAwaitPhone:
		return sendMarkup(c, msgAskPhone, contactKeyboard())
	case StateAwaitBirthday:
		return sendMarkup(c, msgAskBirth, keyboard.RemoveKeyboard())
	case StateAwaitCity:
		return send(c, msgAskCity)
	case StateAwaitConfirmation:
		return f.sendSummary(c)
	case StateAwaitOverwrite:
		return sendMarkup(c, msgDuplicate, duplicateKeyboard())
	}
	return nil
}

func (f *Flow) handleLastName(c tele.Context) error {
	value, err := validate.ValidateName(c.Text(), "Фамилия")
	if err != nil {
		return f.reject(c, err)
	}
	userID := c.Sender().ID
	f.Sessions.SetTemp(userID, keyLastName, value)
	f.Sessions.SetState(userID, StateAwaitFirstName)
	return send(c, msgAskFirst)
}

func (f *Flow) handleFirstName(c tele.Context) error {
	value, err := validate.ValidateName(c.Text(), "Имя")
	if err != nil {
		return f.reject(c, err)
	}
	userID := c.Sender().ID
	f.Sessions.SetTemp(userID, keyFirstName, value)
	f.Sessions.SetState(userID, StateAwaitPhone)
	return sendMarkup(c, msgAskPhone, contactKeyboard())
}

func (f *Flow) handlePhone(c tele.Context) error {
	raw := c.Text()
	if msg := c.Message(); msg != nil && msg.Contact != nil && msg.Contact.PhoneNumber != "" {
		raw = msg.Contact.PhoneNumber
	}
	phone, err := validate.NormalizePhone(raw)
	if err != nil {
		return f.reject(c, err)
	}
	userID := c.Sender().ID
	f.Sessions.SetTemp(userID, keyPhone, phone)
	f.Sessions.SetState(userID, StateAwaitBirthday)
	return sendMarkup(c, msgAskBirth, keyboard.RemoveKeyboard())
}

func (f *Flow) handleBirthday(c tele.Context) error {
	birthdate, err := validate.ParseBirthdate(c.Text())
	if err != nil {
		return f.reject(c, err)
	}
	userID := c.Sender().ID
	f.Sessions.SetTemp(userID, keyBirthdate, birthdate.Format(birthdateLayout))
	f.Sessions.SetState(userID, StateAwaitCity)
	return send(c, msgAskCity)
}

func (f *Flow) handleCity(c tele.Context) error {
	city, err := validate.ValidateCity(c.Text())
	if err != nil {
		return f.reject(c, err)
	}
	userID := c.Sender().ID
	f.Sessions.SetTemp(userID, keyCity, city)
	f.Sessions.SetState(userID, StateAwaitConfirmation)
	return f.sendSummary(c)
}

// reject reports a validation failure and keeps the user at the same step.
func (f *Flow) reject(c tele.Context, err error) error {
	var ve *validate.Error
	if errors.As(err, &ve) {
		return send(c, ve.Message)
	}
	return send(c, "Не получилось обработать ответ. Попробуй ещё раз, пожалуйста.")
}

func (f *Flow) tempString(userID int64, key string) string {
	v, ok := f.Sessions.GetTemp(userID, key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func (f *Flow) sendSummary(c tele.Context) error {
	userID := c.Sender().ID
	var b strings.Builder
	b.WriteString("Проверь, пожалуйста, данные:\n")
	b.WriteString("Фамилия: " + f.tempString(userID, keyLastName) + "\n")
	b.WriteString("Имя: " + f.tempString(userID, keyFirstName) + "\n")
	b.WriteString("Телефон: " + f.tempString(userID, keyPhone) + "\n")
	b.WriteString("Дата рождения: " + f.tempString(userID, keyBirthdate) + "\n")
	b.WriteString("Город: " + f.tempString(userID, keyCity))
	return sendMarkup(c, b.String(), confirmationKeyboard())
}

// contactData assembles the validated registration payload from the session.
func (f *Flow) contactData(c tele.Context) planfix.ContactData {
	userID := c.Sender().ID
	data := planfix.ContactData{
		LastName:   f.tempString(userID, keyLastName),
		FirstName:  f.tempString(userID, keyFirstName),
		Phone:      f.tempString(userID, keyPhone),
		City:       f.tempString(userID, keyCity),
		TelegramID: userID,
	}
	if sender := c.Sender(); sender != nil && sender.Username != "" {
		data.TelegramUsername = sender.Username
	}
	if raw := f.tempString(userID, keyBirthdate); raw != "" {
		if parsed, err := time.Parse(birthdateLayout, raw); err == nil {
			data.Birthdate = parsed
		}
	}
	return data
}
