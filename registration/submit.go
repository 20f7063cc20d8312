package registration

import (
	"fmt"
	"strings"

	"github.com/m3rciful/guestbot/core/logger"
	tghelpers "github.com/m3rciful/guestbot/core/telegram/helpers"
	"github.com/m3rciful/guestbot/core/telegram/state"
	"github.com/m3rciful/guestbot/planfix"
	"log/slog"

	tele "gopkg.in/telebot.v4"
)

// Confirm handles the confirmation button: looks the phone up in the CRM
// and either creates the contact or asks for overwrite consent.
func (f *Flow) Confirm(c tele.Context) error {
	userID := c.Sender().ID
	if f.Sessions.GetState(userID) != StateAwaitConfirmation {
		return nil
	}

	ctx := tghelpers.BuildContext(c)
	data := f.contactData(c)

	match, err := f.Registry.FindByPhone(ctx, data.Phone)
	if err != nil {
		return f.registryFailure(c, err)
	}

	switch match.Outcome {
	case planfix.MatchNone:
		return f.submit(c, data, planfix.EnsureOptions{})

	case planfix.MatchOne:
		f.Sessions.SetTemp(userID, keyExistingID, match.Contact.ID)
		f.Sessions.SetState(userID, StateAwaitOverwrite)
		return sendMarkup(c, msgDuplicate, duplicateKeyboard())

	default:
		// Several contacts share the phone: never auto-pick, hand over
		// to a human and keep the dialog at confirmation.
		logger.Warn(ctx, "dialog", "registration.ambiguous_match",
			slog.Int64("user_id", userID),
			slog.Int("count", len(match.Contacts)),
		)
		f.notifyAdmin(fmt.Sprintf(
			"Несколько контактов с номером %s. Пользователь tg://user?id=%d ждёт решения.",
			data.Phone, userID,
		))
		return send(c, msgEscalated)
	}
}

// Change restarts data entry from the last name, keeping nothing pinned.
func (f *Flow) Change(c tele.Context) error {
	userID := c.Sender().ID
	switch f.Sessions.GetState(userID) {
	case StateAwaitConfirmation, StateAwaitOverwrite:
	default:
		return nil
	}
	f.Sessions.SetState(userID, StateAwaitLastName)
	return send(c, "Хорошо, начнём с фамилии. Напиши, пожалуйста, снова.")
}

// DuplicateUpdate overwrites the matched contact after explicit consent.
func (f *Flow) DuplicateUpdate(c tele.Context) error {
	userID := c.Sender().ID
	if f.Sessions.GetState(userID) != StateAwaitOverwrite {
		return nil
	}
	existingID, ok := f.Sessions.GetTempInt64(userID, keyExistingID)
	if !ok || existingID == 0 {
		f.Sessions.SetState(userID, StateAwaitConfirmation)
		return send(c, msgRetryLater)
	}
	return f.submit(c, f.contactData(c), planfix.EnsureOptions{
		UpdateExisting: true,
		ExistingID:     existingID,
	})
}

// DuplicateCancel declines the overwrite and ends the dialog.
func (f *Flow) DuplicateCancel(c tele.Context) error {
	userID := c.Sender().ID
	if f.Sessions.GetState(userID) != StateAwaitOverwrite {
		return nil
	}
	f.Sessions.Clear(userID)
	return send(c, msgDupDeclined)
}

// submit performs the CRM write and finishes the dialog on success.
func (f *Flow) submit(c tele.Context, data planfix.ContactData, opts planfix.EnsureOptions) error {
	ctx := tghelpers.BuildContext(c)
	userID := c.Sender().ID

	res, err := f.Registry.EnsureContact(ctx, data, opts)
	if err != nil {
		return f.registryFailure(c, err)
	}

	logger.Info(ctx, "dialog", "registration.submitted",
		slog.Int64("user_id", userID),
		slog.Int64("contact_id", res.ContactID),
		slog.Bool("created", res.Created),
		slog.Bool("updated", res.Updated),
	)

	if err := send(c, msgSubmitted); err != nil {
		return err
	}

	// Side effects after the user-visible outcome are best-effort.
	if f.Guests != nil && res.ContactID != 0 {
		username := ""
		if s := c.Sender(); s != nil {
			username = s.Username
		}
		if gerr := f.Guests.UpsertGuestMapping(ctx, res.ContactID, userID, username); gerr != nil {
			logger.Warn(ctx, "dialog", "registration.guest_map_failed",
				slog.Int64("contact_id", res.ContactID),
				slog.String("err", gerr.Error()),
			)
		}
	}
	f.notifyNewRegistration(data, res.ContactID)

	f.Sessions.Clear(userID)
	return nil
}

// registryFailure maps a CRM error onto the dialog reaction: transient and
// unavailable failures keep the user at confirmation with a retry prompt,
// rejections jump back to the step most likely at fault.
func (f *Flow) registryFailure(c tele.Context, err error) error {
	ctx := tghelpers.BuildContext(c)
	userID := c.Sender().ID

	kind := planfix.KindOf(err)
	logger.Warn(ctx, "dialog", "registration.registry_failed",
		slog.Int64("user_id", userID),
		slog.String("err_code", kind.String()),
		slog.String("err", err.Error()),
	)

	if kind != planfix.KindRejected {
		f.Sessions.SetState(userID, StateAwaitConfirmation)
		return sendMarkup(c, msgRetryLater, confirmationKeyboard())
	}

	step := rejectedStep(err)
	f.Sessions.SetState(userID, step)
	if serr := send(c, "Регистрацию не приняли — давай поправим данные."); serr != nil {
		return serr
	}
	return f.prompt(c, step)
}

// rejectedStep guesses the offending step from the CRM error text.
func rejectedStep(err error) state.State {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "phone") || strings.Contains(msg, "номер"):
		return StateAwaitPhone
	case strings.Contains(msg, "birth") || strings.Contains(msg, "дат"):
		return StateAwaitBirthday
	case strings.Contains(msg, "city") || strings.Contains(msg, "город") || strings.Contains(msg, "address"):
		return StateAwaitCity
	default:
		return StateAwaitLastName
	}
}

func (f *Flow) notifyAdmin(text string) {
	if f.NotifyAdmin == nil {
		return
	}
	if err := f.NotifyAdmin(text); err != nil {
		logger.Warn(logger.Background(), "dialog", "registration.admin_notify_failed",
			slog.String("err", err.Error()),
		)
	}
}

func (f *Flow) notifyNewRegistration(data planfix.ContactData, contactID int64) {
	if f.NotifyAdmin == nil || contactID == 0 {
		return
	}
	var b strings.Builder
	b.WriteString("Новая регистрация Тайного гостя.\n")
	b.WriteString("Телефон: " + data.Phone + "\n")
	fmt.Fprintf(&b, "Planfix ID: %d", contactID)
	if data.TelegramUsername != "" {
		username := data.TelegramUsername
		if !strings.HasPrefix(username, "@") {
			username = "@" + username
		}
		b.WriteString("\nTelegram: " + username)
	} else if data.TelegramID != 0 {
		fmt.Fprintf(&b, "\nTelegram ID: %d", data.TelegramID)
	}
	if f.RegistryBaseURL != "" {
		b.WriteString("\nСсылка: " + strings.TrimRight(f.RegistryBaseURL, "/") + fmt.Sprintf("/contact/%d", contactID))
	}
	f.notifyAdmin(b.String())
}
