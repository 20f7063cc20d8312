package webhook

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/m3rciful/guestbot/core/logger"
	"github.com/m3rciful/guestbot/invitations"
	"github.com/m3rciful/guestbot/planfix"
	"github.com/m3rciful/guestbot/store"
	"log/slog"
)

// errEventIgnored marks an event that is acknowledged but deliberately not
// processed, so the CRM does not retry it.
var errEventIgnored = errors.New("webhook: event ignored")

// Local task statuses of the mirror. Terminal statuses stop the deadline
// sweep; see store.OverdueTasks.
const (
	statusNew            = "new"
	statusAssigned       = "assigned"
	statusWaitingForm    = "waiting_form"
	statusDeadlineFailed = "deadline_failed"
	statusCancelled      = "cancelled"
	statusDone           = "done"
)

const defaultForm = "feedback"

// handleCRMEvent decodes and dispatches one CRM task event. Mirror write
// failures are the only 500; an unknown task or event is acknowledged with
// an ignored status so the CRM does not retry forever.
func (s *Server) handleCRMEvent(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "bad request"})
		return
	}

	var ev crmEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		logger.Warn(c.Request.Context(), component, "crm.bad_body",
			slog.String("err", err.Error()),
		)
		c.JSON(http.StatusBadRequest, gin.H{"status": "bad request"})
		return
	}

	ctx := c.Request.Context()
	taskID := ev.taskID()
	if ev.Event == "" || taskID == 0 {
		logger.Warn(ctx, component, "crm.missing_fields",
			slog.String("event_type", ev.Event),
			slog.Int64("task_id", taskID),
		)
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	logger.Info(ctx, component, "crm.event",
		slog.String("event_type", ev.Event),
		slog.Int64("task_id", taskID),
	)

	switch ev.Event {
	case "task.created":
		err = s.taskCreated(ctx, &ev)
	case "task.assignee.manual":
		err = s.taskAssigned(ctx, &ev)
	case "task.wait_form":
		err = s.taskWaitForm(ctx, &ev)
	case "task.deadline_failed":
		err = s.taskDeadlineFailed(ctx, &ev)
	case "task.cancelled_manual":
		err = s.taskCancelled(ctx, &ev)
	case "task.completed_compensation":
		err = s.taskCompleted(ctx, &ev)
	case "task.deadline_updated":
		err = s.taskDeadlineUpdated(ctx, &ev)
	case "task.updated", "task.update":
		err = s.taskUpdated(ctx, &ev)
	default:
		logger.Info(ctx, component, "crm.unknown_event",
			slog.String("event_type", ev.Event),
			slog.Int64("task_id", taskID),
		)
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	switch {
	case errors.Is(err, errEventIgnored):
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
	case errors.Is(err, store.ErrNotFound):
		logger.Warn(ctx, component, "crm.unknown_task",
			slog.String("event_type", ev.Event),
			slog.Int64("task_id", taskID),
		)
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
	case err != nil:
		logger.Error(ctx, component, "crm.event_failed",
			slog.String("event_type", ev.Event),
			slog.Int64("task_id", taskID),
			slog.String("err", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error"})
	default:
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// taskCreated mirrors the new task and invites every listed guest. Tasks
// built from a template outside the configured list are acknowledged and
// skipped.
func (s *Server) taskCreated(ctx context.Context, ev *crmEvent) error {
	if len(s.opts.TaskTemplateIDs) > 0 {
		templateID := ev.templateID()
		if templateID == 0 {
			templateID = s.fetchTemplateID(ctx, ev.taskID())
		}
		if !allowedTemplate(s.opts.TaskTemplateIDs, templateID) {
			logger.Info(ctx, component, "crm.template_skipped",
				slog.Int64("task_id", ev.taskID()),
				slog.Int64("template_id", templateID),
			)
			return errEventIgnored
		}
	}

	t := store.Task{
		TaskID: ev.taskID(),
		Status: statusNew,
	}
	if num := ev.taskNumber(); num != "" {
		t.TaskNumber = sql.NullString{String: num, Valid: true}
	}
	if ev.Venue != nil {
		t.VenueName = ev.Venue.Name
		if ev.Venue.Address != "" {
			t.VenueAddress = sql.NullString{String: ev.Venue.Address, Valid: true}
		}
	}
	if ev.Visit != nil {
		if d := parseCRMDate(ev.Visit.Date); !d.IsZero() {
			t.VisitDate = sql.NullTime{Time: d, Valid: true}
		}
	}
	t.Deadline = parseCRMDate(ev.deadline())

	if err := s.opts.Store.UpsertTask(ctx, t); err != nil {
		return err
	}

	sent, missing := s.sendInvitations(ctx, &t, ev.Guests)
	if len(missing) > 0 {
		ids := make([]string, len(missing))
		for i, id := range missing {
			ids[i] = strconv.FormatInt(id, 10)
		}
		s.notifyAdmin(ctx, fmt.Sprintf(
			"Для задачи #%d не найдены зарегистрированные гости: %s.\nИм нужно пройти регистрацию через /start.",
			t.TaskID, strings.Join(ids, ", "),
		))
	}
	s.comment(ctx, t.TaskID, fmt.Sprintf("Задача принята ботом. Отправлено приглашений: %d.", sent))
	return nil
}

// fetchTemplateID asks the CRM for the task template when the event payload
// carries none. Zero means the template could not be determined.
func (s *Server) fetchTemplateID(ctx context.Context, taskID int64) int64 {
	if s.opts.Registry == nil {
		return 0
	}
	task, err := s.opts.Registry.GetTask(ctx, taskID)
	if err != nil {
		logger.Warn(ctx, component, "crm.template_lookup_failed",
			slog.Int64("task_id", taskID),
			slog.String("err", err.Error()),
		)
		return 0
	}
	if task == nil || task.Template == nil {
		return 0
	}
	return task.Template.ID
}

func allowedTemplate(allowed []int64, templateID int64) bool {
	for _, id := range allowed {
		if id == templateID {
			return true
		}
	}
	return false
}

// sendInvitations delivers invite messages, records each sent one, and
// returns the ids of guests without a Telegram mapping.
func (s *Server) sendInvitations(ctx context.Context, t *store.Task, guests []guestRef) (sent int, missing []int64) {
	text := invitationText(t)
	for _, g := range guests {
		guestID := g.contactID()
		if guestID == 0 {
			continue
		}
		telegramID, err := s.opts.Store.TelegramForGuest(ctx, guestID)
		if errors.Is(err, store.ErrNotFound) {
			missing = append(missing, guestID)
			continue
		}
		if err != nil {
			logger.Warn(ctx, component, "invite.lookup_failed",
				slog.Int64("guest_id", guestID),
				slog.String("err", err.Error()),
			)
			continue
		}

		messageID, err := s.opts.Notify.SendKeyboard(telegramID, text, invitations.InviteKeyboard(t.TaskID))
		if err != nil {
			logger.Warn(ctx, component, "invite.send_failed",
				slog.Int64("guest_id", guestID),
				slog.Int64("user_id", telegramID),
				slog.String("err", err.Error()),
			)
			continue
		}
		inv := store.Invitation{
			TaskID:         t.TaskID,
			GuestPlanfixID: guestID,
			TelegramID:     telegramID,
			ChatID:         telegramID,
			MessageID:      messageID,
		}
		if err := s.opts.Store.RecordInvitation(ctx, inv); err != nil {
			logger.Warn(ctx, component, "invite.record_failed",
				slog.Int64("guest_id", guestID),
				slog.String("err", err.Error()),
			)
		}
		sent++
	}
	return sent, missing
}

func invitationText(t *store.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Привет! Мы ищем Тайного гостя для заведения «%s».\n", t.VenueName)
	if t.VenueAddress.Valid {
		b.WriteString("Адрес: " + t.VenueAddress.String + "\n")
	}
	if t.VisitDate.Valid {
		b.WriteString("Дата проверки: " + t.VisitDate.Time.Format("02.01.2006") + "\n")
	}
	b.WriteString("Если готов(а) пройти проверку, нажми «Принять».")
	return b.String()
}

// taskAssigned pins the chosen guest and withdraws the remaining invites.
func (s *Server) taskAssigned(ctx context.Context, ev *crmEvent) error {
	taskID := ev.taskID()
	if _, err := s.opts.Store.GetTask(ctx, taskID); err != nil {
		return err
	}
	guestID := ev.guestID()
	if guestID != 0 {
		if err := s.opts.Store.AssignGuest(ctx, taskID, guestID); err != nil {
			return err
		}
	}
	if err := s.opts.Store.SetTaskStatus(ctx, taskID, statusAssigned); err != nil {
		return err
	}
	if err := s.opts.Store.WithdrawInvitations(ctx, taskID); err != nil {
		return err
	}
	s.comment(ctx, taskID, fmt.Sprintf("Исполнитель назначен: контакт %d.", guestID))
	return nil
}

// taskWaitForm opens a form session and sends the guest the form link.
func (s *Server) taskWaitForm(ctx context.Context, ev *crmEvent) error {
	taskID := ev.taskID()
	t, err := s.opts.Store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := s.opts.Store.SetTaskStatus(ctx, taskID, statusWaitingForm); err != nil {
		return err
	}
	if d := parseCRMDate(ev.deadline()); !d.IsZero() {
		if err := s.opts.Store.SetTaskDeadline(ctx, taskID, d); err != nil {
			return err
		}
	}

	guestID := ev.guestID()
	if guestID == 0 && t.AssignedGuestID.Valid {
		guestID = t.AssignedGuestID.Int64
	}
	if guestID == 0 {
		logger.Warn(ctx, component, "form.no_guest", slog.Int64("task_id", taskID))
		return nil
	}

	form := ev.Form
	if form == "" {
		form = defaultForm
	}
	sessionID := uuid.New()
	if err := s.opts.Store.CreateFormSession(ctx, sessionID, taskID, guestID, form); err != nil {
		return err
	}

	telegramID, err := s.opts.Store.TelegramForGuest(ctx, guestID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Warn(ctx, component, "form.guest_unmapped",
			slog.Int64("task_id", taskID),
			slog.Int64("guest_id", guestID),
		)
		return nil
	}
	if err != nil {
		return err
	}

	messageID, err := s.opts.Notify.Send(telegramID, s.formInvite(t, taskID, guestID, sessionID, form))
	if err != nil {
		logger.Warn(ctx, component, "form.send_failed",
			slog.Int64("task_id", taskID),
			slog.Int64("user_id", telegramID),
			slog.String("err", err.Error()),
		)
		return nil
	}
	if err := s.opts.Store.SetAssignmentMessage(ctx, taskID, telegramID, messageID); err != nil {
		logger.Warn(ctx, component, "form.message_record_failed",
			slog.Int64("task_id", taskID),
			slog.String("err", err.Error()),
		)
	}
	return nil
}

func (s *Server) formInvite(t *store.Task, taskID, guestID int64, sessionID uuid.UUID, form string) string {
	var b strings.Builder
	b.WriteString("Пора заполнить анкету по итогам проверки")
	if t.VenueName != "" {
		b.WriteString(" «" + t.VenueName + "»")
	}
	b.WriteString(".")
	if link := s.formLink(taskID, guestID, sessionID, form); link != "" {
		b.WriteString("\nСсылка: " + link)
	}
	if !t.Deadline.IsZero() {
		b.WriteString("\nДедлайн: " + t.Deadline.Format("02.01.2006 15:04"))
	}
	return b.String()
}

func (s *Server) formLink(taskID, guestID int64, sessionID uuid.UUID, form string) string {
	if s.opts.FormURL == "" {
		return ""
	}
	q := url.Values{}
	q.Set("taskId", strconv.FormatInt(taskID, 10))
	q.Set("guestId", strconv.FormatInt(guestID, 10))
	q.Set("formCode", form)
	q.Set("sessionId", sessionID.String())
	return s.opts.FormURL + "?" + q.Encode()
}

// taskDeadlineUpdated refreshes the mirrored deadline. The CRM automation
// already moved its own deadline; only the local sweep needs re-arming.
func (s *Server) taskDeadlineUpdated(ctx context.Context, ev *crmEvent) error {
	taskID := ev.taskID()
	if _, err := s.opts.Store.GetTask(ctx, taskID); err != nil {
		return err
	}
	d := parseCRMDate(ev.deadline())
	if d.IsZero() {
		logger.Warn(ctx, component, "crm.deadline_unparsed",
			slog.Int64("task_id", taskID),
			slog.String("deadline", ev.deadline()),
		)
		return nil
	}
	return s.opts.Store.SetTaskDeadline(ctx, taskID, d)
}

// taskDeadlineFailed marks the task and informs both sides.
func (s *Server) taskDeadlineFailed(ctx context.Context, ev *crmEvent) error {
	taskID := ev.taskID()
	t, err := s.opts.Store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := s.opts.Store.SetTaskStatus(ctx, taskID, statusDeadlineFailed); err != nil {
		return err
	}
	s.notifyAdmin(ctx, fmt.Sprintf("Дедлайн истёк для задачи #%d. Анкета не получена, задача отменена.", taskID))
	s.notifyGuest(ctx, t, ev.guestID(),
		"К сожалению, дедлайн по проверке истёк и задача отменена. Спасибо, что откликнулся!")
	return nil
}

// taskCancelled marks the task cancelled and withdraws open invites.
func (s *Server) taskCancelled(ctx context.Context, ev *crmEvent) error {
	taskID := ev.taskID()
	t, err := s.opts.Store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := s.opts.Store.SetTaskStatus(ctx, taskID, statusCancelled); err != nil {
		return err
	}
	if err := s.opts.Store.WithdrawInvitations(ctx, taskID); err != nil {
		return err
	}
	reason := ev.Reason
	if reason == "" {
		reason = "не указана"
	}
	s.notifyAdmin(ctx, fmt.Sprintf("Задача #%d отменена вручную. Причина: %s.", taskID, reason))
	s.notifyGuest(ctx, t, ev.guestID(), "Проверка отменена организатором. Спасибо, что откликнулся!")
	return nil
}

// taskCompleted closes the task and tells the guest about the payout.
func (s *Server) taskCompleted(ctx context.Context, ev *crmEvent) error {
	taskID := ev.taskID()
	t, err := s.opts.Store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := s.opts.Store.SetTaskStatus(ctx, taskID, statusDone); err != nil {
		return err
	}

	amount := "будет указана"
	if ev.Finance != nil && strings.TrimSpace(string(ev.Finance.Actual)) != "" {
		amount = strings.TrimSpace(string(ev.Finance.Actual))
	}
	s.notifyGuest(ctx, t, ev.guestID(), fmt.Sprintf(
		"Ты успешно прошёл(ла) проверку!\nСумма вознаграждения: %s.", amount))

	comment := "Задача завершена, к компенсации."
	if ev.Result != nil {
		if sc := strings.TrimSpace(string(ev.Result.Score)); sc != "" {
			comment += " Оценка: " + sc + "."
		}
		if ev.Result.Summary != "" {
			comment += " " + ev.Result.Summary
		}
	}
	s.comment(ctx, taskID, comment)
	s.notifyAdmin(ctx, fmt.Sprintf("Задача #%d завершена, к компенсации.", taskID))
	return nil
}

// taskUpdated reacts to workflow status changes pushed by the CRM.
func (s *Server) taskUpdated(ctx context.Context, ev *crmEvent) error {
	taskID := ev.taskID()
	t, err := s.opts.Store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if ev.Task == nil || ev.Task.StatusID == 0 {
		return nil
	}
	statusID := int64(ev.Task.StatusID)
	if s.opts.StatusReviewID != 0 && statusID == s.opts.StatusReviewID {
		s.notifyGuest(ctx, t, ev.guestID(), "Твоя анкета на проверке.")
		return nil
	}
	logger.Debug(ctx, component, "crm.status_unhandled",
		slog.Int64("task_id", taskID),
		slog.Int64("status_id", statusID),
	)
	return nil
}

// handleFormEvent verifies the body signature, records the form result and
// mirrors it into the CRM. The first completed result wins.
func (s *Server) handleFormEvent(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "bad request"})
		return
	}

	ctx := c.Request.Context()
	if !s.verifyFormSignature(body, c.GetHeader("X-Forms-Signature")) {
		logger.Warn(ctx, component, "form.signature_rejected",
			slog.Int("body_len", len(body)),
		)
		c.JSON(http.StatusUnauthorized, gin.H{"status": "unauthorized"})
		return
	}

	sub, err := parseFormSubmission(body)
	if err != nil {
		logger.Warn(ctx, component, "form.bad_body",
			slog.String("err", err.Error()),
		)
		c.JSON(http.StatusBadRequest, gin.H{"status": "bad request"})
		return
	}
	if sub.SessionID == uuid.Nil || sub.TaskID == 0 {
		logger.Warn(ctx, component, "form.missing_fields",
			slog.String("session_id", sub.SessionID.String()),
			slog.Int64("task_id", sub.TaskID),
		)
		s.formReply(c, sub, http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	session, err := s.opts.Store.GetFormSession(ctx, sub.SessionID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Warn(ctx, component, "form.unknown_session",
			slog.String("session_id", sub.SessionID.String()),
			slog.Int64("task_id", sub.TaskID),
		)
		s.formReply(c, sub, http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error"})
		return
	}
	if session.CompletedAt.Valid {
		logger.Info(ctx, component, "form.already_processed",
			slog.String("session_id", sub.SessionID.String()),
		)
		s.formReply(c, sub, http.StatusOK, gin.H{"status": "ok"})
		return
	}

	if err := s.opts.Store.CompleteFormSession(ctx, sub.SessionID, sub.Score, sub.Summary, sub.Raw); err != nil {
		logger.Error(ctx, component, "form.complete_failed",
			slog.String("session_id", sub.SessionID.String()),
			slog.String("err", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error"})
		return
	}

	logger.Info(ctx, component, "form.submitted",
		slog.String("session_id", sub.SessionID.String()),
		slog.Int64("task_id", session.TaskID),
		slog.Int64("guest_id", session.GuestPlanfixID),
		slog.Int("score", sub.Score),
	)

	// Everything past this point is best-effort: the result is recorded.
	s.mirrorFormResult(ctx, session, sub)
	s.closeAssignmentMessage(ctx, session.TaskID)
	s.thankGuest(ctx, session)
	s.notifyAdmin(ctx, fmt.Sprintf(
		"Анкета получена.\nЗадача: #%d\nГость: %d\nФорма: %s\nОценка: %s",
		session.TaskID, session.GuestPlanfixID, session.Form, scoreText(sub),
	))

	s.formReply(c, sub, http.StatusOK, gin.H{"status": "ok"})
}

func scoreText(sub *formSubmission) string {
	if !sub.HasScore {
		return "не указана"
	}
	return strconv.Itoa(sub.Score)
}

// formReply answers in the caller's dialect, JSON-RPC or plain.
func (s *Server) formReply(c *gin.Context, sub *formSubmission, code int, payload gin.H) {
	if sub != nil && sub.JSONRPC {
		c.JSON(code, gin.H{"jsonrpc": "2.0", "result": payload, "id": sub.RPCID})
		return
	}
	c.JSON(code, payload)
}

// mirrorFormResult pushes the recorded result back into the CRM task.
func (s *Server) mirrorFormResult(ctx context.Context, session *store.FormSession, sub *formSubmission) {
	var fields []planfix.CustomFieldValue
	if s.opts.ScoreFieldID != 0 && sub.HasScore {
		fields = append(fields, planfix.CustomFieldValue{
			Field: planfix.FieldRef{ID: s.opts.ScoreFieldID},
			Value: strconv.Itoa(sub.Score),
		})
	}
	if s.opts.ResultStatusFieldID != 0 {
		fields = append(fields, planfix.CustomFieldValue{
			Field: planfix.FieldRef{ID: s.opts.ResultStatusFieldID},
			Value: "Завершено",
		})
	}
	if s.opts.SessionFieldID != 0 {
		fields = append(fields, planfix.CustomFieldValue{
			Field: planfix.FieldRef{ID: s.opts.SessionFieldID},
			Value: session.SessionID.String(),
		})
	}
	if len(fields) > 0 || s.opts.StatusFormReceivedID != 0 {
		if err := s.opts.Registry.SubmitTaskResult(ctx, session.TaskID, fields, s.opts.StatusFormReceivedID); err != nil {
			logger.Warn(ctx, component, "form.crm_update_failed",
				slog.Int64("task_id", session.TaskID),
				slog.String("err", err.Error()),
			)
		}
	}

	comment := fmt.Sprintf("Анкета получена от гостя %d. Форма: %s.", session.GuestPlanfixID, session.Form)
	if sub.HasScore {
		comment += fmt.Sprintf(" Оценка: %d.", sub.Score)
	}
	s.comment(ctx, session.TaskID, comment)
}

// closeAssignmentMessage removes the form invite message once the form is in.
func (s *Server) closeAssignmentMessage(ctx context.Context, taskID int64) {
	t, err := s.opts.Store.GetTask(ctx, taskID)
	if err != nil {
		return
	}
	if !t.AssignmentChatID.Valid || !t.AssignmentMessageID.Valid {
		return
	}
	if err := s.opts.Notify.Delete(t.AssignmentChatID.Int64, t.AssignmentMessageID.Int64); err != nil {
		logger.Warn(ctx, component, "form.message_delete_failed",
			slog.Int64("task_id", taskID),
			slog.String("err", err.Error()),
		)
	}
	if err := s.opts.Store.ClearAssignmentMessage(ctx, taskID); err != nil {
		logger.Warn(ctx, component, "form.message_clear_failed",
			slog.Int64("task_id", taskID),
			slog.String("err", err.Error()),
		)
	}
}

func (s *Server) thankGuest(ctx context.Context, session *store.FormSession) {
	telegramID, err := s.opts.Store.TelegramForGuest(ctx, session.GuestPlanfixID)
	if err != nil {
		return
	}
	if _, err := s.opts.Notify.Send(telegramID,
		"Благодарим за прохождение проверки! Скоро ты получишь вознаграждение."); err != nil {
		logger.Warn(ctx, component, "form.thanks_failed",
			slog.Int64("user_id", telegramID),
			slog.String("err", err.Error()),
		)
	}
}

// notifyGuest resolves the guest's Telegram account and sends the text.
// The payload guest id wins over the mirrored assignment.
func (s *Server) notifyGuest(ctx context.Context, t *store.Task, guestID int64, text string) {
	if guestID == 0 && t != nil && t.AssignedGuestID.Valid {
		guestID = t.AssignedGuestID.Int64
	}
	if guestID == 0 {
		return
	}
	telegramID, err := s.opts.Store.TelegramForGuest(ctx, guestID)
	if err != nil {
		if t != nil && t.AssignedGuestID.Valid && t.AssignedGuestID.Int64 != guestID {
			telegramID, err = s.opts.Store.TelegramForGuest(ctx, t.AssignedGuestID.Int64)
		}
		if err != nil {
			logger.Warn(ctx, component, "guest.unmapped",
				slog.Int64("guest_id", guestID),
			)
			return
		}
	}
	if _, err := s.opts.Notify.Send(telegramID, text); err != nil {
		logger.Warn(ctx, component, "guest.notify_failed",
			slog.Int64("user_id", telegramID),
			slog.String("err", err.Error()),
		)
	}
}

func (s *Server) comment(ctx context.Context, taskID int64, text string) {
	if s.opts.Registry == nil {
		return
	}
	if err := s.opts.Registry.AddTaskComment(ctx, taskID, text); err != nil {
		logger.Warn(ctx, component, "crm.comment_failed",
			slog.Int64("task_id", taskID),
			slog.String("err", err.Error()),
		)
	}
}

func (s *Server) notifyAdmin(ctx context.Context, text string) {
	if s.opts.NotifyAdmin == nil {
		return
	}
	if err := s.opts.NotifyAdmin(text); err != nil {
		logger.Warn(ctx, component, "admin.notify_failed",
			slog.String("err", err.Error()),
		)
	}
}
