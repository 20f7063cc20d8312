// Package webhook runs the HTTP intake for CRM task events and feedback
// form results. Authentication is checked before any state is touched;
// outbound Telegram sends are best-effort and never change the response.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/guestbot/core/logger"
	"github.com/m3rciful/guestbot/planfix"
	"github.com/m3rciful/guestbot/store"
	"log/slog"
)

const component = "webhook"

// Mirror is the persistence surface the intake writes through.
type Mirror interface {
	UpsertTask(ctx context.Context, t store.Task) error
	GetTask(ctx context.Context, taskID int64) (*store.Task, error)
	SetTaskStatus(ctx context.Context, taskID int64, status string) error
	SetTaskDeadline(ctx context.Context, taskID int64, deadline time.Time) error
	AssignGuest(ctx context.Context, taskID, guestPlanfixID int64) error
	SetAssignmentMessage(ctx context.Context, taskID, chatID, messageID int64) error
	ClearAssignmentMessage(ctx context.Context, taskID int64) error
	RecordInvitation(ctx context.Context, inv store.Invitation) error
	WithdrawInvitations(ctx context.Context, taskID int64) error
	TelegramForGuest(ctx context.Context, contactID int64) (int64, error)
	CreateFormSession(ctx context.Context, sessionID uuid.UUID, taskID, guestPlanfixID int64, form string) error
	GetFormSession(ctx context.Context, sessionID uuid.UUID) (*store.FormSession, error)
	CompleteFormSession(ctx context.Context, sessionID uuid.UUID, score int, summary string, payload []byte) error
}

// TaskRegistry mirrors intake outcomes back into the CRM.
type TaskRegistry interface {
	GetTask(ctx context.Context, taskID int64) (*planfix.Task, error)
	AddTaskComment(ctx context.Context, taskID int64, text string) error
	SubmitTaskResult(ctx context.Context, taskID int64, fields []planfix.CustomFieldValue, statusID int64) error
}

// Notifier delivers direct messages to guests.
type Notifier interface {
	Send(telegramID int64, text string) (messageID int64, err error)
	SendKeyboard(telegramID int64, text string, markup *tele.ReplyMarkup) (messageID int64, err error)
	Delete(chatID, messageID int64) error
}

// Options wires the intake server.
type Options struct {
	Listen string
	Port   int

	// BasicLogin and BasicPassword guard the CRM endpoint; both empty
	// disables the check.
	BasicLogin    string
	BasicPassword string
	// FormsSecret signs form webhook bodies; empty disables the check.
	FormsSecret string

	// FormURL is the public form address sent to guests.
	FormURL string
	// Field ids written back with form results; zero entries are skipped.
	ScoreFieldID        int64
	ResultStatusFieldID int64
	SessionFieldID      int64
	// StatusFormReceivedID and StatusReviewID select task workflow
	// transitions; zero disables the transition.
	StatusFormReceivedID int64
	StatusReviewID       int64

	// TaskTemplateIDs restricts task.created to tasks built from these
	// templates; empty accepts every template.
	TaskTemplateIDs []int64

	Store    Mirror
	Registry TaskRegistry
	Notify   Notifier
	// NotifyAdmin delivers an out-of-band message to the admin chat.
	NotifyAdmin func(text string) error

	Debug bool
}

// Server is the webhook intake.
type Server struct {
	opts   Options
	engine *gin.Engine
}

// New builds the intake server and its routes.
func New(opts Options) *Server {
	if !opts.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLog())

	s := &Server{opts: opts, engine: engine}
	engine.GET("/", s.health)
	engine.POST("/webhooks/planfix", s.basicAuth, s.handleCRMEvent)
	engine.POST("/webhooks/forms", s.handleFormEvent)
	return s
}

// Handler exposes the HTTP handler for serving and tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.opts.Listen, s.opts.Port),
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	logger.Info(logger.Background(), component, "intake.started",
		slog.String("addr", srv.Addr),
	)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info(c.Request.Context(), component, "http.request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("http_code", c.Writer.Status()),
			slog.Duration("duration", logger.RoundMS(logger.Took(start))),
		)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "guestbot-webhook"})
}

// basicAuth rejects the request before the body is read. Comparison is
// constant-time on both halves of the pair.
func (s *Server) basicAuth(c *gin.Context) {
	if s.opts.BasicLogin == "" && s.opts.BasicPassword == "" {
		return
	}
	user, pass, ok := c.Request.BasicAuth()
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.opts.BasicLogin)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(s.opts.BasicPassword)) == 1
	if !ok || !userOK || !passOK {
		logger.Warn(c.Request.Context(), component, "crm.auth_rejected",
			slog.String("login", user),
		)
		c.Header("WWW-Authenticate", `Basic realm="webhooks"`)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"status": "unauthorized"})
	}
}

// verifyFormSignature checks the HMAC-SHA256 hex digest of the raw body.
func (s *Server) verifyFormSignature(body []byte, signature string) bool {
	if s.opts.FormsSecret == "" {
		return true
	}
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.opts.FormsSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
