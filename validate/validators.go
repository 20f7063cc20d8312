// Package validate contains input validators for the registration dialog.
// Validators are pure: they never touch I/O and always return either a
// canonical value or an Error with a user-facing message.
package validate

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"
)

// Error is a user-facing validation failure. Message is safe to send back
// to the chat verbatim.
type Error struct {
	Message string
}

func (e *Error) Error() string { return e.Message }

func newError(format string, args ...any) *Error {
	return &Error{Message: fmt.Sprintf(format, args...)}
}

var (
	phoneCleanRe = regexp.MustCompile(`\D+`)
	phoneValidRe = regexp.MustCompile(`^\+[1-9]\d{7,14}$`)
	nameRe       = regexp.MustCompile(`^[\p{L}\p{N}_\s-]+$`)
)

const (
	minAgeYears = 10
	maxAgeYears = 120

	maxFreeTextLen = 100
)

// NormalizePhone canonicalizes a phone number into E.164 form. The domestic
// 8XXXXXXXXXX prefix becomes +7; all punctuation and spaces are dropped.
// Accepted length is 8 to 15 digits: the floor is below the common 10-digit
// minimum because some supported regions issue 8 and 9 digit numbers.
// The function is idempotent: feeding its output back returns the same value.
func NormalizePhone(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", newError("Пожалуйста, укажи номер телефона.")
	}

	digits := phoneCleanRe.ReplaceAllString(raw, "")

	if strings.HasPrefix(digits, "8") && len(digits) == 11 {
		digits = "7" + digits[1:]
	}
	digits = "+" + digits

	if !phoneValidRe.MatchString(digits) {
		return "", newError("Кажется, формат номера некорректен. Попробуй ещё раз, пожалуйста.")
	}
	return digits, nil
}

// ParseBirthdate parses a birthdate in DD.MM.YYYY or YYYY-MM-DD form and
// checks that the implied age is plausible. Two-digit years are rejected.
func ParseBirthdate(value string) (time.Time, error) {
	return parseBirthdateAt(value, time.Now())
}

func parseBirthdateAt(value string, now time.Time) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, newError("Укажи, пожалуйста, дату рождения.")
	}

	var parsed time.Time
	var err error
	for _, layout := range []string{"02.01.2006", "2006-01-02"} {
		parsed, err = time.Parse(layout, value)
		if err == nil {
			break
		}
	}
	if err != nil {
		return time.Time{}, newError("Не получилось распознать дату. Используй формат ДД.ММ.ГГГГ, пожалуйста.")
	}

	age := now.Year() - parsed.Year()
	if now.Month() < parsed.Month() || (now.Month() == parsed.Month() && now.Day() < parsed.Day()) {
		age--
	}
	if age < minAgeYears || age > maxAgeYears {
		return time.Time{}, newError("Похоже, дата рождения указана неверно. Проверь, пожалуйста, и попробуй снова.")
	}
	return parsed, nil
}

// ValidateName checks a name-like field for minimum length and allowed
// characters. The label names the field in the user-facing message.
func ValidateName(value, label string) (string, error) {
	sanitized := strings.TrimSpace(value)
	if len([]rune(sanitized)) < 2 {
		return "", newError("%s должно содержать хотя бы два символа. Попробуй ещё раз.", label)
	}
	if !nameRe.MatchString(sanitized) {
		return "", newError("%s содержит недопустимые символы. Попробуй снова, пожалуйста.", label)
	}
	return sanitized, nil
}

// ValidateCity checks the city input for minimum length, a sane maximum and
// absence of control characters.
func ValidateCity(value string) (string, error) {
	sanitized := strings.TrimSpace(value)
	if len([]rune(sanitized)) < 2 {
		return "", newError("Напиши, пожалуйста, название города — хотя бы два символа.")
	}
	if len([]rune(sanitized)) > maxFreeTextLen {
		return "", newError("Название города слишком длинное. Попробуй короче, пожалуйста.")
	}
	for _, r := range sanitized {
		if unicode.IsControl(r) {
			return "", newError("Название города содержит недопустимые символы. Попробуй снова, пожалуйста.")
		}
	}
	return sanitized, nil
}
