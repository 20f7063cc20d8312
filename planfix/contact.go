package planfix

import (
	"strconv"
	"strings"
	"time"
)

// Phone is a contact phone entry as the registry stores it.
type Phone struct {
	Number string `json:"number"`
	Type   int    `json:"type"`
}

// Contact is the subset of registry contact fields the bot reads back.
type Contact struct {
	ID       int64   `json:"id"`
	Name     string  `json:"name"`
	Midname  string  `json:"midname"`
	Lastname string  `json:"lastname"`
	Phones   []Phone `json:"phones"`
}

// FieldRef points at a custom field by its numeric id.
type FieldRef struct {
	ID int64 `json:"id"`
}

// CustomFieldValue assigns a value to one custom field.
type CustomFieldValue struct {
	Field FieldRef    `json:"field"`
	Value interface{} `json:"value"`
}

// TemplateRef selects the contact template for create requests.
type TemplateRef struct {
	ID int64 `json:"id"`
}

// DateValue wraps a date in the registry's envelope format.
type DateValue struct {
	Date string `json:"date"`
}

// ContactPayload is the write shape for contact create and update calls.
type ContactPayload struct {
	Template        *TemplateRef       `json:"template,omitempty"`
	Lastname        string             `json:"lastname"`
	Name            string             `json:"name"`
	Midname         string             `json:"midname,omitempty"`
	BirthDate       *DateValue         `json:"birthDate,omitempty"`
	Address         string             `json:"address,omitempty"`
	Phones          []Phone            `json:"phones"`
	CustomFieldData []CustomFieldValue `json:"customFieldData,omitempty"`
	IsCompany       bool               `json:"isCompany"`
	IsDeleted       bool               `json:"isDeleted"`
	SourceObjectID  string             `json:"sourceObjectId,omitempty"`
	Telegram        string             `json:"telegram,omitempty"`
	TelegramID      string             `json:"telegramId,omitempty"`
}

// FieldIDs maps logical contact fields to the numeric custom-field ids of
// the configured template. Zero entries are skipped.
type FieldIDs struct {
	City       int64
	Telegram   int64
	TelegramID int64
}

// ContactData is the validated registration result collected by the dialog.
type ContactData struct {
	LastName         string
	FirstName        string
	Phone            string
	Birthdate        time.Time
	City             string
	TelegramUsername string
	TelegramID       int64
}

// BuildContactPayload assembles the registry write payload from validated
// dialog data. Field ids come from configuration, not from template label
// scanning.
func BuildContactPayload(data ContactData, templateID int64, fields FieldIDs) ContactPayload {
	payload := ContactPayload{
		Template: &TemplateRef{ID: templateID},
		Lastname: data.LastName,
		Name:     data.FirstName,
		Address:  data.City,
		Phones:   []Phone{{Number: data.Phone, Type: 1}},
	}
	if !data.Birthdate.IsZero() {
		payload.BirthDate = &DateValue{Date: data.Birthdate.Format("02-01-2006")}
	}

	var custom []CustomFieldValue
	if fields.City > 0 && data.City != "" {
		custom = append(custom, CustomFieldValue{Field: FieldRef{ID: fields.City}, Value: data.City})
	}

	if data.TelegramUsername != "" {
		link := "https://t.me/" + strings.TrimPrefix(data.TelegramUsername, "@")
		payload.Telegram = link
		if fields.Telegram > 0 {
			custom = append(custom, CustomFieldValue{Field: FieldRef{ID: fields.Telegram}, Value: link})
		}
	}
	if data.TelegramID != 0 {
		id := strconv.FormatInt(data.TelegramID, 10)
		payload.TelegramID = id
		payload.SourceObjectID = id
		if fields.TelegramID > 0 {
			custom = append(custom, CustomFieldValue{Field: FieldRef{ID: fields.TelegramID}, Value: id})
		}
	}
	payload.CustomFieldData = custom
	return payload
}

// MatchOutcome describes a phone lookup result.
type MatchOutcome int

const (
	// MatchNone means no contact carries the phone.
	MatchNone MatchOutcome = iota
	// MatchOne means exactly one contact carries the phone.
	MatchOne
	// MatchMany means several contacts carry the phone.
	MatchMany
)

// Match is the result of FindByPhone.
type Match struct {
	Outcome  MatchOutcome
	Contact  *Contact
	Contacts []Contact
}

// TemplateField describes one custom field of a contact template.
type TemplateField struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Label string `json:"label"`
}

// ContactTemplate is a contact template with its custom fields.
type ContactTemplate struct {
	ID           int64           `json:"id"`
	Name         string          `json:"name"`
	CustomFields []TemplateField `json:"customFields"`
}
