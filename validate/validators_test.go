package validate

import (
	"errors"
	"testing"
	"time"
)

func TestNormalizePhone(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "formatted russian", in: "+7 926 000-00-00", want: "+79260000000"},
		{name: "domestic eight", in: "89260000000", want: "+79260000000"},
		{name: "bare digits", in: "79260000000", want: "+79260000000"},
		{name: "already canonical", in: "+79260000000", want: "+79260000000"},
		{name: "parens and dashes", in: "+7 (926) 000-00-00", want: "+79260000000"},
		{name: "foreign number", in: "+49 30 123456", want: "+4930123456"},
		{name: "eight digit floor", in: "+12345678", want: "+12345678"},
		{name: "fifteen digit ceiling", in: "+123456789012345", want: "+123456789012345"},
		{name: "empty", in: "", wantErr: true},
		{name: "too short", in: "12345", wantErr: true},
		{name: "seven digits", in: "+1234567", wantErr: true},
		{name: "sixteen digits", in: "+1234567890123456", wantErr: true},
		{name: "leading zero", in: "+0123456789", wantErr: true},
		{name: "letters only", in: "not a phone", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizePhone(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("NormalizePhone(%q) = %q, want error", tc.in, got)
				}
				var ve *Error
				if !errors.As(err, &ve) {
					t.Fatalf("NormalizePhone(%q) error type = %T", tc.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizePhone(%q) error: %v", tc.in, err)
			}
			if got != tc.want {
				t.Fatalf("NormalizePhone(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestNormalizePhoneIdempotent(t *testing.T) {
	inputs := []string{"+7 926 000-00-00", "89260000000", "+4930123456"}
	for _, in := range inputs {
		first, err := NormalizePhone(in)
		if err != nil {
			t.Fatalf("first pass %q: %v", in, err)
		}
		second, err := NormalizePhone(first)
		if err != nil {
			t.Fatalf("second pass %q: %v", first, err)
		}
		if first != second {
			t.Fatalf("normalization not idempotent: %q -> %q -> %q", in, first, second)
		}
	}
}

func TestParseBirthdate(t *testing.T) {
	now := time.Date(2025, time.June, 15, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name    string
		in      string
		want    time.Time
		wantErr bool
	}{
		{name: "day first", in: "01.02.1990", want: time.Date(1990, time.February, 1, 0, 0, 0, 0, time.UTC)},
		{name: "iso", in: "1990-02-01", want: time.Date(1990, time.February, 1, 0, 0, 0, 0, time.UTC)},
		{name: "two digit year", in: "01.02.90", wantErr: true},
		{name: "garbage", in: "birthday", wantErr: true},
		{name: "empty", in: "", wantErr: true},
		{name: "too young", in: "01.01.2020", wantErr: true},
		{name: "too old", in: "01.01.1890", wantErr: true},
		{name: "exactly ten years", in: "15.06.2015", want: time.Date(2015, time.June, 15, 0, 0, 0, 0, time.UTC)},
		{name: "ten years tomorrow", in: "16.06.2015", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseBirthdateAt(tc.in, now)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("parseBirthdateAt(%q) = %v, want error", tc.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseBirthdateAt(%q) error: %v", tc.in, err)
			}
			if !got.Equal(tc.want) {
				t.Fatalf("parseBirthdateAt(%q) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestValidateName(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "cyrillic", in: "Иванов", want: "Иванов"},
		{name: "latin", in: "Smith", want: "Smith"},
		{name: "hyphenated", in: "Анна-Мария", want: "Анна-Мария"},
		{name: "trimmed", in: "  Иван  ", want: "Иван"},
		{name: "single char", in: "И", wantErr: true},
		{name: "empty", in: "", wantErr: true},
		{name: "punctuation", in: "Иван!", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ValidateName(tc.in, "Имя")
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ValidateName(%q) = %q, want error", tc.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ValidateName(%q) error: %v", tc.in, err)
			}
			if got != tc.want {
				t.Fatalf("ValidateName(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestValidateCity(t *testing.T) {
	if _, err := ValidateCity("Москва"); err != nil {
		t.Fatalf("ValidateCity valid: %v", err)
	}
	if got, err := ValidateCity("  Санкт-Петербург "); err != nil || got != "Санкт-Петербург" {
		t.Fatalf("ValidateCity trim = %q, %v", got, err)
	}
	if _, err := ValidateCity("М"); err == nil {
		t.Fatal("ValidateCity short: want error")
	}
	if _, err := ValidateCity("Мос\x00ква"); err == nil {
		t.Fatal("ValidateCity control char: want error")
	}
}
