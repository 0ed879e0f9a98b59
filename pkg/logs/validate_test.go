package logs

import (
	"errors"
	"testing"
	"time"
)

func validEntry() *Entry {
	return &Entry{
		ID:        "e-1",
		Timestamp: time.Now().UnixNano(),
		Level:     LevelError,
		Source:    Source{Service: "checkout"},
		Message:   Message{Raw: "payment declined"},
	}
}

func TestValidate_AcceptsCompleteEntry(t *testing.T) {
	if err := Validate(validEntry()); err != nil {
		t.Fatalf("expected valid entry, got %v", err)
	}
}

func TestValidate_RejectsMissingFields(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Entry)
		field  string
	}{
		{"missing id", func(e *Entry) { e.ID = "" }, "id"},
		{"missing timestamp", func(e *Entry) { e.Timestamp = 0 }, "timestamp"},
		{"bad level", func(e *Entry) { e.Level = "TRACE" }, "level"},
		{"missing service", func(e *Entry) { e.Source.Service = "" }, "source.service"},
		{"missing message", func(e *Entry) { e.Message.Raw = "" }, "message.raw"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := validEntry()
			tc.mutate(e)

			err := Validate(e)
			if err == nil {
				t.Fatal("expected validation error")
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %T", err)
			}
			if ve.Field != tc.field {
				t.Errorf("expected field %q, got %q", tc.field, ve.Field)
			}
			if !IsValidation(err) {
				t.Error("IsValidation should report true")
			}
		})
	}
}

func TestLevel_Valid(t *testing.T) {
	for _, l := range []Level{LevelDebug, LevelInfo, LevelWarn, LevelError, LevelFatal} {
		if !l.Valid() {
			t.Errorf("level %s should be valid", l)
		}
	}
	if Level("VERBOSE").Valid() {
		t.Error("unknown level should be invalid")
	}
}

func TestEntry_Age(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	e := &Entry{Timestamp: now.Add(-3 * time.Hour).UnixNano()}

	if got := e.Age(now); got != 3*time.Hour {
		t.Errorf("expected age 3h, got %s", got)
	}
}
