package logs

import (
	"errors"
	"fmt"
)

// ValidationError reports a structurally invalid entry. It is never retried.
type ValidationError struct {
	EntryID string
	Field   string
	Reason  string
}

func (e *ValidationError) Error() string {
	if e.EntryID != "" {
		return fmt.Sprintf("invalid log entry %s: %s: %s", e.EntryID, e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid log entry: %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Validate checks the structural requirements for an ingested entry:
// id, timestamp, level, source service and raw message must be present,
// and the level must be one of the known values.
func Validate(e *Entry) error {
	if e == nil {
		return &ValidationError{Field: "entry", Reason: "nil"}
	}
	if e.ID == "" {
		return &ValidationError{Field: "id", Reason: "required"}
	}
	if e.Timestamp <= 0 {
		return &ValidationError{EntryID: e.ID, Field: "timestamp", Reason: "required"}
	}
	if !e.Level.Valid() {
		return &ValidationError{EntryID: e.ID, Field: "level", Reason: fmt.Sprintf("unknown level %q", e.Level)}
	}
	if e.Source.Service == "" {
		return &ValidationError{EntryID: e.ID, Field: "source.service", Reason: "required"}
	}
	if e.Message.Raw == "" {
		return &ValidationError{EntryID: e.ID, Field: "message.raw", Reason: "required"}
	}
	return nil
}
