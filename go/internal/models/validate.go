package models

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	roomIDPattern   = regexp.MustCompile(`^[a-zA-Z0-9]{1,10}$`)
	userNamePattern = regexp.MustCompile(`^[a-zA-Z0-9]{1,20}$`)
	clockPattern    = regexp.MustCompile(`^\d{1,3}:[0-5]\d$`)
)

// ValidationError reports a malformed or missing field. It is rejected
// before any mutation and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NormalizeRoomID validates a room key and returns its canonical lowercase
// form.
func NormalizeRoomID(roomID string) (string, error) {
	if !roomIDPattern.MatchString(roomID) {
		return "", &ValidationError{Field: "roomId", Reason: "must be 1-10 alphanumeric characters"}
	}
	return strings.ToLower(roomID), nil
}

// ValidateUserName validates a display name.
func ValidateUserName(userName string) error {
	if !userNamePattern.MatchString(userName) {
		return &ValidationError{Field: "userName", Reason: "must be 1-20 alphanumeric characters"}
	}
	return nil
}

// ValidateClock validates an MM:SS duration string.
func ValidateClock(field, value string) error {
	if !clockPattern.MatchString(value) {
		return &ValidationError{Field: field, Reason: "must be MM:SS"}
	}
	return nil
}

// ValidateActivity checks the type-specific requirements of an inbound
// activity. ID and TimeStamp are server-assigned and ignored here.
func ValidateActivity(a *RoomActivity) error {
	if !a.Type.Valid() {
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown activity type %q", string(a.Type))}
	}
	if err := ValidateUserName(a.UserName); err != nil {
		return err
	}
	if a.TimerMode != "" && !a.TimerMode.Valid() {
		return &ValidationError{Field: "timerMode", Reason: "must be work or break"}
	}
	if a.TimeRemaining != "" {
		if err := ValidateClock("timeRemaining", a.TimeRemaining); err != nil {
			return err
		}
	}
	if a.LastWorkTime != "" {
		if err := ValidateClock("lastWorkTime", a.LastWorkTime); err != nil {
			return err
		}
	}
	if a.LastBreakTime != "" {
		if err := ValidateClock("lastBreakTime", a.LastBreakTime); err != nil {
			return err
		}
	}

	switch a.Type {
	case ActivityStartTimer:
		if a.TimeRemaining == "" {
			return &ValidationError{Field: "timeRemaining", Reason: "required for start_timer"}
		}
		if a.TimerMode == "" {
			return &ValidationError{Field: "timerMode", Reason: "required for start_timer"}
		}
	case ActivityChangeTimer:
		if a.TimeRemaining == "" {
			return &ValidationError{Field: "timeRemaining", Reason: "required for change_timer"}
		}
	}
	return nil
}
