package schemafsm

import (
	"strings"
	"testing"

	"github.com/speakeasy-api/fence"
)

func TestDateMachine_Shape(t *testing.T) {
	m := DateMachine()
	checkMatches(t, m,
		[]string{"2025-08-25", "0001-01-01", "1999-12-31", "2024-02-29"},
		[]string{"2025-13-01", "2025-00-01", "2025-01-00", "2025-01-32", "25-01-01", "2025/01/01"},
	)
}

func TestTimeMachine_Shape(t *testing.T) {
	m := TimeMachine()
	checkMatches(t, m,
		[]string{"00:00:00Z", "12:30:00Z", "23:59:59.123+05:30", "09:15:00-08:00", "17:45:30.999999999z"},
		[]string{"24:00:00Z", "12:60:00Z", "12:30:61Z", "12:30:00", "12:30Z", "12:30:00.Z"},
	)
}

func TestDateTimeMachine_Shape(t *testing.T) {
	m := DateTimeMachine()
	checkMatches(t, m,
		[]string{"2025-08-25T12:30:00Z", "2025-08-25t23:59:59.5-07:00"},
		[]string{"2025-08-25 12:30:00Z", "2025-08-25T12:30:00", "2025-08-25T24:00:00Z"},
	)
}

func TestUUIDMachine_Shape(t *testing.T) {
	m := UUIDMachine()
	checkMatches(t, m,
		[]string{"123e4567-e89b-12d3-a456-426614174000", "00000000-0000-0000-0000-000000000000"},
		[]string{"123e4567e89b12d3a456426614174000", "123e4567-e89b-12d3-a456-42661417400", "g23e4567-e89b-12d3-a456-426614174000"},
	)
}

func TestValidateFormat_Date(t *testing.T) {
	if err := ValidateFormat(FormatDate, "2025-08-25"); err != nil {
		t.Fatalf("valid date rejected: %v", err)
	}
	if err := ValidateFormat(FormatDate, "2024-02-29"); err != nil {
		t.Fatalf("leap day rejected: %v", err)
	}
	// Structurally valid, calendar-invalid: only the round-trip catches it.
	if err := ValidateFormat(FormatDate, "2025-02-30"); err == nil {
		t.Fatalf("feb 30 should fail validation")
	}
	if err := ValidateFormat(FormatDate, "2025-04-31"); err == nil {
		t.Fatalf("apr 31 should fail validation")
	}
}

func TestValidateFormat_DateTime(t *testing.T) {
	if err := ValidateFormat(FormatDateTime, "2025-08-25T12:30:00Z"); err != nil {
		t.Fatalf("valid date-time rejected: %v", err)
	}
	if err := ValidateFormat(FormatDateTime, "2025-02-30T12:30:00Z"); err == nil {
		t.Fatalf("feb 30 date-time should fail validation")
	}
	if err := ValidateFormat(FormatDateTime, "2025"); err == nil {
		t.Fatalf("truncated date-time should fail validation")
	}
}

func TestValidateFormat_PassThrough(t *testing.T) {
	if err := ValidateFormat(FormatTime, "12:30:00Z"); err != nil {
		t.Fatalf("time should pass: %v", err)
	}
	if err := ValidateFormat(FormatUUID, "123e4567-e89b-12d3-a456-426614174000"); err != nil {
		t.Fatalf("uuid should pass: %v", err)
	}
	if err := ValidateFormat("email", "whatever"); err != nil {
		t.Fatalf("unknown format should pass: %v", err)
	}
}

func TestValidateSegments_CollectsFailures(t *testing.T) {
	spans := []fence.Span{
		{Ident: "name", Text: "anything"},
		{Ident: FormatDate, Text: "2025-08-25"},
		{Ident: FormatDate, Text: "2025-02-30"},
		{Ident: FormatDateTime, Text: "2025-04-31T00:00:00Z"},
	}
	err := ValidateSegments(spans)
	if err == nil {
		t.Fatalf("want validation failure")
	}
	if !strings.Contains(err.Error(), "2025-02-30") || !strings.Contains(err.Error(), "2025-04-31") {
		t.Fatalf("error should list both bad values, got %v", err)
	}

	if err := ValidateSegments(spans[:2]); err != nil {
		t.Fatalf("clean spans should pass: %v", err)
	}
}
