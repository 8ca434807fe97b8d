package validation

import (
	"strings"
	"testing"
)

func TestSanitizeString(t *testing.T) {
	if got := SanitizeString("  hello  ", 100); got != "hello" {
		t.Errorf("SanitizeString trim = %q", got)
	}
	if got := SanitizeString("abc\x00def", 100); got != "abcdef" {
		t.Errorf("SanitizeString null bytes = %q", got)
	}
	if got := SanitizeString(strings.Repeat("a", 50), 10); len(got) != 10 {
		t.Errorf("SanitizeString length = %d, want 10", len(got))
	}
}

func TestValidate_CollectsErrors(t *testing.T) {
	errs := Validate(
		Required("name", ""),
		Required("value", "present"),
		MaxLength("note", strings.Repeat("x", 20), 10),
	)

	if len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %d: %v", len(errs), errs)
	}
	if errs[0].Field != "name" {
		t.Errorf("first error field = %s, want name", errs[0].Field)
	}
	if errs[1].Field != "note" {
		t.Errorf("second error field = %s, want note", errs[1].Field)
	}
	if !strings.Contains(errs.Error(), "name: is required") {
		t.Errorf("Error() = %q", errs.Error())
	}
}

func TestValidate_NoErrors(t *testing.T) {
	errs := Validate(
		Required("name", "ok"),
		MaxLength("name", "ok", 10),
	)
	if len(errs) != 0 {
		t.Errorf("expected no errors, got %v", errs)
	}
}
