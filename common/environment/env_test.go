package environment_test

import (
	"testing"
	"time"

	"github.com/tmarkov/botsmith/common/environment"
)

func TestStringOr(t *testing.T) {
	t.Setenv("BOTSMITH_TEST_STR", "hello")
	if got := environment.StringOr("BOTSMITH_TEST_STR", "fallback"); got != "hello" {
		t.Errorf("got %q, want %q", got, "hello")
	}
	if got := environment.StringOr("BOTSMITH_TEST_UNSET", "fallback"); got != "fallback" {
		t.Errorf("got %q, want %q", got, "fallback")
	}
}

func TestRequiredString(t *testing.T) {
	t.Setenv("BOTSMITH_TEST_REQ", "value")
	v, err := environment.RequiredString("BOTSMITH_TEST_REQ")
	if err != nil {
		t.Fatalf("RequiredString: %v", err)
	}
	if v != "value" {
		t.Errorf("got %q, want %q", v, "value")
	}

	if _, err := environment.RequiredString("BOTSMITH_TEST_REQ_UNSET"); err == nil {
		t.Error("expected error for unset required variable")
	}
}

func TestBoolOr(t *testing.T) {
	t.Setenv("BOTSMITH_TEST_BOOL", "true")
	if !environment.BoolOr("BOTSMITH_TEST_BOOL", false) {
		t.Error("expected true")
	}
	t.Setenv("BOTSMITH_TEST_BOOL", "garbage")
	if environment.BoolOr("BOTSMITH_TEST_BOOL", false) {
		t.Error("unparseable value should return default")
	}
}

func TestIntOr(t *testing.T) {
	t.Setenv("BOTSMITH_TEST_INT", "42")
	if got := environment.IntOr("BOTSMITH_TEST_INT", 7); got != 42 {
		t.Errorf("got %d, want 42", got)
	}
	if got := environment.IntOr("BOTSMITH_TEST_INT_UNSET", 7); got != 7 {
		t.Errorf("got %d, want 7", got)
	}
}

func TestDurationOr(t *testing.T) {
	t.Setenv("BOTSMITH_TEST_DUR", "90s")
	if got := environment.DurationOr("BOTSMITH_TEST_DUR", time.Second); got != 90*time.Second {
		t.Errorf("got %v, want 90s", got)
	}
	t.Setenv("BOTSMITH_TEST_DUR", "not-a-duration")
	if got := environment.DurationOr("BOTSMITH_TEST_DUR", time.Second); got != time.Second {
		t.Errorf("got %v, want 1s default", got)
	}
}
