package shared

import (
	"testing"
)

func TestRedactBearerToken(t *testing.T) {
	input := "Bearer abc123def456ghi789jkl0"
	result := Redact(input)
	if result != "Bearer [REDACTED]" {
		t.Fatalf("expected 'Bearer [REDACTED]', got %q", result)
	}
}

func TestRedactAPIKeyAssignment(t *testing.T) {
	input := `worker echoed: api_key=abcdef1234567890abcdef`
	result := Redact(input)
	if result == input {
		t.Fatalf("expected redaction, got %q", result)
	}
}

func TestRedactProviderKeyShapes(t *testing.T) {
	for _, input := range []string{
		"key is AIzaSyA1234567890abcdefghijklmnopqrstuvwx",
		"found sk-abcdefghij1234567890klmn in env dump",
	} {
		if Redact(input) == input {
			t.Fatalf("expected redaction of %q", input)
		}
	}
}

func TestRedactLeavesOrdinaryOutputAlone(t *testing.T) {
	input := "worker scout-1 transitioned ready -> working"
	if result := Redact(input); result != input {
		t.Fatalf("expected no redaction, got %q", result)
	}
	if result := Redact(""); result != "" {
		t.Fatalf("expected empty, got %q", result)
	}
}

func TestRedactEnvValueSensitiveKeys(t *testing.T) {
	cases := []struct {
		key, value string
		expect     string
	}{
		{"FLEET_API_KEY", "some-secret", "[REDACTED]"},
		{"auth_token", "abc123", "[REDACTED]"},
		{"password", "s3cret", "[REDACTED]"},
		{"TEAM_NAME", "alpha", "alpha"},
		{"AGENT_COLOR", "#aabbcc", "#aabbcc"},
	}
	for _, tc := range cases {
		got := RedactEnvValue(tc.key, tc.value)
		if got != tc.expect {
			t.Errorf("RedactEnvValue(%q, %q) = %q, want %q", tc.key, tc.value, got, tc.expect)
		}
	}
}
