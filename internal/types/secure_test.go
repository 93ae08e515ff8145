package types

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"testing"
)

const testSecret = "whsec_live_9f8e7d6c5b4a"

func TestSecretString_NeverRendersValue(t *testing.T) {
	s := SecretString(testSecret)

	renderings := map[string]string{
		"String":  s.String(),
		"%s":      fmt.Sprintf("%s", s),
		"%v":      fmt.Sprintf("%v", s),
		"%+v":     fmt.Sprintf("%+v", struct{ Key SecretString }{s}),
		"Sprint":  fmt.Sprint(s),
		"Println": strings.TrimSpace(fmt.Sprintln(s)),
	}
	for name, got := range renderings {
		if strings.Contains(got, testSecret) {
			t.Errorf("%s leaked the secret: %q", name, got)
		}
		if !strings.Contains(got, redactedPlaceholder) {
			t.Errorf("%s = %q, want placeholder", name, got)
		}
	}
}

func TestSecretString_MarshalJSON(t *testing.T) {
	cfg := struct {
		Name   string       `json:"name"`
		Secret SecretString `json:"secret"`
	}{Name: "stripe", Secret: SecretString(testSecret)}

	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if strings.Contains(string(data), testSecret) {
		t.Fatalf("JSON leaked the secret: %s", data)
	}
	if want := `{"name":"stripe","secret":"***REDACTED***"}`; string(data) != want {
		t.Errorf("JSON = %s, want %s", data, want)
	}
}

func TestSecretString_SlogAttribute(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	logger.Info("loaded", "webhook_secret", SecretString(testSecret))

	if strings.Contains(buf.String(), testSecret) {
		t.Errorf("log line leaked the secret: %s", buf.String())
	}
}

func TestSecretString_UnmaskAndIsSet(t *testing.T) {
	if got := SecretString(testSecret).Unmask(); got != testSecret {
		t.Errorf("Unmask() = %q", got)
	}
	if SecretString("").IsSet() {
		t.Error("empty secret reported as set")
	}
	if !SecretString("x").IsSet() {
		t.Error("non-empty secret reported as unset")
	}
}

func TestSecretString_Matches(t *testing.T) {
	tests := []struct {
		name      string
		secret    SecretString
		candidate string
		want      bool
	}{
		{"equal", "admin-key", "admin-key", true},
		{"different", "admin-key", "admin-kez", false},
		{"prefix", "admin-key", "admin", false},
		{"longer", "admin-key", "admin-key-2", false},
		{"empty candidate", "admin-key", "", false},
		{"unset secret never matches", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.secret.Matches(tt.candidate); got != tt.want {
				t.Errorf("Matches(%q) = %v, want %v", tt.candidate, got, tt.want)
			}
		})
	}
}
