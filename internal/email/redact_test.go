package email

import "testing"

func TestRedactEmail(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"standard email", "john@gmail.com", "j***@gmail.com"},
		{"single char local part", "j@example.com", "j***@example.com"},
		{"empty string", "", ""},
		{"no at sign", "invalidemail", "***"},
		{"empty local part", "@domain.com", "***@domain.com"},
		{"multiple at signs only first split", "user@sub@domain.com", "u***@sub@domain.com"},
		{"special characters in local part", "+tagged@gmail.com", "+***@gmail.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RedactEmail(tt.input); got != tt.want {
				t.Errorf("RedactEmail(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
