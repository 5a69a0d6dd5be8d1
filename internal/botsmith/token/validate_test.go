package token_test

import (
	"strings"
	"testing"

	"github.com/tmarkov/botsmith/internal/botsmith/token"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name       string
		credential string
		wantErr    bool
	}{
		{"valid token", "123456789:AAEhBOweik6ad9r_QXMENQjcrGbqCr4K-pc", false},
		{"valid long id", "5912345678:AAHx7-abcdefghijklmnopqrstuvwxyz123456", false},
		{"empty", "", true},
		{"not a token", "not-a-token", true},
		{"missing secret", "123456789:", true},
		{"short secret", "123456789:tooshort", true},
		{"missing id", ":AAEhBOweik6ad9r_QXMENQjcrGbqCr4K-pc", true},
		{"non-numeric id", "abc:AAEhBOweik6ad9r_QXMENQjcrGbqCr4K-pc", true},
		{"whitespace", "123456789:AAEhBOweik6ad9r QXMENQjcrGbqCr4K-pc", true},
		{"oversized", "123456789:" + strings.Repeat("a", 300), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := token.Validate(tt.credential)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate(%q): err = %v, wantErr = %v", tt.credential, err, tt.wantErr)
			}
		})
	}
}
