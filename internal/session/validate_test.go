package session

import (
	"strings"
	"testing"
)

func TestValidateIdentityID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid", strings.Repeat("ab", 32), false},
		{"valid digits", strings.Repeat("12", 32), false},
		{"empty", "", true},
		{"too short", "abcd", true},
		{"too long", strings.Repeat("ab", 33), true},
		{"uppercase", strings.Repeat("AB", 32), true},
		{"non hex", strings.Repeat("zz", 32), true},
		{"path separator", "../" + strings.Repeat("a", 61), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIdentityID(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateIdentityID(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}
