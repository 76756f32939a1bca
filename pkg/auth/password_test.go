package auth

import (
	"strings"
	"testing"
)

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := HashPassword("Library#Card42")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !strings.HasPrefix(hash, "$2") {
		t.Fatalf("expected a bcrypt hash, got %q", hash)
	}
	if !CheckPassword("Library#Card42", hash) {
		t.Fatalf("matching password rejected")
	}
	if CheckPassword("library#card42", hash) {
		t.Fatalf("password check must be case sensitive")
	}
	if CheckPassword("Library#Card42", "not-a-hash") {
		t.Fatalf("malformed hash must never match")
	}
}

func TestValidatePasswordPolicy(t *testing.T) {
	cases := []struct {
		password string
		wantErr  string
	}{
		{"Borrow#Books2026", ""},
		{"Ab1!", "at least 10"},
		{"overdue#fine99", "uppercase"},
		{"OVERDUE#FINE99", "lowercase"},
		{"Overdue#Fines", "digit"},
		{"OverdueFine99", "special"},
	}
	for _, tc := range cases {
		err := ValidatePassword(tc.password)
		if tc.wantErr == "" {
			if err != nil {
				t.Fatalf("%q: unexpected error %v", tc.password, err)
			}
			continue
		}
		if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
			t.Fatalf("%q: expected error containing %q, got %v", tc.password, tc.wantErr, err)
		}
	}
}
