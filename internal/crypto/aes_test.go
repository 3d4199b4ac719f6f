package crypto

import (
	"strings"
	"testing"
)

func TestEncryptDecrypt(t *testing.T) {
	key, err := ParseKey(strings.Repeat("ab", 32))
	if err != nil {
		t.Fatalf("ParseKey: %v", err)
	}
	sealed, err := Encrypt([]byte("sk-live"), key)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	plain, err := Decrypt(sealed, key)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(plain) != "sk-live" {
		t.Fatalf("got %q", plain)
	}

	other, _ := ParseKey(strings.Repeat("k", 32))
	if _, err := Decrypt(sealed, other); err == nil {
		t.Fatal("decrypt with wrong key should fail")
	}
}

func TestParseKey(t *testing.T) {
	tests := []struct {
		raw     string
		wantLen int
		wantErr bool
	}{
		{"", 0, false},
		{strings.Repeat("0f", 32), 32, false},
		{strings.Repeat("x", 32), 32, false},
		{strings.Repeat("x", 16), 16, false},
		{"short", 0, true},
	}
	for _, tt := range tests {
		key, err := ParseKey(tt.raw)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseKey(%q) err = %v", tt.raw, err)
			continue
		}
		if len(key) != tt.wantLen {
			t.Errorf("ParseKey(%q) len = %d, want %d", tt.raw, len(key), tt.wantLen)
		}
	}
}

func TestMissingKey(t *testing.T) {
	if _, err := Encrypt([]byte("x"), nil); err != ErrEncryptionKeyNotSet {
		t.Fatalf("got %v", err)
	}
}
