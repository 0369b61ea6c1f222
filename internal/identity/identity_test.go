package identity

import (
	"errors"
	"testing"

	"parley/infrastructure"
)

func TestNormalizeEmail(t *testing.T) {
	id, err := Normalize(KindEmail, "  Alice@Example.COM ")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if id.Value != "alice@example.com" {
		t.Fatalf("value = %q, want lowercased", id.Value)
	}

	if _, err := Normalize(KindEmail, "not-an-address"); !errors.Is(err, infrastructure.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestNormalizeMobile(t *testing.T) {
	for _, ok := range []string{"+66812345678", "0812345678"} {
		if _, err := Normalize(KindMobile, ok); err != nil {
			t.Errorf("Normalize(%q): %v", ok, err)
		}
	}
	if _, err := Normalize(KindMobile, "call me"); !errors.Is(err, infrastructure.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestNationalIDChecksum(t *testing.T) {
	if err := ValidateNationalID("1234567890128"); err != nil {
		t.Fatalf("valid id rejected: %v", err)
	}

	bad := []string{
		"1234567890123", // wrong check digit
		"123456789012",  // too short
		"12345678901234",
		"12345678901a8",
	}
	for _, id := range bad {
		if err := ValidateNationalID(id); !errors.Is(err, infrastructure.ErrValidation) {
			t.Errorf("ValidateNationalID(%q) = %v, want ErrValidation", id, err)
		}
	}
}

func TestNormalizeUnknownKind(t *testing.T) {
	if _, err := Normalize(Kind("passport"), "x123"); !errors.Is(err, infrastructure.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}
