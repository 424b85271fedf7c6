package validation

import "testing"

func TestIsValidEthAddress(t *testing.T) {
	valid := []string{
		"0x1234567890abcdef1234567890abcdef12345678",
		"0xABCDEF1234567890abcdef1234567890ABCDEF12",
	}
	for _, addr := range valid {
		if !IsValidEthAddress(addr) {
			t.Errorf("expected %s to be valid", addr)
		}
	}

	invalid := []string{
		"",
		"0x123",
		"1234567890abcdef1234567890abcdef12345678",
		"0x1234567890abcdef1234567890abcdef1234567g",
	}
	for _, addr := range invalid {
		if IsValidEthAddress(addr) {
			t.Errorf("expected %s to be invalid", addr)
		}
	}
}

func TestIsValidHash32(t *testing.T) {
	valid := []string{
		"0x0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
		"0000000000000000000000000000000000000000000000000000000000000000",
	}
	for _, h := range valid {
		if !IsValidHash32(h) {
			t.Errorf("expected %s to be valid", h)
		}
	}

	invalid := []string{
		"",
		"0x1234",
		"zz23456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
	}
	for _, h := range invalid {
		if IsValidHash32(h) {
			t.Errorf("expected %s to be invalid", h)
		}
	}
}

func TestSanitizeAddress(t *testing.T) {
	cases := map[string]string{
		"  0xABCdef1234567890abcdef1234567890abcdef12  ": "0xabcdef1234567890abcdef1234567890abcdef12",
		"abcdef1234567890abcdef1234567890abcdef12":       "0xabcdef1234567890abcdef1234567890abcdef12",
	}
	for in, want := range cases {
		if got := SanitizeAddress(in); got != want {
			t.Errorf("SanitizeAddress(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("maker", ""),
		ValidAddress("taker", "not-an-address"),
	)
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %d", len(errs))
	}

	errs = Validate(
		Required("maker", "0x1234567890abcdef1234567890abcdef12345678"),
		ValidAddress("maker", "0x1234567890abcdef1234567890abcdef12345678"),
	)
	if len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
}

func TestValidAmount(t *testing.T) {
	valid := []string{"1", "1000", "340282366920938463463374607431768211455"}
	for _, v := range valid {
		if err := ValidAmount("amount", v)(); err != nil {
			t.Errorf("expected %q to be valid: %v", v, err)
		}
	}

	invalid := []string{"0", "000", "-5", "1.5", "1e9", "abc"}
	for _, v := range invalid {
		if err := ValidAmount("amount", v)(); err == nil {
			t.Errorf("expected %q to be invalid", v)
		}
	}
}
