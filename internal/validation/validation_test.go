package validation

import "testing"

func TestIsValidEthAddress(t *testing.T) {
	valid := []string{
		"0x1f9090aaE28b8a3dCeaDf281B0F12828e676c326",
		"0x0000000000000000000000000000000000000000",
	}
	for _, addr := range valid {
		if !IsValidEthAddress(addr) {
			t.Errorf("expected %s to be valid", addr)
		}
	}

	invalid := []string{
		"",
		"1f9090aaE28b8a3dCeaDf281B0F12828e676c326",
		"0x1f9090",
		"0xZZ9090aaE28b8a3dCeaDf281B0F12828e676c326",
	}
	for _, addr := range invalid {
		if IsValidEthAddress(addr) {
			t.Errorf("expected %s to be invalid", addr)
		}
	}
}

func TestIsValidTxHash(t *testing.T) {
	if !IsValidTxHash("0xabcd0f5b1ee19a7d62c0e9dd1ffdc78af1ebda39714f01d304bb07b26a0e9ba8") {
		t.Error("expected well-formed hash to be valid")
	}
	if IsValidTxHash("0xdeadbeef") {
		t.Error("short hash must be invalid")
	}
	if IsValidTxHash("") {
		t.Error("empty hash must be invalid")
	}
}

func TestSanitizeString(t *testing.T) {
	if got := SanitizeString("  hello\x00world  ", 8); got != "hellowo" {
		t.Errorf("got %q, want %q", got, "hellowo")
	}
	if SanitizeString("   ", 10) != "" {
		t.Error("whitespace-only input should sanitize to empty")
	}
}

func TestSanitizeAddress(t *testing.T) {
	got := SanitizeAddress("  1F9090AAE28B8A3DCEADF281B0F12828E676C326 ")
	want := "0x1f9090aae28b8a3dceadf281b0f12828e676c326"
	if got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	errs := Validate(
		Required("buyer_id", ""),
		ValidAddress("wallet", "not-an-address"),
		ValidTxHash("tx_hash", "0x123"),
		MaxLength("note", "abcdef", 3),
	)
	if len(errs) != 4 {
		t.Fatalf("expected 4 errors, got %d: %v", len(errs), errs)
	}
	if errs.Error() == "" {
		t.Error("expected non-empty error string")
	}
}

func TestValidateEmptyOptionalFieldsPass(t *testing.T) {
	errs := Validate(
		ValidAddress("wallet", ""),
		ValidTxHash("tx_hash", ""),
	)
	if len(errs) != 0 {
		t.Fatalf("optional empty fields must pass, got %v", errs)
	}
}
