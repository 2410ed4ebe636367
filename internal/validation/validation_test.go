package validation

import "testing"

func TestValidAmount(t *testing.T) {
	valid := []string{"1", "0.5", "100.123456", ""}
	for _, v := range valid {
		if err := ValidAmount("amount", v)(); err != nil {
			t.Errorf("ValidAmount(%q) = %v, want nil", v, err)
		}
	}

	invalid := []string{"0", "0.000", "-1", "1.2.3", ".5", "5.", "abc", "1e5"}
	for _, v := range invalid {
		if err := ValidAmount("amount", v)(); err == nil {
			t.Errorf("ValidAmount(%q) = nil, want error", v)
		}
	}
}

func TestValidCurrency(t *testing.T) {
	for _, v := range []string{"USD", "USDC", "BTC", ""} {
		if err := ValidCurrency("currency", v)(); err != nil {
			t.Errorf("ValidCurrency(%q) = %v, want nil", v, err)
		}
	}
	for _, v := range []string{"us", "usd", "TOOLONGX", "U$D"} {
		if err := ValidCurrency("currency", v)(); err == nil {
			t.Errorf("ValidCurrency(%q) = nil, want error", v)
		}
	}
}

func TestValidateCollects(t *testing.T) {
	errs := Validate(
		Required("buyer_id", ""),
		ValidAmount("amount", "-3"),
		Required("seller_id", "s_1"),
	)
	if len(errs) != 2 {
		t.Fatalf("got %d errors, want 2: %v", len(errs), errs)
	}
	if errs.Error() == "" {
		t.Error("Error() should describe the first failure")
	}
}
