package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal literal %q: %v", s, err)
	}
	return d
}

func testExpiry() time.Time {
	return time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)
}

func mustOption(t *testing.T, strike string, typ OptionType) OptionRef {
	t.Helper()
	ref, err := NewOptionRef("SPX", dec(t, strike), testExpiry(), typ, ".SPXW250901"+strike)
	if err != nil {
		t.Fatalf("NewOptionRef(%s, %s) failed: %v", strike, typ, err)
	}
	return ref
}

func TestNewOptionRefValidation(t *testing.T) {
	tests := []struct {
		name       string
		underlying string
		strike     string
		expiry     time.Time
		typ        OptionType
		wantErr    bool
	}{
		{"valid call", "SPX", "6000", testExpiry(), Call, false},
		{"valid put", "SPX", "6000", testExpiry(), Put, false},
		{"empty underlying", "", "6000", testExpiry(), Call, true},
		{"zero strike", "SPX", "0", testExpiry(), Call, true},
		{"negative strike", "SPX", "-5", testExpiry(), Put, true},
		{"zero expiry", "SPX", "6000", time.Time{}, Call, true},
		{"bad type", "SPX", "6000", testExpiry(), OptionType("straddle"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewOptionRef(tt.underlying, dec(t, tt.strike), tt.expiry, tt.typ, "")
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewOptionRef() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestOptionRefKeyAndEquality(t *testing.T) {
	a := mustOption(t, "6000", Call)
	b := mustOption(t, "6000", Call)
	b.StreamerSymbol = "something-else"

	if !a.Equal(b) {
		t.Error("identity equality must ignore the broker-native symbol")
	}
	if a.Key() != b.Key() {
		t.Errorf("keys differ for identical contracts: %q vs %q", a.Key(), b.Key())
	}
	if want := "SPX|6000.00|2025-09-01|call"; a.Key() != want {
		t.Errorf("Key() = %q, want %q", a.Key(), want)
	}

	c := mustOption(t, "6000", Put)
	if a.Equal(c) {
		t.Error("call and put at the same strike must not be equal")
	}
	d := mustOption(t, "6005", Call)
	if a.Equal(d) {
		t.Error("different strikes must not be equal")
	}
}

func TestOptionRefExpiryTruncatedToDate(t *testing.T) {
	intraday := time.Date(2025, 9, 1, 15, 30, 12, 0, time.UTC)
	ref, err := NewOptionRef("SPX", dec(t, "6000"), intraday, Call, "")
	if err != nil {
		t.Fatalf("NewOptionRef failed: %v", err)
	}
	if !ref.Expiry.Equal(testExpiry()) {
		t.Errorf("expiry not truncated to date: %v", ref.Expiry)
	}
	if ref.ExpiryString() != "2025-09-01" {
		t.Errorf("ExpiryString() = %q", ref.ExpiryString())
	}
}
