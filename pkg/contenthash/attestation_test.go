package contenthash

import (
	"testing"
	"time"
)

func TestFormatTimestamp_FixedWidthUTC(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	at := time.Date(2026, 10, 15, 10, 30, 0, 123456789, loc)
	got := FormatTimestamp(at)
	if got != "2026-10-15T09:30:00.123Z" {
		t.Errorf("expected 2026-10-15T09:30:00.123Z, got %s", got)
	}
	if got := FormatTimestamp(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)); got != "2026-01-02T03:04:05.000Z" {
		t.Errorf("expected zero milliseconds to be kept, got %s", got)
	}
}

func TestSign_KnownVector(t *testing.T) {
	at := time.Date(2026, 10, 15, 9, 30, 0, 123000000, time.UTC)
	got := Sign("e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", "user-1", at)
	want := "9c98331ee8f1b823568eeea02bf1b5c63ebba743751a0d0d70da7634033f2b3d"
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestVerifySignature_RoundTrip(t *testing.T) {
	at := time.Now()
	hash := Hash(Record{"motif": Text("chest pain")})
	sig := Sign(hash, "user-1", at)

	if !VerifySignature(hash, "user-1", at, sig) {
		t.Fatal("expected signature to verify")
	}
	if VerifySignature(hash, "user-2", at, sig) {
		t.Error("expected different user to fail verification")
	}
	if VerifySignature(hash, "user-1", at.Add(time.Second), sig) {
		t.Error("expected different time to fail verification")
	}
	if VerifySignature(Hash(Record{"motif": Text("chest pain ")}), "user-1", at, sig) {
		t.Error("expected different content to fail verification")
	}
}

func TestVerifySignature_IgnoresSubMillisecondPrecision(t *testing.T) {
	at := time.Date(2026, 10, 15, 9, 30, 0, 123000000, time.UTC)
	sig := Sign("h", "u", at)
	if !VerifySignature("h", "u", at.Add(999*time.Microsecond), sig) {
		t.Error("expected timestamps within the same millisecond to verify")
	}
}

func TestParseTimestamp(t *testing.T) {
	at, err := ParseTimestamp("2026-10-15T09:30:00.123Z")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if FormatTimestamp(at) != "2026-10-15T09:30:00.123Z" {
		t.Errorf("expected round trip, got %s", FormatTimestamp(at))
	}
	if _, err := ParseTimestamp("yesterday"); err == nil {
		t.Error("expected error for malformed timestamp")
	}
}
