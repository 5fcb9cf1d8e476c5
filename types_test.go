package apix

import (
	"strings"
	"testing"
)

func TestIsPaymentReference(t *testing.T) {
	tests := []struct {
		name  string
		proof string
		want  bool
	}{
		{name: "tx hash", proof: "0x" + strings.Repeat("ab", 32), want: true},
		{name: "short reference", proof: "0xdeadbeef", want: true},
		{name: "uppercase hex", proof: "0xDEADBEEF", want: true},
		{name: "jwt", proof: "eyJhbGciOiJIUzI1NiJ9.eyJzdWIiOiJ4In0.sig", want: false},
		{name: "jwt-length hex", proof: "0x" + strings.Repeat("ab", 64), want: false},
		{name: "non-hex body", proof: "0xnothex", want: false},
		{name: "empty", proof: "", want: false},
		{name: "bare prefix", proof: "0x", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPaymentReference(tt.proof); got != tt.want {
				t.Errorf("IsPaymentReference(%q) = %v, want %v", tt.proof, got, tt.want)
			}
		})
	}
}

func TestExtractProof(t *testing.T) {
	tests := []struct {
		name          string
		authorization string
		want          string
	}{
		{name: "apix token", authorization: "Apix 0xdeadbeef", want: "0xdeadbeef"},
		{name: "trims whitespace", authorization: "Apix  token ", want: "token"},
		{name: "empty header", authorization: "", want: ""},
		{name: "bearer scheme", authorization: "Bearer abc", want: ""},
		{name: "scheme only", authorization: "Apix ", want: ""},
		{name: "case sensitive scheme", authorization: "apix token", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractProof(tt.authorization); got != tt.want {
				t.Errorf("ExtractProof(%q) = %q, want %q", tt.authorization, got, tt.want)
			}
		})
	}
}

func TestPaymentDetailsValidate(t *testing.T) {
	valid := testPaymentDetails()
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	missingRecipient := valid
	missingRecipient.Recipient = ""
	if err := missingRecipient.Validate(); err == nil {
		t.Fatal("missing recipient accepted")
	}

	badRecipient := valid
	badRecipient.Recipient = "not-an-address"
	if err := badRecipient.Validate(); err == nil {
		t.Fatal("malformed recipient accepted")
	}

	missingAmount := valid
	missingAmount.Amount = ""
	missingAmount.AmountWei = ""
	if err := missingAmount.Validate(); err == nil {
		t.Fatal("missing amount accepted")
	}
}
