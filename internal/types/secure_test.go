package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
)

const testSecret = "whsec_c2VjcmV0LWtleQ=="

func TestSecretString_String(t *testing.T) {
	s := SecretString(testSecret)
	if s.String() != redactedPlaceholder {
		t.Errorf("String() = %q, want %q", s.String(), redactedPlaceholder)
	}
}

func TestSecretString_FmtVerbs(t *testing.T) {
	s := SecretString(testSecret)
	for _, verb := range []string{"%s", "%v", "%+v", "%#v"} {
		out := fmt.Sprintf(verb, s)
		if strings.Contains(out, testSecret) {
			t.Errorf("fmt.Sprintf(%q) leaked the raw secret: %s", verb, out)
		}
	}
}

func TestSecretString_MarshalJSON_InStruct(t *testing.T) {
	cfg := struct {
		Name   string       `json:"name"`
		Secret SecretString `json:"secret"`
	}{Name: "resend", Secret: SecretString(testSecret)}

	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("json.Marshal() error: %v", err)
	}
	if strings.Contains(string(data), testSecret) {
		t.Errorf("JSON output leaked the raw secret: %s", data)
	}
	if !strings.Contains(string(data), redactedPlaceholder) {
		t.Errorf("JSON output missing placeholder: %s", data)
	}
}

func TestSecretString_Unmask(t *testing.T) {
	if got := SecretString(testSecret).Unmask(); got != testSecret {
		t.Errorf("Unmask() = %q, want %q", got, testSecret)
	}
}

func TestSecretString_Masked(t *testing.T) {
	if got := SecretString("").Masked(); got != "" {
		t.Errorf("empty Masked() = %q", got)
	}
	if got := SecretString("x").Masked(); got != MaskedSecret {
		t.Errorf("Masked() = %q, want %q", got, MaskedSecret)
	}
}
