package hipaa

import (
	"bytes"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func newTestService(t *testing.T) *EncryptionService {
	t.Helper()
	return NewEncryptionService("unit-test-master", zerolog.Nop())
}

func TestNewEncryptionService_DevFallbackWarns(t *testing.T) {
	var buf bytes.Buffer
	svc := NewEncryptionService("", zerolog.New(&buf))
	if svc.master != devMasterSecret {
		t.Error("expected development secret fallback")
	}
	if !strings.Contains(buf.String(), "development master secret") {
		t.Errorf("expected a warning, got %q", buf.String())
	}
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	svc := newTestService(t)

	cases := []struct {
		name  string
		value interface{}
		want  interface{}
	}{
		{"plain text", "patient notes", "patient notes"},
		{"empty string", "", ""},
		{"unicode", "Fraktur des Radius, Schmerzgrad 7", "Fraktur des Radius, Schmerzgrad 7"},
		{"object", map[string]interface{}{"diagnosis": "fracture", "code": "S52.5"},
			map[string]interface{}{"diagnosis": "fracture", "code": "S52.5"}},
		{"array", []interface{}{"a", float64(1)}, []interface{}{"a", float64(1)}},
		{"struct", struct {
			Name string `json:"name"`
		}{"x"}, map[string]interface{}{"name": "x"}},
		{"raw json", json.RawMessage(`{"k":[1,2]}`), map[string]interface{}{"k": []interface{}{float64(1), float64(2)}}},
		// Decrypt returns scalars as their text instead of parsing them;
		// record payloads never take this path because uploads only accept
		// objects and arrays.
		{"number comes back as text", 42, "42"},
		{"bool comes back as text", true, "true"},
		{"quoted string comes back as text", json.RawMessage(`"BP 120/80"`), `"BP 120/80"`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			blob, err := svc.Encrypt(tc.value, "Patient-9")
			if err != nil {
				t.Fatalf("encrypt: %v", err)
			}
			got, err := svc.Decrypt(blob, "patient-9")
			if err != nil {
				t.Fatalf("decrypt: %v", err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("got %#v, want %#v", got, tc.want)
			}
		})
	}
}

func TestDecrypt_WrongSubject(t *testing.T) {
	svc := newTestService(t)
	value := map[string]interface{}{"diagnosis": "fracture", "notes": "cast for six weeks"}

	for i := 0; i < 20; i++ {
		blob, err := svc.Encrypt(value, "subject-a")
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}

		got, err := svc.Decrypt(blob, "subject-b")
		if err == nil && reflect.DeepEqual(got, value) {
			t.Fatal("decryption under another subject returned the original value")
		}

		if _, err := svc.DecryptStructured(blob, "subject-b"); err == nil {
			t.Fatal("expected DecryptStructured to fail under another subject")
		}
	}
}

func TestDecryptStructured(t *testing.T) {
	svc := newTestService(t)

	blob, _ := svc.Encrypt(map[string]string{"diagnosis": "fracture"}, "p1")
	raw, err := svc.DecryptStructured(blob, "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(raw) != `{"diagnosis":"fracture"}` {
		t.Errorf("unexpected document %s", raw)
	}

	var out struct {
		Diagnosis string `json:"diagnosis"`
	}
	if err := svc.DecryptInto(blob, "p1", &out); err != nil || out.Diagnosis != "fracture" {
		t.Errorf("DecryptInto: %v %+v", err, out)
	}

	text, _ := svc.Encrypt("just text", "p1")
	if _, err := svc.DecryptStructured(text, "p1"); !errors.Is(err, ErrNotStructured) {
		t.Errorf("expected ErrNotStructured for text payload, got %v", err)
	}
}

func TestEncryptionService_EmptySubject(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.Encrypt("x", "  "); !errors.Is(err, ErrEmptySubject) {
		t.Errorf("expected ErrEmptySubject, got %v", err)
	}
	if _, err := svc.Decrypt(EncryptedBlob{}, ""); !errors.Is(err, ErrEmptySubject) {
		t.Errorf("expected ErrEmptySubject, got %v", err)
	}
}

func TestEncryptedBlob_JSONShape(t *testing.T) {
	svc := newTestService(t)
	blob, _ := svc.Encrypt("x", "p1")
	b, _ := json.Marshal(blob)

	var m map[string]string
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["iv"] == "" || m["ciphertext"] == "" || len(m) != 2 {
		t.Errorf("unexpected JSON shape %s", b)
	}
}
