package wallet

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGenerateLoadSignVerify(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "id.json")
	k, err := Generate(path)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.PublicKey() != k.PublicKey() {
		t.Fatalf("public key changed across load")
	}
	msg := []byte(`{"req_id":"r1"}`)
	sig := loaded.Sign(msg)
	if !Verify(k.PublicKey(), msg, sig) {
		t.Fatalf("signature did not verify")
	}
	if Verify(k.PublicKey(), []byte("other"), sig) {
		t.Fatalf("signature verified for a different message")
	}
	if Verify("zz", msg, sig) {
		t.Fatalf("bad public key accepted")
	}
}

func TestLoadRejectsMalformedFiles(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"short.json": `[1,2,3]`,
		"text.json":  `"not an array"`,
		"range.json": `[` + repeat("300,", 63) + `1]`,
	}
	for name, body := range cases {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
		if _, err := Load(p); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}
