// Package wallet loads the keypair that signs gateway submissions.
package wallet

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Keypair is an ed25519 signing key. Files use the 64-entry JSON byte array
// layout written by common ledger CLIs: 32 seed bytes then 32 public bytes.
type Keypair struct {
	priv ed25519.PrivateKey
}

func Load(path string) (*Keypair, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw []int
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("wallet %s: %w", path, err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("wallet %s: want %d bytes, got %d", path, ed25519.PrivateKeySize, len(raw))
	}
	key := make([]byte, len(raw))
	for i, v := range raw {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("wallet %s: byte %d out of range", path, i)
		}
		key[i] = byte(v)
	}
	priv := ed25519.NewKeyFromSeed(key[:ed25519.SeedSize])
	if !priv.Public().(ed25519.PublicKey).Equal(ed25519.PublicKey(key[ed25519.SeedSize:])) {
		return nil, fmt.Errorf("wallet %s: public key does not match seed", path)
	}
	return &Keypair{priv: priv}, nil
}

// Generate creates a fresh keypair and writes it to path.
func Generate(path string) (*Keypair, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	raw := make([]int, len(priv))
	for i, v := range priv {
		raw[i] = int(v)
	}
	b, _ := json.Marshal(raw)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return nil, err
	}
	return &Keypair{priv: priv}, nil
}

// PublicKey is the hex-encoded public key.
func (k *Keypair) PublicKey() string {
	return hex.EncodeToString(k.priv.Public().(ed25519.PublicKey))
}

// Sign returns the hex-encoded signature of msg.
func (k *Keypair) Sign(msg []byte) string {
	return hex.EncodeToString(ed25519.Sign(k.priv, msg))
}

// Verify checks a hex signature produced by Sign against a hex public key.
func Verify(publicKey string, msg []byte, signature string) bool {
	pub, err := hex.DecodeString(publicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}
