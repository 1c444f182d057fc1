package override

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"mercator-hq/prgate/pkg/canonical"
)

// Payload is the statement an actor signs when attesting to an override.
// It binds the signature to one verdict on one revision.
type Payload struct {
	DecisionID     string `json:"decision_id"`
	EvaluationHash string `json:"evaluation_hash"`
	TargetSHA      string `json:"target_sha"`
	ActorID        string `json:"actor_id"`
	Justification  string `json:"justification"`
}

// Digest returns the SHA-256 of the canonical payload.
func (p Payload) Digest() ([]byte, error) {
	return canonical.SumBytes(p)
}

// Sign produces a base64 attestation of p with key.
func Sign(key ed25519.PrivateKey, p Payload) (string, error) {
	digest, err := p.Digest()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(key, digest)), nil
}

// KeyRing maps actor ids to their public keys.
type KeyRing struct {
	keys map[string]ed25519.PublicKey
}

// NewKeyRing creates a key ring from keys.
func NewKeyRing(keys map[string]ed25519.PublicKey) *KeyRing {
	k := &KeyRing{keys: make(map[string]ed25519.PublicKey, len(keys))}
	for id, pub := range keys {
		k.keys[id] = pub
	}
	return k
}

// Has reports whether actorID has a registered key.
func (k *KeyRing) Has(actorID string) bool {
	if k == nil {
		return false
	}
	_, ok := k.keys[actorID]
	return ok
}

// Verify checks a base64 attestation of p by p.ActorID.
func (k *KeyRing) Verify(p Payload, attestation string) error {
	pub, ok := k.keys[p.ActorID]
	if !ok {
		return fmt.Errorf("no public key registered for actor %q", p.ActorID)
	}
	sig, err := base64.StdEncoding.DecodeString(attestation)
	if err != nil {
		return fmt.Errorf("decode attestation: %w", err)
	}
	digest, err := p.Digest()
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, digest, sig) {
		return fmt.Errorf("attestation does not verify for actor %q", p.ActorID)
	}
	return nil
}

type keyRingFile struct {
	Actors map[string]string `yaml:"actors"`
}

// LoadKeyRing reads a YAML file of the form
//
//	actors:
//	  alice: "base64:..."
//	  bob: "hex:..."
//
// Keys without a prefix are tried as hex, then base64.
func LoadKeyRing(path string) (*KeyRing, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key ring: %w", err)
	}

	var f keyRingFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse key ring %s: %w", path, err)
	}

	keys := make(map[string]ed25519.PublicKey, len(f.Actors))
	for actor, encoded := range f.Actors {
		raw, err := decodeKey(encoded)
		if err != nil {
			return nil, fmt.Errorf("actor %q: %w", actor, err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("actor %q: unsupported public key length %d", actor, len(raw))
		}
		keys[actor] = ed25519.PublicKey(raw)
	}
	return NewKeyRing(keys), nil
}

// EncodePublicKey renders pub in the key ring file format.
func EncodePublicKey(pub ed25519.PublicKey) string {
	return "base64:" + base64.StdEncoding.EncodeToString(pub)
}

func decodeKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return nil, fmt.Errorf("empty key")
	case strings.HasPrefix(s, "base64:"):
		return base64.StdEncoding.DecodeString(strings.TrimPrefix(s, "base64:"))
	case strings.HasPrefix(s, "hex:"):
		return hex.DecodeString(strings.TrimPrefix(s, "hex:"))
	}
	if out, err := hex.DecodeString(s); err == nil {
		return out, nil
	}
	if out, err := base64.StdEncoding.DecodeString(s); err == nil {
		return out, nil
	}
	return nil, fmt.Errorf("unrecognized key encoding")
}
