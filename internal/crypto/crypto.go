// Package crypto implements the per-fleet message cryptography: key
// derivation from the fleet's live API key, HMAC-SHA256 signing, and
// AES-256-GCM encryption. Any hub node and the agent SDK derive identical
// keys from the same inputs, so sealed messages interoperate without key
// exchange.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ringforge/hub/internal/core"
)

// Domain-separation labels for the derivation chain.
const (
	fleetSecretLabel = "ringforge:fleet:"
	signingLabel     = "ringforge:sign"
	encryptionLabel  = "ringforge:encrypt"

	// associatedData binds ciphertexts to the message channel.
	associatedData = "ringforge-msg"

	ivSize  = 12
	tagSize = 16
)

var b64 = base64.RawURLEncoding

// Keys holds a fleet's derived signing and encryption keys.
type Keys struct {
	FleetID    string
	signing    []byte
	encryption []byte
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// Derive computes the fleet's keys deterministically from the raw live API
// key and the fleet id:
//
//	fleet_secret   = HMAC-SHA256(api_key, "ringforge:fleet:" || fleet_id)
//	signing_key    = HMAC-SHA256(fleet_secret, "ringforge:sign")
//	encryption_key = HMAC-SHA256(fleet_secret, "ringforge:encrypt")
func Derive(apiKey, fleetID string) *Keys {
	fleetSecret := hmacSHA256([]byte(apiKey), []byte(fleetSecretLabel+fleetID))
	return &Keys{
		FleetID:    fleetID,
		signing:    hmacSHA256(fleetSecret, []byte(signingLabel)),
		encryption: hmacSHA256(fleetSecret, []byte(encryptionLabel)),
	}
}

// Sign returns base64url(HMAC-SHA256(signing_key, body)) without padding.
func (k *Keys) Sign(body []byte) string {
	return b64.EncodeToString(hmacSHA256(k.signing, body))
}

// Verify checks a signature in constant time.
func (k *Keys) Verify(body []byte, sig string) error {
	want, err := b64.DecodeString(sig)
	if err != nil {
		return &core.Outcome{Kind: core.KindInvalidSignature, Reason: "malformed signature encoding"}
	}
	if !hmac.Equal(hmacSHA256(k.signing, body), want) {
		return &core.Outcome{Kind: core.KindInvalidSignature, Reason: "signature mismatch"}
	}
	return nil
}

// Encrypt seals plaintext with AES-256-GCM under a fresh 12-byte IV. The
// wire form is three base64url-unpadded segments joined by ':' — iv:ct:tag.
func (k *Keys) Encrypt(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(k.encryption)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nil, iv, plaintext, []byte(associatedData))
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return fmt.Sprintf("%s:%s:%s",
		b64.EncodeToString(iv), b64.EncodeToString(ct), b64.EncodeToString(tag)), nil
}

// Decrypt opens an iv:ct:tag wire string.
func (k *Keys) Decrypt(wire string) ([]byte, error) {
	parts := strings.Split(wire, ":")
	if len(parts) != 3 {
		return nil, &core.Outcome{Kind: core.KindDecryptionFailed, Reason: "expected iv:ct:tag"}
	}
	iv, err1 := b64.DecodeString(parts[0])
	ct, err2 := b64.DecodeString(parts[1])
	tag, err3 := b64.DecodeString(parts[2])
	if err1 != nil || err2 != nil || err3 != nil || len(iv) != ivSize || len(tag) != tagSize {
		return nil, &core.Outcome{Kind: core.KindDecryptionFailed, Reason: "malformed segment encoding"}
	}

	block, err := aes.NewCipher(k.encryption)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, iv, append(ct, tag...), []byte(associatedData))
	if err != nil {
		return nil, &core.Outcome{Kind: core.KindDecryptionFailed, Reason: "authentication failed"}
	}
	return plaintext, nil
}

// sealedBody is the sign-then-encrypt package.
type sealedBody struct {
	Body core.Payload `json:"body"`
	Sig  string       `json:"sig"`
}

// Seal signs the body's canonical JSON, packages {body, sig}, and encrypts.
// Canonical form is encoding/json map marshaling (keys sorted), which both
// sides of the SDK produce identically.
func (k *Keys) Seal(body core.Payload) (string, error) {
	canonical, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal body: %w", err)
	}
	pkg, err := json.Marshal(sealedBody{Body: body, Sig: k.Sign(canonical)})
	if err != nil {
		return "", fmt.Errorf("marshal sealed package: %w", err)
	}
	return k.Encrypt(pkg)
}

// Unseal decrypts, verifies the inner signature, and returns the body.
func (k *Keys) Unseal(wire string) (core.Payload, error) {
	plaintext, err := k.Decrypt(wire)
	if err != nil {
		return nil, err
	}
	var pkg sealedBody
	if err := json.Unmarshal(plaintext, &pkg); err != nil {
		return nil, &core.Outcome{Kind: core.KindDecryptionFailed, Reason: "malformed sealed package"}
	}
	canonical, err := json.Marshal(pkg.Body)
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}
	if err := k.Verify(canonical, pkg.Sig); err != nil {
		return nil, err
	}
	return pkg.Body, nil
}
