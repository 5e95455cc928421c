package crypto

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ringforge/hub/internal/core"
)

func TestDerive_Deterministic(t *testing.T) {
	a := Derive("rf_live_abc.secret", "F1")
	b := Derive("rf_live_abc.secret", "F1")
	assert.Equal(t, a.signing, b.signing)
	assert.Equal(t, a.encryption, b.encryption)

	// Different fleet or key produces different material.
	c := Derive("rf_live_abc.secret", "F2")
	assert.NotEqual(t, a.signing, c.signing)
	d := Derive("rf_live_other.secret", "F1")
	assert.NotEqual(t, a.encryption, d.encryption)
}

func TestSignVerify(t *testing.T) {
	k := Derive("rf_live_abc.secret", "F1")
	body := []byte(`{"kind":"info","description":"hi"}`)

	sig := k.Sign(body)
	assert.NotContains(t, sig, "=", "signature must be unpadded base64url")
	require.NoError(t, k.Verify(body, sig))

	// Tampered body fails.
	err := k.Verify([]byte(`{"kind":"info","description":"HI"}`), sig)
	var out *core.Outcome
	require.True(t, errors.As(err, &out))
	assert.Equal(t, core.KindInvalidSignature, out.Kind)

	// Single-bit mutation of the signature fails.
	mutated := []byte(sig)
	mutated[0] ^= 0x01
	assert.Error(t, k.Verify(body, string(mutated)))
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	k := Derive("rf_live_abc.secret", "F1")
	plaintext := []byte("attack at dawn")

	wire, err := k.Encrypt(plaintext)
	require.NoError(t, err)
	assert.Len(t, strings.Split(wire, ":"), 3)

	got, err := k.Decrypt(wire)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)

	// Fresh IV each call.
	wire2, err := k.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, wire, wire2)
}

func TestDecrypt_Mutations(t *testing.T) {
	k := Derive("rf_live_abc.secret", "F1")
	wire, err := k.Encrypt([]byte("payload"))
	require.NoError(t, err)

	parts := strings.Split(wire, ":")
	flip := func(s string) string {
		b := []byte(s)
		if b[0] == 'A' {
			b[0] = 'B'
		} else {
			b[0] = 'A'
		}
		return string(b)
	}

	for i := range parts {
		mutated := make([]string, 3)
		copy(mutated, parts)
		mutated[i] = flip(mutated[i])
		_, err := k.Decrypt(strings.Join(mutated, ":"))
		assert.Error(t, err, "segment %d mutation must fail", i)
	}

	_, err = k.Decrypt("not-three-segments")
	assert.Error(t, err)

	// Wrong key fails authentication.
	other := Derive("rf_live_other.secret", "F1")
	_, err = other.Decrypt(wire)
	var out *core.Outcome
	require.True(t, errors.As(err, &out))
	assert.Equal(t, core.KindDecryptionFailed, out.Kind)
}

func TestSealUnseal_RoundTrip(t *testing.T) {
	k := Derive("rf_live_abc.secret", "F1")
	body := core.Payload{"kind": "info", "description": "hi", "n": 3.0}

	wire, err := k.Seal(body)
	require.NoError(t, err)

	got, err := k.Unseal(wire)
	require.NoError(t, err)
	assert.Equal(t, body, got)

	// Peer derived from the same inputs can unseal (SDK interop).
	peer := Derive("rf_live_abc.secret", "F1")
	got, err = peer.Unseal(wire)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

type staticSource struct {
	key string
	err error
}

func (s staticSource) CanonicalLiveKey(context.Context, string) (string, error) {
	return s.key, s.err
}

func TestService_FleetKeys(t *testing.T) {
	svc := NewService(staticSource{key: "rf_live_abc.secret"})

	k1, err := svc.FleetKeys(context.Background(), "F1")
	require.NoError(t, err)
	k2, err := svc.FleetKeys(context.Background(), "F1")
	require.NoError(t, err)
	assert.Same(t, k1, k2, "second lookup must hit the cache")

	svc.Invalidate("F1")
	k3, err := svc.FleetKeys(context.Background(), "F1")
	require.NoError(t, err)
	assert.NotSame(t, k1, k3)
}

func TestService_NoFleetKeys(t *testing.T) {
	svc := NewService(staticSource{err: errors.New("nope")})
	_, err := svc.FleetKeys(context.Background(), "F1")
	var out *core.Outcome
	require.True(t, errors.As(err, &out))
	assert.Equal(t, core.KindNoFleetKeys, out.Kind)
}
