package directory

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Key format: rf_<type>_<key_id>.<secret>. The key id is public and used for
// lookup; only the secret is sensitive.
func mintKey(keyType string) (keyID, secret, fullKey string) {
	idBytes := make([]byte, 8)
	rand.Read(idBytes)
	keyID = hex.EncodeToString(idBytes)

	secretBytes := make([]byte, 24)
	rand.Read(secretBytes)
	secret = hex.EncodeToString(secretBytes)

	prefix := liveKeyPrefix
	if keyType == KeyTypeAdmin {
		prefix = adminKeyPrefix
	}
	return keyID, secret, fmt.Sprintf("%s%s.%s", prefix, keyID, secret)
}

// parseKey splits a raw bearer key into (type, keyID, secret).
func parseKey(rawKey string) (keyType, keyID, secret string, err error) {
	var rest string
	switch {
	case strings.HasPrefix(rawKey, adminKeyPrefix):
		keyType, rest = KeyTypeAdmin, strings.TrimPrefix(rawKey, adminKeyPrefix)
	case strings.HasPrefix(rawKey, liveKeyPrefix):
		keyType, rest = KeyTypeLive, strings.TrimPrefix(rawKey, liveKeyPrefix)
	default:
		return "", "", "", ErrInvalidKey
	}
	parts := strings.SplitN(rest, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", ErrInvalidKey
	}
	return keyType, parts[0], parts[1], nil
}

// newAPIKey builds the stored record plus the one-time full key string.
func newAPIKey(fleetID, keyType string) (*APIKey, string, error) {
	keyID, secret, full := mintKey(keyType)
	key := &APIKey{ID: keyID, FleetID: fleetID, Type: keyType}

	if keyType == KeyTypeAdmin {
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return nil, "", err
		}
		key.SecretHash = string(hash)
	} else {
		// Live keys keep the raw secret: fleet message keys are derived
		// from the full key string on both the hub and the agent SDK.
		key.RawSecret = secret
	}
	return key, full, nil
}

// checkSecret validates the presented secret against the stored record.
func checkSecret(key *APIKey, secret string) error {
	if key.Revoked {
		return ErrKeyRevoked
	}
	if key.Type == KeyTypeAdmin {
		if bcrypt.CompareHashAndPassword([]byte(key.SecretHash), []byte(secret)) != nil {
			return ErrInvalidKey
		}
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(key.RawSecret), []byte(secret)) != 1 {
		return ErrInvalidKey
	}
	return nil
}

// RawKey reconstructs the full bearer form of a live key. Used when deriving
// fleet message keys hub-side.
func (k *APIKey) RawKey() string {
	prefix := liveKeyPrefix
	if k.Type == KeyTypeAdmin {
		prefix = adminKeyPrefix
	}
	return fmt.Sprintf("%s%s.%s", prefix, k.ID, k.RawSecret)
}
