package util

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/makkenzo/keygate/internal/domain/apikey"
)

var keyEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

func generateRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// GenerateLicenseKey returns a fresh key id: 128 bits of randomness rendered
// as a 26-character uppercase alphanumeric string. Not derivable from any
// prior key or email.
func GenerateLicenseKey() (string, error) {
	b, err := generateRandomBytes(16)
	if err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return keyEncoding.EncodeToString(b), nil
}

func generateRandomString(length int) (string, error) {
	byteLength := (length*3 + 3) / 4
	b, err := generateRandomBytes(byteLength)
	if err != nil {
		return "", err
	}

	str := base64.URLEncoding.EncodeToString(b)
	str = strings.ReplaceAll(str, "-", "")
	str = strings.ReplaceAll(str, "_", "")
	if len(str) > length {
		return str[:length], nil
	}

	return str, nil
}

func GenerateAPIKey() (fullKey string, prefix string, keyHash string, err error) {
	prefix, err = generateRandomString(apikey.APIKeyPrefixLength)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to generate prefix: %w", err)
	}

	secret, err := generateRandomString(apikey.APIKeySecretLength)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to generate secret: %w", err)
	}

	fullKey = fmt.Sprintf(apikey.APIKeyFormat, prefix, secret)

	hashBytes := sha256.Sum256([]byte(fullKey))
	keyHash = fmt.Sprintf("%x", hashBytes)

	return fullKey, prefix, keyHash, nil
}

func HashAPIKey(fullKey string) string {
	hashBytes := sha256.Sum256([]byte(fullKey))
	return fmt.Sprintf("%x", hashBytes)
}
