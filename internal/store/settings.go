package store

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// encryptionPrefix marks a settings value as AES-256-GCM ciphertext rather
// than plaintext, letting GetSetting transparently read settings written
// before encryption was required.
const encryptionPrefix = "enc:v1:"
const ivLength = 12

// GetSetting returns the decrypted value for key, and whether it exists.
// Plaintext values pass through unchanged; values prefixed with
// encryptionPrefix are decrypted against DATABASE_KEY.
func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	raw, ok := s.settings[key]
	s.mu.RUnlock()
	if !ok {
		return "", false, nil
	}
	value, err := decryptValue(raw, s.databaseKey)
	if err != nil {
		return "", false, fmt.Errorf("store: decrypt setting %q: %w", key, err)
	}
	return value, true, nil
}

// GetAllSettings returns every setting, decrypted, keyed by setting_key.
func (s *Store) GetAllSettings(ctx context.Context) (map[string]string, error) {
	s.mu.RLock()
	raw := make(map[string]string, len(s.settings))
	for k, v := range s.settings {
		raw[k] = v
	}
	s.mu.RUnlock()

	out := make(map[string]string, len(raw))
	for key, value := range raw {
		decrypted, err := decryptValue(value, s.databaseKey)
		if err != nil {
			return nil, fmt.Errorf("store: decrypt setting %q: %w", key, err)
		}
		out[key] = decrypted
	}
	return out, nil
}

// SetSetting stores value under key, encrypting it first when encrypt is
// true. Secrets (API keys, database credentials) should always be written
// with encrypt=true; tunable numeric knobs do not need to be.
func (s *Store) SetSetting(ctx context.Context, key, value string, encrypt bool) error {
	stored := value
	if encrypt {
		ciphertext, err := encryptValue(value, s.databaseKey)
		if err != nil {
			return fmt.Errorf("store: encrypt setting %q: %w", key, err)
		}
		stored = ciphertext
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = stored
	return s.saveJSON(settingsFile, s.settings)
}

// decryptValue returns value unchanged when it is not an encryptionPrefix
// payload, otherwise decrypts it. Mirrors the reference's
// decrypt_database_value: plaintext passes through so a deployment can
// migrate secrets to encrypted storage gradually.
func decryptValue(value, databaseKey string) (string, error) {
	if value == "" || !strings.HasPrefix(value, encryptionPrefix) {
		return value, nil
	}

	key, err := loadDatabaseKey(databaseKey)
	if err != nil {
		return "", err
	}

	payload := strings.TrimPrefix(value, encryptionPrefix)
	parts := strings.Split(payload, ":")
	if len(parts) != 3 {
		return "", fmt.Errorf("encrypted value has an invalid format")
	}

	iv, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("encrypted value payload is invalid")
	}
	data, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("encrypted value payload is invalid")
	}
	tag, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("encrypted value payload is invalid")
	}
	if len(iv) != ivLength || len(tag) == 0 {
		return "", fmt.Errorf("encrypted value payload is invalid")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to initialize cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to initialize cipher")
	}

	ciphertext := append(append([]byte{}, data...), tag...)
	plaintext, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt encrypted value")
	}
	return string(plaintext), nil
}

// encryptValue seals plaintext under a fresh random IV, producing the
// enc:v1:{iv_b64}:{ct_b64}:{tag_b64} payload decryptValue expects.
func encryptValue(plaintext, databaseKey string) (string, error) {
	key, err := loadDatabaseKey(databaseKey)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to initialize cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to initialize cipher")
	}

	iv := make([]byte, ivLength)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("failed to generate iv: %w", err)
	}

	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	ciphertext := sealed[:len(sealed)-gcm.Overhead()]
	tag := sealed[len(sealed)-gcm.Overhead():]

	return encryptionPrefix +
		base64.StdEncoding.EncodeToString(iv) + ":" +
		base64.StdEncoding.EncodeToString(ciphertext) + ":" +
		base64.StdEncoding.EncodeToString(tag), nil
}

// loadDatabaseKey accepts DATABASE_KEY as either 64 hex characters or
// standard base64, both decoding to exactly 32 bytes, mirroring the
// reference's load_database_key.
func loadDatabaseKey(raw string) ([]byte, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("DATABASE_KEY is required to encrypt and decrypt secrets; generate one with \"openssl rand -hex 32\"")
	}

	if len(trimmed) == 64 && isHex(trimmed) {
		decoded, err := hex.DecodeString(trimmed)
		if err != nil || len(decoded) != 32 {
			return nil, invalidDatabaseKeyError(len(decoded))
		}
		return decoded, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil || len(decoded) != 32 {
		return nil, invalidDatabaseKeyError(len(decoded))
	}
	return decoded, nil
}

func invalidDatabaseKeyError(length int) error {
	return fmt.Errorf("DATABASE_KEY must decode to 32 bytes (got %d); generate one with \"openssl rand -hex 32\"", length)
}

func isHex(s string) bool {
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')) {
			return false
		}
	}
	return true
}
