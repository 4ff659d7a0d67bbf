package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"

	"github.com/smallbiznis/railzway-integrations/internal/domain/integration"
)

const (
	nonceSize = 16
	tagSize   = 16
	keySize   = 32

	// CurrentKeyVersion tags new ciphertexts. Decrypt selects the historical
	// key matching the payload's version, so rotation is a keyring change.
	CurrentKeyVersion = 1
)

// hkdfInfo binds derived keys to this use so the same passphrase yields a
// different key elsewhere.
const hkdfInfo = "railzway-integrations/credential-vault/v1"

// Vault performs envelope encryption of provider credential payloads with
// AES-256-GCM. The keyring is read-only after construction.
type Vault struct {
	keys    map[int][]byte
	current int
	logger  *zap.Logger
}

// New builds a vault from a version→key map. Every key must be 32 bytes and
// the current version must be present.
func New(keys map[int][]byte, current int, logger *zap.Logger) (*Vault, error) {
	if len(keys) == 0 {
		return nil, integration.ErrNoKeyMaterial
	}
	for version, key := range keys {
		if len(key) != keySize {
			return nil, fmt.Errorf("vault: key version %d is %d bytes, want %d", version, len(key), keySize)
		}
	}
	if _, ok := keys[current]; !ok {
		return nil, fmt.Errorf("vault: current key version %d missing from keyring", current)
	}
	ring := make(map[int][]byte, len(keys))
	for version, key := range keys {
		ring[version] = append([]byte(nil), key...)
	}
	return &Vault{keys: ring, current: current, logger: logger}, nil
}

// KeyFromMaterial turns sourced key material into a 32-byte key. 64-char hex
// decodes directly; anything else is stretched through HKDF-SHA256.
func KeyFromMaterial(material string) ([]byte, error) {
	if material == "" {
		return nil, integration.ErrNoKeyMaterial
	}
	if len(material) == hex.EncodedLen(keySize) {
		if key, err := hex.DecodeString(material); err == nil {
			return key, nil
		}
	}
	key := make([]byte, keySize)
	reader := hkdf.New(sha256.New, []byte(material), nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// Encrypt seals an opaque credential object under the current key with a
// fresh random nonce.
func (v *Vault) Encrypt(ctx context.Context, payload map[string]any) (*integration.EncryptedPayload, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	aead, err := v.aead(v.current)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)
	ciphertext, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return &integration.EncryptedPayload{
		Ciphertext:  base64.StdEncoding.EncodeToString(ciphertext),
		IV:          base64.StdEncoding.EncodeToString(nonce),
		AuthTag:     base64.StdEncoding.EncodeToString(tag),
		KeyVersion:  v.current,
		EncryptedAt: time.Now().UTC(),
	}, nil
}

// Decrypt opens a payload with the key matching its version. Tag verification
// failure is fatal for the record and surfaces as ErrIntegrity.
func (v *Vault) Decrypt(ctx context.Context, payload *integration.EncryptedPayload) (map[string]any, error) {
	if payload == nil {
		return nil, fmt.Errorf("vault: nil payload")
	}
	aead, err := v.aead(payload.KeyVersion)
	if err != nil {
		return nil, err
	}

	ciphertext, err := base64.StdEncoding.DecodeString(payload.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(payload.IV)
	if err != nil {
		return nil, fmt.Errorf("decode iv: %w", err)
	}
	tag, err := base64.StdEncoding.DecodeString(payload.AuthTag)
	if err != nil {
		return nil, fmt.Errorf("decode auth tag: %w", err)
	}
	if len(nonce) != nonceSize {
		return nil, fmt.Errorf("vault: iv is %d bytes, want %d", len(nonce), nonceSize)
	}

	plaintext, err := aead.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return nil, integration.ErrIntegrity
	}

	var out map[string]any
	if err := json.Unmarshal(plaintext, &out); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return out, nil
}

// Mask renders credential fields for display. Strings longer than 8
// characters keep their first and last four; everything else collapses to
// "****". Display only, never security-relevant.
func (v *Vault) Mask(payload map[string]any) map[string]string {
	masked := make(map[string]string, len(payload))
	for field, value := range payload {
		str, ok := value.(string)
		if !ok {
			str = fmt.Sprint(value)
		}
		masked[field] = maskValue(str)
	}
	return masked
}

func maskValue(s string) string {
	if len(s) > 8 {
		return s[:4] + "****" + s[len(s)-4:]
	}
	return "****"
}

func (v *Vault) aead(version int) (cipher.AEAD, error) {
	key, ok := v.keys[version]
	if !ok {
		return nil, fmt.Errorf("key version %d: %w", version, integration.ErrUnknownKeyVersion)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return aead, nil
}
