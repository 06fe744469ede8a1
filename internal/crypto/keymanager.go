// Package crypto resolves trader signing keys and produces the signatures
// and HMAC headers the guarantee service expects on its requests.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 480_000
	saltLen          = 16
	aesKeyLen        = 32
	keyFileVersion   = 1
)

// keyFile is the on-disk format of an encrypted trader key. All byte fields
// are base64 standard encoding.
type keyFile struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// KeySource says where a trader's secp256k1 key comes from. The first
// populated field wins: RawHex, then EnvVar, then EncryptedPath.
type KeySource struct {
	// RawHex is the key itself, with or without 0x.
	RawHex string
	// EnvVar names an environment variable holding the hex key.
	EnvVar string
	// EncryptedPath is a file written by EncryptKey.
	EncryptedPath string
	// Password decrypts EncryptedPath.
	Password string
}

// Ref is a printable, secret-free reference to the source. It is what
// travels in guarantee requests as the signing key reference.
func (s KeySource) Ref() string {
	switch {
	case s.RawHex != "":
		return "inline"
	case s.EnvVar != "":
		return "env:" + s.EnvVar
	case s.EncryptedPath != "":
		return "file:" + s.EncryptedPath
	}
	return ""
}

// EncryptKey seals a hex private key with a password (PBKDF2-HMAC-SHA256
// then AES-256-GCM) and returns the JSON key file.
func EncryptKey(privateKeyHex, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: encrypt key: empty password")
	}
	raw, err := decodeKeyHex(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto: encrypt key: %w", err)
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: encrypt key: salt: %w", err)
	}
	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, fmt.Errorf("crypto: encrypt key: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: encrypt key: nonce: %w", err)
	}

	return json.MarshalIndent(keyFile{
		Version:    keyFileVersion,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, raw, nil)),
	}, "", "  ")
}

// DecryptKey opens a key file produced by EncryptKey and returns the key as
// hex without the 0x prefix.
func DecryptKey(data []byte, password string) (string, error) {
	if password == "" {
		return "", errors.New("crypto: decrypt key: empty password")
	}
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return "", fmt.Errorf("crypto: decrypt key: parse: %w", err)
	}
	if kf.Version != keyFileVersion {
		return "", fmt.Errorf("crypto: decrypt key: unsupported version %d", kf.Version)
	}

	var salt, nonce, ct []byte
	for _, f := range []struct {
		name string
		in   string
		out  *[]byte
	}{
		{"salt", kf.Salt, &salt},
		{"nonce", kf.Nonce, &nonce},
		{"ciphertext", kf.Ciphertext, &ct},
	} {
		b, err := base64.StdEncoding.DecodeString(f.in)
		if err != nil {
			return "", fmt.Errorf("crypto: decrypt key: %s: %w", f.name, err)
		}
		*f.out = b
	}

	gcm, err := newGCM(password, salt)
	if err != nil {
		return "", fmt.Errorf("crypto: decrypt key: %w", err)
	}
	plain, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("crypto: decrypt key: wrong password or corrupt file: %w", err)
	}
	return hex.EncodeToString(plain), nil
}

// LoadKey resolves the hex private key described by src.
func LoadKey(src KeySource) (string, error) {
	switch {
	case src.RawHex != "":
		return normalizeKey(src.RawHex)
	case src.EnvVar != "":
		v := os.Getenv(src.EnvVar)
		if v == "" {
			return "", fmt.Errorf("crypto: load key: %s is empty", src.EnvVar)
		}
		return normalizeKey(v)
	case src.EncryptedPath != "":
		data, err := os.ReadFile(src.EncryptedPath)
		if err != nil {
			return "", fmt.Errorf("crypto: load key: %w", err)
		}
		return DecryptKey(data, src.Password)
	}
	return "", errors.New("crypto: load key: no key source configured")
}

func normalizeKey(s string) (string, error) {
	raw, err := decodeKeyHex(s)
	if err != nil {
		return "", fmt.Errorf("crypto: load key: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

func decodeKeyHex(s string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid key hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("expected 32-byte key, got %d bytes", len(raw))
	}
	return raw, nil
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New))
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
