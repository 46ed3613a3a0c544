package state

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"

	uerrors "github.com/alexjbarnes/uspacy-notify/internal/errors"
)

const (
	// scrypt cost parameters: N=2^15 with r=8 keeps derivation around
	// 100ms on commodity hardware, slow enough to blunt offline guessing
	// of the account password. The 32-byte key feeds HKDF below.
	scryptN      = 32768
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32

	// hkdfKeyLen is the length of the AES-256-GCM subkey drawn from HKDF.
	hkdfKeyLen = 32

	// sealVersion is the current sealed payload layout version.
	sealVersion = 1

	// sealSaltLen is the per-seal scrypt salt length in bytes.
	sealSaltLen = 16
)

// sealInfo binds the HKDF subkey to this purpose, so the derived key is
// useless for anything but token seals even if the password is reused.
var sealInfo = []byte("UspacyTokenSeal")

// TokenBlob is the payload sealed into the store: the session tokens
// and their expiry.
type TokenBlob struct {
	Access  string    `json:"access"`
	Refresh string    `json:"refresh"`
	Expiry  time.Time `json:"expiry"`
}

// Seal encrypts the token blob with a key derived from the account
// password, so tokens at rest are unreadable without it.
// Layout: [1-byte version][16-byte salt][12-byte nonce][ciphertext+tag].
func Seal(blob TokenBlob, password string) ([]byte, error) {
	plaintext, err := json.Marshal(blob)
	if err != nil {
		return nil, fmt.Errorf("encoding token blob: %w", err)
	}

	salt := make([]byte, sealSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating seal salt: %w", err)
	}

	gcm, err := sealCipher(password, salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating seal nonce: %w", err)
	}

	out := make([]byte, 0, 1+len(salt)+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, sealVersion)
	out = append(out, salt...)
	out = append(out, nonce...)

	return gcm.Seal(out, nonce, plaintext, nil), nil
}

// Unseal decrypts a sealed token blob. Truncated or unversioned
// payloads return ErrSealFormat; a wrong password or tampered payload
// fails GCM authentication.
func Unseal(sealed []byte, password string) (TokenBlob, error) {
	if len(sealed) < 1+sealSaltLen {
		return TokenBlob{}, fmt.Errorf("unsealing token: %w: %d bytes", uerrors.ErrSealFormat, len(sealed))
	}

	if sealed[0] != sealVersion {
		return TokenBlob{}, fmt.Errorf("unsealing token: %w: unknown version %d", uerrors.ErrSealFormat, sealed[0])
	}

	salt := sealed[1 : 1+sealSaltLen]

	gcm, err := sealCipher(password, salt)
	if err != nil {
		return TokenBlob{}, err
	}

	rest := sealed[1+sealSaltLen:]
	if len(rest) < gcm.NonceSize() {
		return TokenBlob{}, fmt.Errorf("unsealing token: %w: truncated nonce", uerrors.ErrSealFormat)
	}

	plaintext, err := gcm.Open(nil, rest[:gcm.NonceSize()], rest[gcm.NonceSize():], nil)
	if err != nil {
		return TokenBlob{}, fmt.Errorf("unsealing token: %w", err)
	}

	var blob TokenBlob
	if err := json.Unmarshal(plaintext, &blob); err != nil {
		return TokenBlob{}, fmt.Errorf("decoding token blob: %w", err)
	}

	return blob, nil
}

// sealCipher builds the AES-256-GCM instance for one seal: scrypt over
// the NFKC-normalized password with the per-seal salt, then an
// HKDF-SHA256 subkey bound to sealInfo. NFKC keeps the same passphrase
// typed on different platforms deriving the same key.
func sealCipher(password string, salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(norm.NFKC.String(password)), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving seal key: %w", err)
	}

	subkey := make([]byte, hkdfKeyLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, nil, sealInfo), subkey); err != nil {
		return nil, fmt.Errorf("deriving seal subkey: %w", err)
	}

	block, err := aes.NewCipher(subkey)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	// The cipher keeps its own key schedule; drop the raw material.
	zeroKey(key)
	zeroKey(subkey)

	return gcm, nil
}

// zeroKey overwrites key material once it is no longer needed.
func zeroKey(key []byte) {
	for i := range key {
		key[i] = 0
	}
}
