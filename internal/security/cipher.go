package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// encryptedPrefix は暗号文のバージョン接頭辞。鍵の導出方法を変えたら上げる。
const encryptedPrefix = "v1:"

// hkdfInfo はVAULT_KEYからOAuth認証情報用のデータ鍵を導出する際のコンテキスト。
const hkdfInfo = "kairo/oauth-credentials/v1"

var (
	// ErrInvalidCiphertext は暗号文の形式が不正な場合のエラー。
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	// ErrDecryptionFailed は認証タグの検証に失敗した場合のエラー。
	ErrDecryptionFailed = errors.New("decryption failed")
)

// Cipher はAES-256-GCMによる文字列の暗号化・復号を行う。
// 並行利用可能。
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher はマスター鍵（32バイト）からHKDFでデータ鍵を導出してCipherを生成する。
func NewCipher(masterKey []byte) (*Cipher, error) {
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(masterKey))
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to derive data key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// EncryptString はplaintextを暗号化し "v1:" + base64(nonce||ciphertext) を返す。
// aadは暗号文を特定のレコードに束縛する付加データで、復号時にも同じ値が必要。
// 空文字列はそのまま空文字列を返す。
func (c *Cipher) EncryptString(plaintext, aad string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), []byte(aad))
	return encryptedPrefix + base64.RawStdEncoding.EncodeToString(sealed), nil
}

// DecryptString はEncryptStringの出力を復号する。
func (c *Cipher) DecryptString(encoded, aad string) (string, error) {
	if encoded == "" {
		return "", nil
	}
	if !strings.HasPrefix(encoded, encryptedPrefix) {
		return "", ErrInvalidCiphertext
	}

	data, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(encoded, encryptedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	if len(data) < c.aead.NonceSize()+c.aead.Overhead() {
		return "", ErrInvalidCiphertext
	}

	nonce, sealed := data[:c.aead.NonceSize()], data[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, sealed, []byte(aad))
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}
