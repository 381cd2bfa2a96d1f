// Package security は認証コアのセキュリティ部品を提供する。
// パスワードハッシュ、保存時暗号化、入力サニタイズ、外部通信のSSRF防止、
// 不審リクエストの検知を含む。
package security

import (
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"
)

// 旧形式 "salt:hex(pbkdf2-sha512)" のパラメータ
const (
	legacyPBKDF2Iterations = 10000
	legacyPBKDF2KeyLen     = 64
)

// PasswordHasher はパスワードハッシュの生成と検証を行う。
// 新規ハッシュはbcryptで生成する。bcryptの72バイト制限を避けるため、
// 入力はSHA-256でプリハッシュしてから渡す。
// 旧形式のPBKDF2ハッシュも検証でき、その場合は再ハッシュを要求する。
type PasswordHasher struct {
	cost      int
	dummyHash []byte
}

// NewPasswordHasher はPasswordHasherを生成する。
// costが0以下の場合はbcrypt.DefaultCostを使う。
func NewPasswordHasher(cost int) *PasswordHasher {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	h := &PasswordHasher{cost: cost}
	// 存在しないユーザーでも検証と同程度の時間をかけるためのダミー
	h.dummyHash, _ = bcrypt.GenerateFromPassword(prehash("kairo-dummy-password"), cost)
	return h
}

// Hash はパスワードのbcryptハッシュを返す。
func (h *PasswordHasher) Hash(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword(prehash(password), h.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(b), nil
}

// Verify はパスワードがハッシュと一致するかを検証する。
// needsRehashは、一致したが旧形式または低コストのため再ハッシュすべき場合にtrueとなる。
func (h *PasswordHasher) Verify(password, encoded string) (ok bool, needsRehash bool) {
	if encoded == "" {
		return false, false
	}

	if strings.HasPrefix(encoded, "$2") {
		if err := bcrypt.CompareHashAndPassword([]byte(encoded), prehash(password)); err != nil {
			return false, false
		}
		cost, err := bcrypt.Cost([]byte(encoded))
		return true, err != nil || cost < h.cost
	}

	if verifyLegacy(password, encoded) {
		return true, true
	}
	return false, false
}

// DummyVerify はユーザーが存在しない場合に呼び出し、
// 応答時間からユーザーの存在を推測されないようにする。
func (h *PasswordHasher) DummyVerify(password string) {
	_ = bcrypt.CompareHashAndPassword(h.dummyHash, prehash(password))
}

// prehash はSHA-256ダイジェストのbase64表現を返す（44バイト）。
func prehash(password string) []byte {
	sum := sha256.Sum256([]byte(password))
	out := make([]byte, base64.StdEncoding.EncodedLen(len(sum)))
	base64.StdEncoding.Encode(out, sum[:])
	return out
}

// verifyLegacy は旧形式 "salt:hash" を検証する。
// saltは16進文字列そのものをバイト列として使う。
func verifyLegacy(password, encoded string) bool {
	salt, storedHex, found := strings.Cut(encoded, ":")
	if !found || salt == "" {
		return false
	}
	stored, err := hex.DecodeString(storedHex)
	if err != nil || len(stored) != legacyPBKDF2KeyLen {
		return false
	}
	computed := pbkdf2.Key([]byte(password), []byte(salt), legacyPBKDF2Iterations, legacyPBKDF2KeyLen, sha512.New)
	return subtle.ConstantTimeCompare(computed, stored) == 1
}
