package auth

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	// bcryptCost はパスワードハッシュのコスト。
	bcryptCost = 10
	// bcryptMaxBytes はbcryptが受け付けるパスワードの最大バイト数。
	bcryptMaxBytes = 72
)

// dummyHash は存在しないユーザーのログイン時に比較するハッシュ。
// 応答時間からユーザーの存在を推測されないようにする。
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("authgate-dummy-password"), bcryptCost)

// hashPassword はパスワードをbcryptでハッシュ化する。
func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword(passwordBytes(password), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("パスワードのハッシュ化に失敗: %w", err)
	}
	return string(hash), nil
}

// checkPassword はパスワードがハッシュと一致するかを確認する。
func checkPassword(hash, password string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), passwordBytes(password))
	return err == nil
}

// burnPasswordCheck は一致しないことが分かっている比較を行い、処理時間を揃える。
func burnPasswordCheck(password string) {
	_ = bcrypt.CompareHashAndPassword(dummyHash, passwordBytes(password))
}

// passwordBytes はbcryptに渡す入力を返す。
// 72バイトを超えるパスワードはSHA-256のbase64表現に置き換え、全体を比較対象にする。
func passwordBytes(password string) []byte {
	if len(password) <= bcryptMaxBytes {
		return []byte(password)
	}
	sum := sha256.Sum256([]byte(password))
	return []byte(base64.StdEncoding.EncodeToString(sum[:]))
}
