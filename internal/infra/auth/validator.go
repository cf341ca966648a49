// Package auth — проверка общего секрета коллектора (Bearer для HTTP, metadata для gRPC).
package auth

import (
	"crypto/subtle"
	"errors"
)

var (
	// ErrMissingToken — заголовок отсутствует или пуст (HTTP 401).
	ErrMissingToken = errors.New("auth: missing bearer token")
	// ErrInvalidToken — токен не совпал (HTTP 403).
	ErrInvalidToken = errors.New("auth: invalid token")
)

// TokenValidator — интерфейс, который реализуют HTTP- и gRPC-входы.
type TokenValidator interface {
	Enabled() bool
	VerifyToken(header string) error
}

// SharedSecretValidator сравнивает Bearer-токен с настроенным секретом.
// Пустой секрет выключает проверку.
type SharedSecretValidator struct {
	secret []byte
	want   []byte
}

func NewSharedSecretValidator(secret string) *SharedSecretValidator {
	return &SharedSecretValidator{secret: []byte(secret), want: []byte("Bearer " + secret)}
}

func (v *SharedSecretValidator) Enabled() bool { return len(v.secret) > 0 }

// VerifyToken требует точного совпадения заголовка Authorization с "Bearer <secret>":
// без смены регистра схемы и без обрезки пробелов.
func (v *SharedSecretValidator) VerifyToken(header string) error {
	if !v.Enabled() {
		return nil
	}
	if header == "" {
		return ErrMissingToken
	}
	if subtle.ConstantTimeCompare([]byte(header), v.want) != 1 {
		return ErrInvalidToken
	}
	return nil
}
