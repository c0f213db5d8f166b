package openapi

import (
	"math"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ExpiryOracle сообщает, сколько секунд осталось до истечения токена.
// Неположительное значение означает, что токен истёк.
type ExpiryOracle interface {
	SecondsUntilExpiry(token string) int64
}

// JWTExpiry читает claim exp без проверки подписи: подпись проверяет сервер,
// здесь нужно только отличить истёкший токен от сетевого сбоя.
type JWTExpiry struct {
	Now func() time.Time
}

// SecondsUntilExpiry возвращает math.MaxInt64 для токенов, которые не
// являются JWT или не несут exp.
func (j JWTExpiry) SecondsUntilExpiry(token string) int64 {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return math.MaxInt64
	}
	if claims.ExpiresAt == nil {
		return math.MaxInt64
	}
	now := time.Now
	if j.Now != nil {
		now = j.Now
	}
	return int64(math.Floor(claims.ExpiresAt.Sub(now()).Seconds()))
}
