package openapi

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// TokenSource отдаёт текущий bearer-токен.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken: неизменный токен из конфигурации.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) {
	if s == "" {
		return "", ErrNoToken
	}
	return string(s), nil
}

// FileToken перечитывает токен из файла при каждом вызове, чтобы
// внешний процесс мог его обновлять.
type FileToken struct {
	Path string
}

func (f FileToken) Token(context.Context) (string, error) {
	b, err := os.ReadFile(f.Path)
	if err != nil {
		return "", fmt.Errorf("openapi: read token file: %w", err)
	}
	tok := strings.TrimSpace(string(b))
	if tok == "" {
		return "", ErrNoToken
	}
	return tok, nil
}
