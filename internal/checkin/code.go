package checkin

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	codeLength   = 6
	codeAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	codeAttempts = 16
)

// CodeReserver claims check-in codes across processes.
type CodeReserver interface {
	Reserve(ctx context.Context, code, checkinID string) (bool, error)
	Release(ctx context.Context, code string) error
}

func generateCode(r io.Reader) (string, error) {
	if r == nil {
		r = rand.Reader
	}
	var b strings.Builder
	limit := big.NewInt(int64(len(codeAlphabet)))
	for i := 0; i < codeLength; i++ {
		n, err := rand.Int(r, limit)
		if err != nil {
			return "", fmt.Errorf("generate check-in code: %w", err)
		}
		b.WriteByte(codeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// NormalizeCode upper-cases a code and reports whether it is well formed.
func NormalizeCode(code string) (string, bool) {
	c := strings.ToUpper(strings.TrimSpace(code))
	if len(c) != codeLength {
		return c, false
	}
	for i := 0; i < len(c); i++ {
		if !strings.ContainsRune(codeAlphabet, rune(c[i])) {
			return c, false
		}
	}
	return c, true
}

type RedisCodeReserver struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCodeReserver(client *redis.Client, ttl time.Duration) *RedisCodeReserver {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisCodeReserver{client: client, ttl: ttl}
}

func codeKey(code string) string { return "qms:checkin:code:" + code }

func (r *RedisCodeReserver) Reserve(ctx context.Context, code, checkinID string) (bool, error) {
	ok, err := r.client.SetNX(ctx, codeKey(code), checkinID, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("reserve check-in code: %w", err)
	}
	return ok, nil
}

func (r *RedisCodeReserver) Release(ctx context.Context, code string) error {
	if err := r.client.Del(ctx, codeKey(code)).Err(); err != nil {
		return fmt.Errorf("release check-in code: %w", err)
	}
	return nil
}
