package openapi

import (
	"context"
	"encoding/base64"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YaganovValera/openapi-streamer/common/logger"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL+"/openapi", StaticToken("tok"), logger.Nop())
	require.NoError(t, err)
	return c
}

func TestCreateSubscription(t *testing.T) {
	schema := []byte{0x0a, 0x01}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/openapi/trade/v1/prices/subscriptions", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var req map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "ctx1", req["ContextId"])
		assert.Equal(t, "prices-2", req["ReferenceId"])
		assert.Equal(t, "prices-1", req["ReplaceReferenceId"])
		assert.Equal(t, "application/x-protobuf", req["Format"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ReferenceId":"prices-2","InactivityTimeout":30,"State":"Active",`+
			`"Snapshot":{"Quote":{"Bid":1.1}},"SchemaName":"quotes.Quote","Schema":"`+
			base64.StdEncoding.EncodeToString(schema)+`"}`)
	})

	resp, err := c.CreateSubscription(context.Background(), "/trade/v1/prices/subscriptions", CreateRequest{
		ContextID:          "ctx1",
		ReferenceID:        "prices-2",
		ReplaceReferenceID: "prices-1",
		Format:             "application/x-protobuf",
	})
	require.NoError(t, err)
	assert.Equal(t, "prices-2", resp.ReferenceID)
	assert.Equal(t, 30*time.Second, resp.Timeout())
	assert.Equal(t, "quotes.Quote", resp.SchemaName)
	assert.Equal(t, schema, resp.Schema)
	assert.JSONEq(t, `{"Quote":{"Bid":1.1}}`, string(resp.Snapshot))
}

func TestCreateSubscription_Non2xx(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, "slow down")
	})
	_, err := c.CreateSubscription(context.Background(), "/p", CreateRequest{ContextID: "c", ReferenceID: "a-1"})
	require.Error(t, err)

	var re *RequestError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "create", re.Op)
	assert.Equal(t, "a-1", re.ReferenceID)
	assert.Equal(t, http.StatusTooManyRequests, re.Status)
	assert.True(t, re.Throttled())
	assert.False(t, re.Unauthorized())
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "slow down")
	assert.Equal(t, 429, StatusOf(err))
}

func TestDeleteSubscription(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, http.MethodDelete, r.Method)
		switch r.URL.Path {
		case "/openapi/p/ctx1/a-1":
			w.WriteHeader(http.StatusAccepted)
		case "/openapi/p/ctx1/gone-1":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	})
	ctx := context.Background()
	assert.NoError(t, c.DeleteSubscription(ctx, "/p", "ctx1", "a-1"))
	assert.NoError(t, c.DeleteSubscription(ctx, "/p", "ctx1", "gone-1"))

	err := c.DeleteSubscription(ctx, "/p", "ctx1", "other-1")
	var re *RequestError
	require.ErrorAs(t, err, &re)
	assert.True(t, re.Unauthorized())
	assert.Equal(t, int32(3), calls.Load())
}

func TestNewClient_Invalid(t *testing.T) {
	_, err := NewClient("not a url", StaticToken("x"), logger.Nop())
	assert.Error(t, err)
	_, err = NewClient("http://h", nil, logger.Nop())
	assert.Error(t, err)
}

func TestTokenSources(t *testing.T) {
	_, err := StaticToken("").Token(context.Background())
	assert.ErrorIs(t, err, ErrNoToken)

	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("  abc\n"), 0o600))
	tok, err := FileToken{Path: path}.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	_, err = FileToken{Path: filepath.Join(t.TempDir(), "missing")}.Token(context.Background())
	assert.Error(t, err)
}

func TestJWTExpiry(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	sign := func(exp time.Time) string {
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
		})
		s, err := tok.SignedString([]byte("secret"))
		require.NoError(t, err)
		return s
	}
	oracle := JWTExpiry{Now: func() time.Time { return now }}

	assert.Equal(t, int64(90), oracle.SecondsUntilExpiry(sign(now.Add(90*time.Second))))
	assert.LessOrEqual(t, oracle.SecondsUntilExpiry(sign(now.Add(-time.Minute))), int64(0))
	assert.Equal(t, int64(math.MaxInt64), oracle.SecondsUntilExpiry("opaque-token"))
}
