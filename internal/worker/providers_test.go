package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookProviderPostsMessage(t *testing.T) {
	var got map[string]string
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	t.Setenv("NOTIF_SMS_WEBHOOK_URL", srv.URL)
	t.Setenv("NOTIF_SMS_WEBHOOK_TOKEN", "secret")
	p := NewProvider("webhook", "sms", nil)

	require.NoError(t, p.Send(context.Background(), "you're up", "+15550100"))
	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, map[string]string{"channel": "sms", "recipient": "+15550100", "message": "you're up"}, got)
}

func TestWebhookProviderRejectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewProvider(srv.URL, "email", nil)
	assert.Error(t, p.Send(context.Background(), "hi", "ana@example.com"))
}

func TestNewProviderFallsBackToLog(t *testing.T) {
	t.Setenv("NOTIF_EMAIL_WEBHOOK_URL", "")
	assert.IsType(t, logProvider{}, NewProvider("webhook", "email", nil))
	assert.IsType(t, logProvider{}, NewProvider("carrier-pigeon", "sms", nil))
	assert.IsType(t, noopProvider{}, NewProvider("noop", "sms", nil))
	assert.Error(t, NewProvider("fail", "sms", nil).Send(context.Background(), "x", "y"))
}
