package evolution

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/whatsapp-campaign/internal/config"
	"github.com/acme/whatsapp-campaign/internal/domain"
	apperrors "github.com/acme/whatsapp-campaign/pkg/errors"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(config.GatewayConfig{BaseURL: srv.URL + "/", APIKey: "secret", RequestTimeout: time.Second})
}

func TestSendTextReturnsProviderID(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/message/sendText/sales-1", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("apikey"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "5511999990000", body["number"])
		assert.Equal(t, "hello", body["text"])

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"key":{"id":"3EB0ABC","remoteJid":"5511999990000@s.whatsapp.net"},"status":"PENDING"}`))
	})

	res, err := client.SendText(context.Background(), "sales-1", "5511999990000", "hello")
	require.NoError(t, err)
	assert.Equal(t, "3EB0ABC", res.MessageID)
}

func TestSendTextWithoutKeyIsProviderError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"PENDING"}`))
	})

	_, err := client.SendText(context.Background(), "sales-1", "1", "x")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrProvider)
}

func TestSendTextNon2xxIsProviderError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"status":400,"response":{"message":"number not on whatsapp"}}`))
	})

	_, err := client.SendText(context.Background(), "sales-1", "1", "x")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrProvider)
	assert.Contains(t, err.Error(), "number not on whatsapp")
}

func TestConnectionState(t *testing.T) {
	states := map[string]domain.InstanceStatus{
		"open":       domain.InstanceStatusConnected,
		"connecting": domain.InstanceStatusConnecting,
		"close":      domain.InstanceStatusDisconnected,
	}
	for raw, want := range states {
		raw, want := raw, want
		t.Run(raw, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/instance/connectionState/ops", r.URL.Path)
				_, _ = w.Write([]byte(`{"instance":{"instanceName":"ops","state":"` + raw + `"}}`))
			})
			got, err := client.ConnectionState(context.Background(), "ops")
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestConnectionStateMissingField(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	_, err := client.ConnectionState(context.Background(), "ops")
	assert.ErrorIs(t, err, apperrors.ErrProvider)
}
