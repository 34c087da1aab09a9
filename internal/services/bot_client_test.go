package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/participant-hub/identity/internal/apperr"
)

func TestBotClientSendNotification(t *testing.T) {
	var got notifyRequest
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, notifyPath, r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(status)
		_, _ = w.Write([]byte("nope"))
	}))
	defer srv.Close()

	c := NewBotClient(srv.URL+"/", zap.NewNop())

	tests := []struct {
		name   string
		status int
		kind   apperr.Kind
	}{
		{"ok", http.StatusOK, ""},
		{"accepted", http.StatusAccepted, ""},
		{"refused", http.StatusBadRequest, apperr.KindValidation},
		{"bot down", http.StatusBadGateway, apperr.KindExternalDependency},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status = tt.status
			err := c.SendNotification(context.Background(), 99, "hello")
			if tt.kind == "" {
				require.NoError(t, err)
				assert.Equal(t, notifyRequest{TelegramUserID: 99, Text: "hello"}, got)
				return
			}
			assert.Equal(t, tt.kind, apperr.KindOf(err))
		})
	}
}

func TestBotClientRejectsEmptyNotification(t *testing.T) {
	c := NewBotClient("http://127.0.0.1:1", zap.NewNop())
	assert.True(t, apperr.Is(c.SendNotification(context.Background(), 0, "x"), apperr.KindValidation))
	assert.True(t, apperr.Is(c.SendNotification(context.Background(), 1, ""), apperr.KindValidation))
}

func TestBotClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := NewBotClient(url, zap.NewNop()).SendNotification(context.Background(), 1, "x")
	assert.Equal(t, apperr.KindExternalDependency, apperr.KindOf(err))
}
