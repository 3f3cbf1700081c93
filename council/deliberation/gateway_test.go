package deliberation

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestOpenRouterGatewayInvoke(t *testing.T) {
	tests := []struct {
		name     string
		handler  http.HandlerFunc
		wantCode string
		wantText string
	}{
		{
			name: "successful completion",
			handler: func(w http.ResponseWriter, r *http.Request) {
				if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
					t.Errorf("Authorization = %q", got)
				}
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"hello","reasoning_details":[{"kind":"cot"}]}}]}`))
			},
			wantText: "hello",
		},
		{
			name: "non-success status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
			},
			wantCode: FailureStatus,
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"choices": [`))
			},
			wantCode: FailureMalformed,
		},
		{
			name: "no choices",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"choices":[]}`))
			},
			wantCode: FailureMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			gw := NewOpenRouterGateway("test-key", WithEndpoint(srv.URL))
			reply, err := gw.Invoke(context.Background(), "vendor/model", []Message{{Role: "user", Content: "q"}})

			if tt.wantCode != "" {
				var gerr *GatewayError
				if !errors.As(err, &gerr) {
					t.Fatalf("expected *GatewayError, got %v", err)
				}
				if gerr.Code != tt.wantCode {
					t.Errorf("Code = %q, want %q", gerr.Code, tt.wantCode)
				}
				if gerr.Model != "vendor/model" {
					t.Errorf("Model = %q", gerr.Model)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if reply.Content != tt.wantText {
				t.Errorf("Content = %q, want %q", reply.Content, tt.wantText)
			}
			if len(reply.ReasoningDetails) == 0 {
				t.Error("ReasoningDetails should be preserved")
			}
		})
	}
}

func TestOpenRouterGatewayTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"late"}}]}`))
	}))
	defer srv.Close()

	gw := NewOpenRouterGateway("k", WithEndpoint(srv.URL), WithCallTimeout(30*time.Millisecond))
	_, err := gw.Invoke(context.Background(), "vendor/model", []Message{{Role: "user", Content: "q"}})

	var gerr *GatewayError
	if !errors.As(err, &gerr) {
		t.Fatalf("expected *GatewayError, got %v", err)
	}
	if gerr.Code != FailureTimeout {
		t.Errorf("Code = %q, want %q", gerr.Code, FailureTimeout)
	}
}

func TestOpenRouterGatewayNetworkError(t *testing.T) {
	// Closed server: connection refused.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	gw := NewOpenRouterGateway("k", WithEndpoint(url))
	_, err := gw.Invoke(context.Background(), "vendor/model", []Message{{Role: "user", Content: "q"}})

	var gerr *GatewayError
	if !errors.As(err, &gerr) {
		t.Fatalf("expected *GatewayError, got %v", err)
	}
	if gerr.Code != FailureNetwork {
		t.Errorf("Code = %q, want %q", gerr.Code, FailureNetwork)
	}
}
