// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/absmach/fanq/broker"
	"github.com/absmach/fanq/registry"
)

type stubBroker struct {
	ready bool
	snap  broker.Snapshot
}

func (s *stubBroker) Ready() bool               { return s.ready }
func (s *stubBroker) Snapshot() broker.Snapshot { return s.snap }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAddrWithoutListener(t *testing.T) {
	server := New(Config{}, &stubBroker{}, quietLogger())
	if addr := server.Addr(); addr != "" {
		t.Errorf("expected empty address, got %q", addr)
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := New(Config{}, &stubBroker{}, quietLogger())

	tests := []struct {
		name           string
		method         string
		expectedStatus int
	}{
		{"GET request returns healthy", http.MethodGet, http.StatusOK},
		{"POST request not allowed", http.MethodPost, http.StatusMethodNotAllowed},
		{"PUT request not allowed", http.MethodPut, http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "http://test/health", nil)
			rec := httptest.NewRecorder()

			server.Handler().ServeHTTP(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Fatalf("expected status %d, got %d", tt.expectedStatus, rec.Code)
			}
			if tt.expectedStatus != http.StatusOK {
				return
			}

			var response HealthResponse
			if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if response.Status != "healthy" {
				t.Errorf("expected status %q, got %q", "healthy", response.Status)
			}
		})
	}
}

func TestReadyEndpoint(t *testing.T) {
	tests := []struct {
		name           string
		broker         Broker
		method         string
		expectedStatus int
		expectedState  string
		expectedDetail string
	}{
		{
			name:           "ready broker",
			broker:         &stubBroker{ready: true},
			method:         http.MethodGet,
			expectedStatus: http.StatusOK,
			expectedState:  "ready",
		},
		{
			name:           "dispatcher not running",
			broker:         &stubBroker{ready: false},
			method:         http.MethodGet,
			expectedStatus: http.StatusServiceUnavailable,
			expectedState:  "not_ready",
			expectedDetail: "dispatcher not running",
		},
		{
			name:           "nil broker",
			broker:         nil,
			method:         http.MethodGet,
			expectedStatus: http.StatusServiceUnavailable,
			expectedState:  "not_ready",
			expectedDetail: "broker not initialized",
		},
		{
			name:           "POST request not allowed",
			broker:         &stubBroker{ready: true},
			method:         http.MethodPost,
			expectedStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := New(Config{}, tt.broker, quietLogger())
			req := httptest.NewRequest(tt.method, "http://test/ready", nil)
			rec := httptest.NewRecorder()

			server.Handler().ServeHTTP(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Fatalf("expected status %d, got %d", tt.expectedStatus, rec.Code)
			}
			if tt.method != http.MethodGet {
				return
			}

			var response ReadyResponse
			if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if response.Status != tt.expectedState {
				t.Errorf("expected status %q, got %q", tt.expectedState, response.Status)
			}
			if response.Details != tt.expectedDetail {
				t.Errorf("expected details %q, got %q", tt.expectedDetail, response.Details)
			}
		})
	}
}

func TestStatsEndpoint(t *testing.T) {
	snap := broker.Snapshot{
		BrokerID: "fanq-1",
		Queue:    broker.QueueSnapshot{Depth: 2, Capacity: 10, Remaining: 8},
		Connections: broker.ConnSnapshot{
			Producers:      1,
			Consumers:      2,
			ReadyConsumers: 2,
			Total:          3,
		},
		Messages: broker.MessageSnapshot{Received: 5, Delivered: 3},
		Shares:   []registry.Share{{ID: "a", Share: 5}, {ID: "b", Share: 5}},
	}
	server := New(Config{}, &stubBroker{ready: true, snap: snap}, quietLogger())

	req := httptest.NewRequest(http.MethodGet, "http://test/stats", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected JSON content type, got %q", ct)
	}

	var got broker.Snapshot
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if got.BrokerID != "fanq-1" || got.Queue.Depth != 2 || got.Queue.Capacity != 10 {
		t.Errorf("unexpected queue snapshot: %+v", got)
	}
	if got.Connections.Consumers != 2 || got.Messages.Delivered != 3 {
		t.Errorf("unexpected counters: %+v", got)
	}
	if len(got.Shares) != 2 || got.Shares[1].Share != 5 {
		t.Errorf("unexpected shares: %+v", got.Shares)
	}

	post := httptest.NewRecorder()
	server.Handler().ServeHTTP(post, httptest.NewRequest(http.MethodPost, "http://test/stats", nil))
	if post.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for POST, got %d", post.Code)
	}
}

func TestStatsFromLiveBroker(t *testing.T) {
	b := broker.New(broker.Config{BrokerID: "live", Capacity: 3}, quietLogger())
	defer b.Close()

	server := New(Config{}, b, quietLogger())
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://test/stats", nil))

	var got broker.Snapshot
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if got.BrokerID != "live" || got.Queue.Capacity != 3 || got.Queue.Remaining != 3 {
		t.Errorf("unexpected snapshot: %+v", got)
	}

	ready := httptest.NewRecorder()
	server.Handler().ServeHTTP(ready, httptest.NewRequest(http.MethodGet, "http://test/ready", nil))
	if ready.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 before Run, got %d", ready.Code)
	}
}

func TestListenAndShutdown(t *testing.T) {
	server := New(Config{Address: "127.0.0.1:0", ShutdownTimeout: time.Second}, &stubBroker{ready: true}, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Listen(ctx) }()

	deadline := time.Now().Add(time.Second)
	for server.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server did not start listening")
		}
		time.Sleep(time.Millisecond)
	}

	resp, err := http.Get("http://" + server.Addr() + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected shutdown error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
