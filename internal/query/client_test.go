// Backdesk - Services Marketplace Operations Dashboard (Realtime Core)
// Copyright 2026 Backdesk Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/backdesk/backdesk

package query

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/backdesk/backdesk/internal/models"
)

func newRESTServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("apikey"); got != "test-key" {
			t.Errorf("apikey header = %q, want test-key", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("authorization header = %q, want bearer token", got)
		}
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestChannelMessages(t *testing.T) {
	srv := newRESTServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/v1/messages" {
			t.Errorf("path = %q, want /rest/v1/messages", r.URL.Path)
		}
		q := r.URL.Query()
		if got := q.Get("channel_id"); got != "eq.42" {
			t.Errorf("channel_id filter = %q, want eq.42", got)
		}
		if got := q.Get("order"); got != "created_at.asc" {
			t.Errorf("order = %q, want created_at.asc", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"id":1,"channel_id":42,"sender_id":"u1","text":"hi","created_at":"2026-08-30T10:00:00Z"},
			{"id":2,"channel_id":42,"sender_id":"u2","text":"hello","created_at":"2026-08-30T10:00:05Z"}
		]`))
	})

	client := NewClient(srv.URL, "test-key", time.Second)
	msgs, err := client.ChannelMessages(context.Background(), 42)
	if err != nil {
		t.Fatalf("ChannelMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("message count = %d, want 2", len(msgs))
	}
	if msgs[0].ID != 1 || msgs[0].Body != "hi" || msgs[0].ChannelID != 42 {
		t.Fatalf("first message = %+v", msgs[0])
	}
}

func TestClaimChannelIDs(t *testing.T) {
	srv := newRESTServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/v1/channels" {
			t.Errorf("path = %q, want /rest/v1/channels", r.URL.Path)
		}
		if got := r.URL.Query().Get("claim_id"); got != "not.is.null" {
			t.Errorf("claim_id filter = %q, want not.is.null", got)
		}
		_, _ = w.Write([]byte(`[{"id":7},{"id":9},{"id":12}]`))
	})

	client := NewClient(srv.URL, "test-key", time.Second)
	ids, err := client.ClaimChannelIDs(context.Background())
	if err != nil {
		t.Fatalf("ClaimChannelIDs: %v", err)
	}
	want := []int64{7, 9, 12}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}
}

func TestRecentClaimMessagesFilters(t *testing.T) {
	srv := newRESTServer(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if got := q.Get("channel_id"); got != "in.(7,9)" {
			t.Errorf("channel_id filter = %q, want in.(7,9)", got)
		}
		if got := q.Get("sender_id"); got != "neq.admin" {
			t.Errorf("sender_id filter = %q, want neq.admin", got)
		}
		if got := q.Get("order"); got != "created_at.desc" {
			t.Errorf("order = %q, want created_at.desc", got)
		}
		if got := q.Get("limit"); got != "50" {
			t.Errorf("limit = %q, want 50", got)
		}
		_, _ = w.Write([]byte(`[{"id":3,"channel_id":7,"sender_id":"u1","text":"claim","created_at":"2026-08-30T11:00:00Z"}]`))
	})

	client := NewClient(srv.URL, "test-key", time.Second)
	msgs, err := client.RecentClaimMessages(context.Background(), []int64{7, 9}, "admin", 50)
	if err != nil {
		t.Fatalf("RecentClaimMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != 3 {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestRecentClaimMessagesEmptyChannelSet(t *testing.T) {
	client := NewClient("http://127.0.0.1:0", "test-key", time.Second)
	msgs, err := client.RecentClaimMessages(context.Background(), nil, "admin", 50)
	if err != nil {
		t.Fatalf("empty channel set must not hit the network: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("messages = %+v, want none", msgs)
	}
}

func TestSender(t *testing.T) {
	srv := newRESTServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/v1/profiles" {
			t.Errorf("path = %q, want /rest/v1/profiles", r.URL.Path)
		}
		if got := r.URL.Query().Get("id"); got != "eq.u1" {
			t.Errorf("id filter = %q, want eq.u1", got)
		}
		_, _ = w.Write([]byte(`[{"id":"u1","name":"Dana","email":"dana@example.com"}]`))
	})

	client := NewClient(srv.URL, "test-key", time.Second)
	sender, err := client.Sender(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Sender: %v", err)
	}
	if sender.Name != "Dana" {
		t.Fatalf("sender = %+v", sender)
	}
}

func TestSenderNotFound(t *testing.T) {
	srv := newRESTServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})

	client := NewClient(srv.URL, "test-key", time.Second)
	_, err := client.Sender(context.Background(), "ghost")
	if !errors.Is(err, ErrSenderNotFound) {
		t.Fatalf("error = %v, want ErrSenderNotFound", err)
	}
}

func TestNonOKStatusIsError(t *testing.T) {
	srv := newRESTServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "permission denied", http.StatusForbidden)
	})

	client := NewClient(srv.URL, "test-key", time.Second)
	if _, err := client.ChannelMessages(context.Background(), 1); err == nil {
		t.Fatal("expected error for 403 response")
	}
}

// failQuerier always fails; used to exercise the breaker trip path.
type failQuerier struct{ err error }

func (f failQuerier) ChannelMessages(context.Context, int64) ([]models.Message, error) {
	return nil, f.err
}
func (f failQuerier) ClaimChannelIDs(context.Context) ([]int64, error) { return nil, f.err }
func (f failQuerier) RecentClaimMessages(context.Context, []int64, string, int) ([]models.Message, error) {
	return nil, f.err
}
func (f failQuerier) Sender(context.Context, string) (models.Sender, error) {
	return models.Sender{}, f.err
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	cause := errors.New("backend down")
	breaker := NewBreakerClient(failQuerier{err: cause})
	ctx := context.Background()

	sawCause := false
	sawRejection := false
	for range 20 {
		_, err := breaker.ChannelMessages(ctx, 1)
		if err == nil {
			t.Fatal("expected error from failing backend")
		}
		if errors.Is(err, cause) {
			sawCause = true
		} else {
			sawRejection = true
		}
	}
	if !sawCause {
		t.Fatal("backend error never propagated")
	}
	if !sawRejection {
		t.Fatal("breaker never rejected a call after repeated failures")
	}
}

func TestBreakerPassesThroughSuccess(t *testing.T) {
	srv := newRESTServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":5,"channel_id":1,"sender_id":"u1","text":"ok","created_at":"2026-08-30T12:00:00Z"}]`))
	})

	stack := NewAuditClient(NewBreakerClient(NewClient(srv.URL, "test-key", time.Second)))
	msgs, err := stack.ChannelMessages(context.Background(), 1)
	if err != nil {
		t.Fatalf("ChannelMessages through stack: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != 5 {
		t.Fatalf("messages = %+v", msgs)
	}
}
