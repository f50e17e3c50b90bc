// Backdesk - Services Marketplace Operations Dashboard (Realtime Core)
// Copyright 2026 Backdesk Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/backdesk/backdesk

package persist

import (
	"testing"
	"time"
)

func newTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	store, err := Open("")
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSetGetDelete(t *testing.T) {
	store := newTestStore(t)

	if _, found, err := store.Get("missing"); err != nil || found {
		t.Fatalf("Get(missing) = found=%v err=%v, want absent", found, err)
	}

	if err := store.Set("last_activity", "1756500000000"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	value, found, err := store.Get("last_activity")
	if err != nil || !found {
		t.Fatalf("Get after Set = found=%v err=%v", found, err)
	}
	if value != "1756500000000" {
		t.Fatalf("value = %q", value)
	}

	if err := store.Delete("last_activity"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, found, _ := store.Get("last_activity"); found {
		t.Fatal("key still present after delete")
	}
	// Deleting again is not an error.
	if err := store.Delete("last_activity"); err != nil {
		t.Fatalf("Delete(absent): %v", err)
	}
}

func TestTimeStampsRoundTripAtMillisPrecision(t *testing.T) {
	store := newTestStore(t)
	stamp := time.Date(2026, 8, 30, 15, 4, 5, 123_000_000, time.UTC)

	if err := SetTime(store, "session_start_time", stamp); err != nil {
		t.Fatalf("SetTime: %v", err)
	}
	got, found, err := GetTime(store, "session_start_time")
	if err != nil || !found {
		t.Fatalf("GetTime = found=%v err=%v", found, err)
	}
	if !got.Equal(stamp) {
		t.Fatalf("round trip = %v, want %v", got, stamp)
	}
}

func TestGetTimeRejectsMalformedStamp(t *testing.T) {
	store := newTestStore(t)
	if err := store.Set("session_start_time", "yesterday"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, _, err := GetTime(store, "session_start_time"); err == nil {
		t.Fatal("expected error for malformed stamp")
	}
}

func TestGetTimeAbsentKey(t *testing.T) {
	store := newTestStore(t)
	_, found, err := GetTime(store, "last_activity")
	if err != nil {
		t.Fatalf("GetTime(absent): %v", err)
	}
	if found {
		t.Fatal("absent key reported as found")
	}
}
