package sqlitestore

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/campuslink/chatsync"
	"go.uber.org/zap"
)

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	store, err := Open(path, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func fixedClock(ts time.Time) func() time.Time {
	return func() time.Time { return ts }
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("", nil); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestSharedAndSessionValues(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, filepath.Join(t.TempDir(), "shared.db"))

	t.Run("shared round trip", func(t *testing.T) {
		if _, ok, err := store.SharedValue(ctx, "theme"); err != nil || ok {
			t.Fatalf("missing value = ok %v err %v", ok, err)
		}
		if err := store.SetSharedValue(ctx, "theme", "dark"); err != nil {
			t.Fatal(err)
		}
		if err := store.SetSharedValue(ctx, "theme", "light"); err != nil {
			t.Fatal(err)
		}
		v, ok, err := store.SharedValue(ctx, "theme")
		if err != nil || !ok || v != "light" {
			t.Fatalf("SharedValue = %q %v %v", v, ok, err)
		}
		if err := store.DeleteSharedValue(ctx, "theme"); err != nil {
			t.Fatal(err)
		}
		if _, ok, _ := store.SharedValue(ctx, "theme"); ok {
			t.Fatal("value survived delete")
		}
	})

	t.Run("sessions are isolated", func(t *testing.T) {
		if err := store.SetSessionValue(ctx, "s1", "access_token", "a1"); err != nil {
			t.Fatal(err)
		}
		if err := store.SetSessionValue(ctx, "s2", "access_token", "a2"); err != nil {
			t.Fatal(err)
		}
		v1, _, _ := store.SessionValue(ctx, "s1", "access_token")
		v2, _, _ := store.SessionValue(ctx, "s2", "access_token")
		if v1 != "a1" || v2 != "a2" {
			t.Fatalf("session values = %q, %q", v1, v2)
		}

		if err := store.ClearSession(ctx, "s1"); err != nil {
			t.Fatal(err)
		}
		if _, ok, _ := store.SessionValue(ctx, "s1", "access_token"); ok {
			t.Fatal("s1 value survived ClearSession")
		}
		if v, _, _ := store.SessionValue(ctx, "s2", "access_token"); v != "a2" {
			t.Fatalf("s2 value = %q after clearing s1", v)
		}
		sessions, err := store.Sessions(ctx)
		if err != nil || len(sessions) != 1 || sessions[0] != "s2" {
			t.Fatalf("Sessions() = %v, %v", sessions, err)
		}
	})
}

func TestUpdatePresenceRecoversFromCorruptRegistry(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, filepath.Join(t.TempDir(), "shared.db"))

	if err := store.SetSharedValue(ctx, chatsync.PresenceKey, "{not json"); err != nil {
		t.Fatal(err)
	}
	records, err := store.UpdatePresence(ctx, func(rs []chatsync.TabPresenceRecord) []chatsync.TabPresenceRecord {
		if len(rs) != 0 {
			t.Errorf("fn saw %d records, want 0", len(rs))
		}
		return append(rs, chatsync.TabPresenceRecord{TabID: "t1", Timestamp: 1})
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("UpdatePresence = %+v", records)
	}
	stored, err := store.Presence(ctx)
	if err != nil || len(stored) != 1 || stored[0].TabID != "t1" {
		t.Fatalf("Presence() = %+v, %v", stored, err)
	}
}

func TestTabSessionsAcrossHandles(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")
	first := openTestStore(t, path)
	second := openTestStore(t, path)

	base := time.Now()
	older, err := chatsync.NewTabSession(chatsync.TabSessionConfig{Store: first, Clock: fixedClock(base)})
	if err != nil {
		t.Fatal(err)
	}
	newer, err := chatsync.NewTabSession(chatsync.TabSessionConfig{Store: second, Clock: fixedClock(base.Add(time.Second))})
	if err != nil {
		t.Fatal(err)
	}
	if err := older.Heartbeat(ctx); err != nil {
		t.Fatal(err)
	}
	if err := newer.Heartbeat(ctx); err != nil {
		t.Fatal(err)
	}

	tabs, err := newer.ActiveTabs(ctx)
	if err != nil || len(tabs) != 2 {
		t.Fatalf("ActiveTabs() = %+v, %v", tabs, err)
	}
	if primary, _ := older.IsPrimaryTab(ctx); !primary {
		t.Fatal("older tab should be primary")
	}
	if primary, _ := newer.IsPrimaryTab(ctx); primary {
		t.Fatal("newer tab should not be primary")
	}
}

func TestConcurrentPresenceUpdatesAcrossHandles(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")
	handles := []*Store{openTestStore(t, path), openTestStore(t, path), openTestStore(t, path)}

	const perHandle = 15
	errs := make(chan error, len(handles)*perHandle)
	var wg sync.WaitGroup
	for h, store := range handles {
		for i := 0; i < perHandle; i++ {
			wg.Add(1)
			go func(store *Store, id string) {
				defer wg.Done()
				_, err := store.UpdatePresence(ctx, func(records []chatsync.TabPresenceRecord) []chatsync.TabPresenceRecord {
					return append(records, chatsync.TabPresenceRecord{TabID: id, Timestamp: time.Now().UnixMilli()})
				})
				errs <- err
			}(store, fmt.Sprintf("tab_%d_%d", h, i))
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("UpdatePresence: %v", err)
		}
	}

	records, err := handles[0].Presence(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != len(handles)*perHandle {
		t.Fatalf("registry has %d records, want %d", len(records), len(handles)*perHandle)
	}
}

func TestDSNTakesWriteLockAtBegin(t *testing.T) {
	got := dsn("/tmp/shared.db")
	if !strings.HasPrefix(got, "/tmp/shared.db?") || !strings.Contains(got, "_txlock=immediate") {
		t.Fatalf("dsn = %q", got)
	}
	if !strings.Contains(got, "busy_timeout(5000)") {
		t.Fatalf("dsn = %q, want a busy timeout", got)
	}
}

func TestCredentialsAreSessionScoped(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")
	first := openTestStore(t, path)
	second := openTestStore(t, path)

	asha, err := chatsync.NewCredentialStore(chatsync.CredentialConfig{Store: first, SessionKey: "session_a"})
	if err != nil {
		t.Fatal(err)
	}
	ravi, err := chatsync.NewCredentialStore(chatsync.CredentialConfig{Store: second, SessionKey: "session_b"})
	if err != nil {
		t.Fatal(err)
	}
	if err := asha.Save(ctx, chatsync.Tokens{Access: "asha-token", Username: "asha"}); err != nil {
		t.Fatal(err)
	}
	if err := ravi.Save(ctx, chatsync.Tokens{Access: "ravi-token", Username: "ravi"}); err != nil {
		t.Fatal(err)
	}

	if tok, _ := asha.Token(ctx); tok != "asha-token" {
		t.Fatalf("asha token = %q", tok)
	}
	if tok, _ := ravi.Token(ctx); tok != "ravi-token" {
		t.Fatalf("ravi token = %q", tok)
	}
}

func TestSubscribeSeesOtherHandleWrites(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	path := filepath.Join(t.TempDir(), "shared.db")
	watcher := openTestStore(t, path)
	writer := openTestStore(t, path)

	changes, unsubscribe, err := watcher.Subscribe(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer unsubscribe()

	if err := writer.SetSharedValue(ctx, "lastSeen", "now"); err != nil {
		t.Fatal(err)
	}

	select {
	case change := <-changes:
		if change.Key != "" {
			t.Fatalf("change.Key = %q, want keyless notification", change.Key)
		}
	case <-ctx.Done():
		t.Fatal("no change notification after write")
	}
}

func TestIsDatabaseFile(t *testing.T) {
	cases := map[string]bool{
		"shared.db":         true,
		"shared.db-wal":     true,
		"shared.db-journal": true,
		"shared.db-shm":     false,
		"other.db":          false,
	}
	for name, want := range cases {
		if got := isDatabaseFile(name, "shared.db"); got != want {
			t.Errorf("isDatabaseFile(%q) = %v, want %v", name, got, want)
		}
	}
}
