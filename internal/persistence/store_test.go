package persistence_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/lagbot/internal/bus"
	"github.com/basket/lagbot/internal/persistence"
)

func openTestStore(t *testing.T, b *bus.Bus) (*persistence.Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "lagbot.db")
	store, err := persistence.Open(dbPath, b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t, nil)
	db := store.DB()

	var journal string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journal); err != nil {
		t.Fatalf("pragma journal_mode: %v", err)
	}
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}
	for _, table := range []string{"schema_migrations", "seen", "kv_store", "plugin_registry"} {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
}

func TestStore_ReopenKeepsData(t *testing.T) {
	store, dbPath := openTestStore(t, nil)
	ctx := context.Background()
	if err := store.KVSet(ctx, "dice", "last", "4"); err != nil {
		t.Fatalf("kv set: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	val, ok, err := reopened.KVGet(ctx, "dice", "last")
	if err != nil || !ok || val != "4" {
		t.Fatalf("KVGet after reopen = %q, %v, %v", val, ok, err)
	}
}

func TestStore_OpenRejectsFutureSchemaVersion(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "lagbot.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		INSERT INTO schema_migrations(version, checksum) VALUES(999, 'future');
	`); err != nil {
		t.Fatalf("seed future version: %v", err)
	}
	_ = db.Close()

	_, err = persistence.Open(dbPath, nil)
	if err == nil || !strings.Contains(err.Error(), "newer than supported") {
		t.Fatalf("expected newer-version error, got %v", err)
	}
}

func TestStore_OpenRejectsChecksumMismatch(t *testing.T) {
	store, dbPath := openTestStore(t, nil)
	if _, err := store.DB().Exec(`UPDATE schema_migrations SET checksum='tampered';`); err != nil {
		t.Fatalf("tamper checksum: %v", err)
	}
	_ = store.Close()

	_, err := persistence.Open(dbPath, nil)
	if err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("expected checksum mismatch error, got %v", err)
	}
}

func TestStore_KVNamespaces(t *testing.T) {
	store, _ := openTestStore(t, nil)
	ctx := context.Background()

	if err := store.KVSet(ctx, "a", "k", "1"); err != nil {
		t.Fatal(err)
	}
	if err := store.KVSet(ctx, "b", "k", "2"); err != nil {
		t.Fatal(err)
	}
	if err := store.KVSet(ctx, "a", "k", "3"); err != nil {
		t.Fatal(err)
	}
	if v, _, _ := store.KVGet(ctx, "a", "k"); v != "3" {
		t.Fatalf("namespace a = %q, want 3", v)
	}
	if v, _, _ := store.KVGet(ctx, "b", "k"); v != "2" {
		t.Fatalf("namespace b = %q, want 2", v)
	}
	if _, ok, err := store.KVGet(ctx, "a", "missing"); ok || err != nil {
		t.Fatalf("missing key: ok=%v err=%v", ok, err)
	}
	if n, err := store.KVCount(ctx, "a"); err != nil || n != 1 {
		t.Fatalf("KVCount = %d, %v", n, err)
	}
	if err := store.KVDelete(ctx, "a", "k"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := store.KVGet(ctx, "a", "k"); ok {
		t.Fatal("key survived delete")
	}
}

func TestStore_SeenCaseInsensitive(t *testing.T) {
	store, _ := openTestStore(t, nil)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := store.RecordSeen(ctx, persistence.SeenRecord{Network: "libera", Nick: "Bob", Target: "#test", Text: "hi", At: at}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := store.RecordSeen(ctx, persistence.SeenRecord{Network: "libera", Nick: "bob", Target: "#go", Text: "later", At: at.Add(time.Hour)}); err != nil {
		t.Fatalf("record: %v", err)
	}

	rec, err := store.LastSeen(ctx, "libera", "BOB")
	if err != nil {
		t.Fatalf("last seen: %v", err)
	}
	if rec == nil || rec.Text != "later" || rec.Target != "#go" || rec.Nick != "bob" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if !rec.At.Equal(at.Add(time.Hour)) {
		t.Fatalf("at = %v", rec.At)
	}

	if rec, err := store.LastSeen(ctx, "other", "bob"); err != nil || rec != nil {
		t.Fatalf("other network = %+v, %v", rec, err)
	}
}

func TestStore_PluginQuarantine(t *testing.T) {
	b := bus.New()
	defer b.Close()
	sub := b.Subscribe(bus.TopicPluginQuarantined)
	store, _ := openTestStore(t, b)
	ctx := context.Background()

	if err := store.UpsertPlugin(ctx, "dice", "wasm", "hash-1"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	for i := 1; i <= 3; i++ {
		q, err := store.IncrementPluginFault(ctx, "dice", "trap", 3)
		if err != nil {
			t.Fatalf("fault %d: %v", i, err)
		}
		if q != (i == 3) {
			t.Fatalf("fault %d: quarantined=%v", i, q)
		}
	}
	if q, _ := store.IsPluginQuarantined(ctx, "dice"); !q {
		t.Fatal("plugin not quarantined")
	}
	// Further faults do not report a fresh quarantine.
	if q, _ := store.IncrementPluginFault(ctx, "dice", "trap", 3); q {
		t.Fatal("quarantine reported twice")
	}
	select {
	case ev := <-sub.Ch():
		if p := ev.Payload.(bus.PluginQuarantined); p.Plugin != "dice" {
			t.Fatalf("payload = %+v", p)
		}
	default:
		t.Fatal("no quarantine event")
	}

	plugins, err := store.ListPlugins(ctx)
	if err != nil || len(plugins) != 1 {
		t.Fatalf("list = %+v, %v", plugins, err)
	}
	if plugins[0].FaultCount != 4 || plugins[0].LastFault != "trap" || plugins[0].LastFaultAt == nil {
		t.Fatalf("record = %+v", plugins[0])
	}

	// Same module again keeps the quarantine; a new module clears it.
	if err := store.UpsertPlugin(ctx, "dice", "wasm", "hash-1"); err != nil {
		t.Fatal(err)
	}
	if q, _ := store.IsPluginQuarantined(ctx, "dice"); !q {
		t.Fatal("rediscovery cleared quarantine")
	}
	if err := store.UpsertPlugin(ctx, "dice", "wasm", "hash-2"); err != nil {
		t.Fatal(err)
	}
	if q, _ := store.IsPluginQuarantined(ctx, "dice"); q {
		t.Fatal("replaced module still quarantined")
	}
}

func TestStore_ReenablePlugin(t *testing.T) {
	store, _ := openTestStore(t, nil)
	ctx := context.Background()
	if err := store.ReenablePlugin(ctx, "ghost"); err == nil {
		t.Fatal("expected error for unknown plugin")
	}
	if err := store.UpsertPlugin(ctx, "dice", "wasm", "h"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.IncrementPluginFault(ctx, "dice", "trap", 1); err != nil {
		t.Fatal(err)
	}
	if err := store.ReenablePlugin(ctx, "dice"); err != nil {
		t.Fatalf("reenable: %v", err)
	}
	if q, _ := store.IsPluginQuarantined(ctx, "dice"); q {
		t.Fatal("still quarantined")
	}
	if q, err := store.IncrementPluginFault(ctx, "unknown", "trap", 1); q || err != nil {
		t.Fatalf("unknown plugin fault = %v, %v", q, err)
	}
}
