package profiles

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/zalando/go-keyring"

	"github.com/ooni/vpncore/internal/model"
	"github.com/ooni/vpncore/pkg/config"
)

const profileText = `remote 10.0.0.1 1194
proto udp
auth-user-pass
<ca>
ca-data
</ca>
`

func openStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := Open(dir, model.NewTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSaveAndReload(t *testing.T) {
	keyring.MockInit()
	dir := t.TempDir()
	s := openStore(t, dir)

	e := &Entry{Name: "home", Config: profileText, Username: "alice"}
	if err := s.Save(e); err != nil {
		t.Fatal(err)
	}
	if e.ID == uuid.Nil || e.Version != 1 || e.Created.IsZero() {
		t.Fatalf("unexpected entry %+v", e)
	}
	if err := s.Save(e); err != nil {
		t.Fatal(err)
	}
	if e.Version != 2 {
		t.Fatalf("expected version 2, got %d", e.Version)
	}
	other := &Entry{Name: "office", Config: profileText}
	if err := s.Save(other); err != nil {
		t.Fatal(err)
	}

	reopened := openStore(t, dir)
	var names []string
	for _, entry := range reopened.List() {
		names = append(names, entry.Name)
	}
	if diff := cmp.Diff([]string{"home", "office"}, names); diff != "" {
		t.Fatal(diff)
	}
	got, err := reopened.Get(e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 2 || got.Username != "alice" || got.Config != profileText {
		t.Fatalf("unexpected entry %+v", got)
	}
}

func TestSaveRejectsInvalidEntries(t *testing.T) {
	s := openStore(t, t.TempDir())
	for name, e := range map[string]*Entry{
		"no name":     {Config: profileText},
		"bad profile": {Name: "x", Config: "<ca>\nunterminated\n"},
	} {
		if err := s.Save(e); !errors.Is(err, ErrInvalidEntry) {
			t.Errorf("%s: expected ErrInvalidEntry, got %v", name, err)
		}
	}
}

func TestTemporaryIsNotPersisted(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	e := &Entry{Name: "one-off", Config: profileText}
	if err := s.SetTemporary(e); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(e.ID); err != nil {
		t.Fatal(err)
	}
	if len(s.List()) != 0 {
		t.Fatal("the temporary profile should not be listed")
	}
	if _, err := os.Stat(filepath.Join(dir, storeFile)); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected no store file, got %v", err)
	}
	if _, err := openStore(t, dir).Get(e.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetVersion(t *testing.T) {
	saved := loadRetryInterval
	loadRetryInterval = 10 * time.Millisecond
	t.Cleanup(func() { loadRetryInterval = saved })

	dir := t.TempDir()
	reader := openStore(t, dir)
	writer := openStore(t, dir)
	e := &Entry{Name: "shared", Config: profileText}
	if err := writer.Save(e); err != nil {
		t.Fatal(err)
	}

	t.Run("picks up a concurrent write", func(t *testing.T) {
		got, err := reader.GetVersion(context.Background(), e.ID, 1, 5)
		if err != nil {
			t.Fatal(err)
		}
		if got.Version != 1 {
			t.Fatalf("unexpected version %d", got.Version)
		}
	})

	t.Run("gives up after the retries", func(t *testing.T) {
		_, err := reader.GetVersion(context.Background(), e.ID, 7, 2)
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("honors the context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := reader.GetVersion(ctx, uuid.New(), 1, 100)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	})
}

func TestLastConnectedAndAlwaysOn(t *testing.T) {
	keyring.MockInit()
	dir := t.TempDir()
	s := openStore(t, dir)
	e := &Entry{Name: "home", Config: profileText}
	if err := s.Save(e); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LastConnected(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.SetLastConnected(e.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.SetAlwaysOn(e.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.SetAlwaysOn(uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	reopened := openStore(t, dir)
	last, err := reopened.LastConnected()
	if err != nil {
		t.Fatal(err)
	}
	if last.ID != e.ID || last.LastUsed.IsZero() {
		t.Fatalf("unexpected entry %+v", last)
	}
	if on, err := reopened.AlwaysOn(); err != nil || on.ID != e.ID {
		t.Fatalf("unexpected always-on %+v, %v", on, err)
	}

	if err := reopened.Delete(e.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := reopened.AlwaysOn(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := reopened.Delete(e.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPasswords(t *testing.T) {
	keyring.MockInit()
	s := openStore(t, t.TempDir())
	e := &Entry{Name: "home", Config: profileText, Username: "alice"}
	if err := s.Save(e); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Password(e.ID); !errors.Is(err, ErrNoPassword) {
		t.Fatalf("expected ErrNoPassword, got %v", err)
	}

	p, err := s.Profile(e)
	if err != nil {
		t.Fatal(err)
	}
	if !p.AskPass || p.Username != "alice" || p.Password != "" {
		t.Fatalf("unexpected profile %+v", p)
	}

	if err := s.SetPassword(e.ID, "secret"); err != nil {
		t.Fatal(err)
	}
	p, err = s.Profile(e)
	if err != nil {
		t.Fatal(err)
	}
	if p.Username != "alice" || p.Password != "secret" {
		t.Fatalf("unexpected credentials %q %q", p.Username, p.Password)
	}
	if diff := cmp.Diff([]config.Endpoint{{Host: "10.0.0.1", Port: "1194", Proto: config.ProtoUDP}}, p.Remotes); diff != "" {
		t.Fatal(diff)
	}

	if err := s.Delete(e.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Password(e.ID); !errors.Is(err, ErrNoPassword) {
		t.Fatalf("expected ErrNoPassword after delete, got %v", err)
	}
}

func TestFailedSaveLeavesStoreUnchanged(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	s := openStore(t, dir)
	e := &Entry{Name: "home", Config: profileText}
	if err := s.Save(e); err != nil {
		t.Fatal(err)
	}

	// the file can no longer be written
	if err := os.RemoveAll(dir); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(e); err == nil {
		t.Fatal("expected an error")
	}
	if e.Version != 1 {
		t.Fatalf("expected version 1, got %d", e.Version)
	}
	got, err := s.Get(e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 1 {
		t.Fatalf("the store moved to version %d", got.Version)
	}

	fresh := &Entry{Name: "office", Config: profileText}
	if err := s.Save(fresh); err == nil {
		t.Fatal("expected an error")
	}
	if fresh.ID != uuid.Nil || fresh.Version != 0 {
		t.Fatalf("unexpected entry %+v", fresh)
	}
	if n := len(s.List()); n != 1 {
		t.Fatalf("expected 1 entry, got %d", n)
	}
}
