// Package profiles stores tunnel profiles on disk. Entries are keyed by
// UUID and persisted in a YAML file; saved passwords live in the OS
// keyring. The store also remembers the last connected profile, the
// always-on profile and one temporary profile that is never written.
package profiles

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zalando/go-keyring"
	"gopkg.in/yaml.v3"

	"github.com/ooni/vpncore/internal/model"
	"github.com/ooni/vpncore/pkg/config"
)

// keyringService is the service name of our keyring entries.
const keyringService = "vpncore"

// storeFile is the name of the YAML file inside the store directory.
const storeFile = "profiles.yaml"

var (
	// ErrNotFound means that no profile has the requested ID.
	ErrNotFound = errors.New("profiles: not found")

	// ErrNoPassword means that no password was saved for a profile.
	ErrNoPassword = errors.New("profiles: no saved password")

	// ErrInvalidEntry means that an entry cannot be saved.
	ErrInvalidEntry = errors.New("profiles: invalid entry")
)

// loadRetryInterval is the pause between reloads in [Store.GetVersion].
var loadRetryInterval = 100 * time.Millisecond

// Entry is a stored profile.
type Entry struct {
	// ID identifies the entry. Save assigns it when nil.
	ID uuid.UUID `yaml:"id"`

	// Name is a human-readable name.
	Name string `yaml:"name"`

	// Version is bumped on each save.
	Version int `yaml:"version"`

	// Config is the text of the OpenVPN profile with inline material.
	Config string `yaml:"config"`

	// Username overrides the credentials of the profile.
	Username string `yaml:"username,omitempty"`

	// SavePassword tells whether the password is in the keyring.
	SavePassword bool `yaml:"save_password"`

	// Temporary entries are kept in memory only.
	Temporary bool `yaml:"-"`

	Created  time.Time `yaml:"created"`
	LastUsed time.Time `yaml:"last_used,omitempty"`
}

// storeData is the layout of the YAML file.
type storeData struct {
	Profiles      []*Entry `yaml:"profiles"`
	LastConnected string   `yaml:"last_connected,omitempty"`
	AlwaysOn      string   `yaml:"always_on,omitempty"`
}

// Store is a profile store. It is safe for concurrent use.
type Store struct {
	dir    string
	logger model.Logger

	mu            sync.Mutex
	entries       map[uuid.UUID]*Entry
	temporary     *Entry
	lastConnected uuid.UUID
	alwaysOn      uuid.UUID
}

// Open opens the store in dir, creating the directory when needed.
func Open(dir string, logger model.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("profiles: %w", err)
	}
	s := &Store{
		dir:     dir,
		logger:  logger,
		entries: map[uuid.UUID]*Entry{},
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// load reads the file. It must be called with mu held or before sharing s.
func (s *Store) load() error {
	data, err := os.ReadFile(filepath.Join(s.dir, storeFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("profiles: %w", err)
	}
	var sd storeData
	if err := yaml.Unmarshal(data, &sd); err != nil {
		return fmt.Errorf("profiles: cannot parse %s: %w", storeFile, err)
	}
	entries := map[uuid.UUID]*Entry{}
	for _, e := range sd.Profiles {
		if e == nil || e.ID == uuid.Nil || e.Name == "" {
			s.logger.Warnf("profiles: skipping malformed entry %+v", e)
			continue
		}
		entries[e.ID] = e
	}
	s.entries = entries
	s.lastConnected = parseID(sd.LastConnected)
	s.alwaysOn = parseID(sd.AlwaysOn)
	return nil
}

func parseID(s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil
	}
	return id
}

func formatID(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}

// persist writes the file atomically. It must be called with mu held.
func (s *Store) persist() error {
	return s.persistWith(nil)
}

// persistWith writes the file as if pending, when not nil, replaced the
// entry with the same ID.
func (s *Store) persistWith(pending *Entry) error {
	sd := storeData{
		LastConnected: formatID(s.lastConnected),
		AlwaysOn:      formatID(s.alwaysOn),
	}
	for id, e := range s.entries {
		if pending == nil || id != pending.ID {
			sd.Profiles = append(sd.Profiles, e)
		}
	}
	if pending != nil {
		sd.Profiles = append(sd.Profiles, pending)
	}
	sort.Slice(sd.Profiles, func(i, j int) bool {
		return sd.Profiles[i].ID.String() < sd.Profiles[j].ID.String()
	})
	data, err := yaml.Marshal(&sd)
	if err != nil {
		return fmt.Errorf("profiles: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, storeFile+".*")
	if err != nil {
		return fmt.Errorf("profiles: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("profiles: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("profiles: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, storeFile)); err != nil {
		return fmt.Errorf("profiles: %w", err)
	}
	return nil
}

// Save validates e, bumps its version and writes it. A temporary entry
// replaces the previous temporary one and is not written. Neither e nor
// the store change when writing fails.
func (s *Store) Save(e *Entry) error {
	if e.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidEntry)
	}
	if _, err := config.DecodeProfile(strings.NewReader(e.Config), ""); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEntry, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	saved := *e
	if saved.ID == uuid.Nil {
		saved.ID = uuid.New()
	}
	if saved.Created.IsZero() {
		saved.Created = time.Now()
	}
	saved.Version++
	if !saved.Temporary {
		if err := s.persistWith(&saved); err != nil {
			return err
		}
	}
	*e = saved
	if e.Temporary {
		s.temporary = e
		return nil
	}
	s.entries[e.ID] = e
	return nil
}

// SetTemporary makes e the temporary profile.
func (s *Store) SetTemporary(e *Entry) error {
	e.Temporary = true
	return s.Save(e)
}

// Get returns the entry with the given ID, the temporary one included.
func (s *Store) Get(id uuid.UUID) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(id)
}

func (s *Store) get(id uuid.UUID) (*Entry, error) {
	if s.temporary != nil && s.temporary.ID == id {
		return s.temporary, nil
	}
	if e, ok := s.entries[id]; ok {
		return e, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// GetVersion returns the entry once its version is at least version,
// reloading the file at most tries times while another process may still
// be writing it.
func (s *Store) GetVersion(ctx context.Context, id uuid.UUID, version, tries int) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.get(id)
	for tried := 0; (err != nil || e.Version < version) && tried < tries; tried++ {
		s.mu.Unlock()
		select {
		case <-time.After(loadRetryInterval):
		case <-ctx.Done():
			s.mu.Lock()
			return nil, ctx.Err()
		}
		s.mu.Lock()
		if lerr := s.load(); lerr != nil {
			s.logger.Warnf("profiles: reload: %s", lerr)
		}
		e, err = s.get(id)
	}
	if err != nil {
		return nil, err
	}
	if e.Version < version {
		return nil, fmt.Errorf("%w: %s has version %d, want %d", ErrNotFound, id, e.Version, version)
	}
	return e, nil
}

// List returns the saved entries sorted by name.
func (s *Store) List() []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Delete removes an entry and its saved password.
func (s *Store) Delete(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.temporary != nil && s.temporary.ID == id {
		s.temporary = nil
		return nil
	}
	if _, ok := s.entries[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.entries, id)
	if s.lastConnected == id {
		s.lastConnected = uuid.Nil
	}
	if s.alwaysOn == id {
		s.alwaysOn = uuid.Nil
	}
	if err := keyring.Delete(keyringService, id.String()); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		s.logger.Warnf("profiles: keyring: %s", err)
	}
	return s.persist()
}

// SetLastConnected records the profile to reconnect when restarting and
// updates its last use. A nil ID clears it.
func (s *Store) SetLastConnected(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != uuid.Nil {
		e, err := s.get(id)
		if err != nil {
			return err
		}
		e.LastUsed = time.Now()
	}
	s.lastConnected = id
	return s.persist()
}

// LastConnected returns the last connected profile.
func (s *Store) LastConnected() (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(s.lastConnected)
}

// SetAlwaysOn selects the profile to connect at startup. A nil ID clears it.
func (s *Store) SetAlwaysOn(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != uuid.Nil {
		if _, ok := s.entries[id]; !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
	}
	s.alwaysOn = id
	return s.persist()
}

// AlwaysOn returns the always-on profile.
func (s *Store) AlwaysOn() (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(s.alwaysOn)
}

// SetPassword saves the password of an entry in the keyring.
func (s *Store) SetPassword(id uuid.UUID, password string) error {
	e, err := s.Get(id)
	if err != nil {
		return err
	}
	if err := keyring.Set(keyringService, id.String(), password); err != nil {
		return fmt.Errorf("profiles: keyring: %w", err)
	}
	s.mu.Lock()
	e.SavePassword = true
	s.mu.Unlock()
	return nil
}

// Password returns the saved password of an entry.
func (s *Store) Password(id uuid.UUID) (string, error) {
	password, err := keyring.Get(keyringService, id.String())
	if errors.Is(err, keyring.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrNoPassword, id)
	}
	if err != nil {
		return "", fmt.Errorf("profiles: keyring: %w", err)
	}
	return password, nil
}

// Profile parses the entry and fills the credentials. Only inline
// material is accepted.
func (s *Store) Profile(e *Entry) (*config.Profile, error) {
	p, err := config.DecodeProfile(strings.NewReader(e.Config), "")
	if err != nil {
		return nil, err
	}
	if e.Username != "" {
		p.Username = e.Username
	}
	if e.SavePassword {
		password, err := s.Password(e.ID)
		if err != nil {
			return nil, err
		}
		p.Password = password
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
