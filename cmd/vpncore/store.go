package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/apex/log"
	"github.com/google/uuid"

	"github.com/ooni/vpncore/pkg/config"
	"github.com/ooni/vpncore/pkg/profiles"
)

// defaultStoreDir is where profiles live unless --store says otherwise.
func defaultStoreDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".vpncore"
	}
	return filepath.Join(dir, "vpncore")
}

// findEntry looks an entry up by ID or by name.
func findEntry(store *profiles.Store, ref string) (*profiles.Entry, error) {
	if id, err := uuid.Parse(ref); err == nil {
		return store.Get(id)
	}
	for _, e := range store.List() {
		if e.Name == ref {
			return e, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", profiles.ErrNotFound, ref)
}

// importProfile saves the profile file at path under name. The file must
// carry its material inline.
func importProfile(store *profiles.Store, name, path string) (*profiles.Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	e, err := findEntry(store, name)
	if errors.Is(err, profiles.ErrNotFound) {
		e = &profiles.Entry{Name: name}
	} else if err != nil {
		return nil, err
	}
	e.Config = string(data)
	if err := store.Save(e); err != nil {
		return nil, err
	}
	log.Infof("saved profile %s (%s) version %d", e.Name, e.ID, e.Version)
	return e, nil
}

// storedProfile returns the profile of the entry, falling back to the
// always-on and then to the last connected entry when ref is empty.
func storedProfile(store *profiles.Store, ref string) (*profiles.Entry, *config.Profile, error) {
	var (
		e   *profiles.Entry
		err error
	)
	switch {
	case ref != "":
		e, err = findEntry(store, ref)
	default:
		if e, err = store.AlwaysOn(); errors.Is(err, profiles.ErrNotFound) {
			e, err = store.LastConnected()
		}
	}
	if err != nil {
		return nil, nil, err
	}
	p, err := store.Profile(e)
	if errors.Is(err, profiles.ErrNoPassword) {
		log.Warnf("no saved password for %s", e.Name)
		unsaved := *e
		unsaved.SavePassword = false
		p, err = store.Profile(&unsaved)
	}
	if err != nil {
		return nil, nil, err
	}
	return e, p, nil
}

func listProfiles(store *profiles.Store) {
	for _, e := range store.List() {
		fmt.Printf("%s  %-20s  v%d  last used %s\n", e.ID, e.Name, e.Version, lastUsed(e))
	}
}

func lastUsed(e *profiles.Entry) string {
	if e.LastUsed.IsZero() {
		return "never"
	}
	return e.LastUsed.Format("2006-01-02 15:04")
}
