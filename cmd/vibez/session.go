package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var errNotLoggedIn = errors.New("not logged in, run `vibez login` first")

type session struct {
	Server   string `json:"server"`
	Token    string `json:"access_token"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

func loadSession(path string) (session, error) {
	var s session
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("read session: %w", err)
	}
	if err := json.Unmarshal(b, &s); err != nil {
		return session{}, fmt.Errorf("session file %s is corrupt: %w", path, err)
	}
	return s, nil
}

func saveSession(path string, s session) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

func clearSession(path string) error {
	err := os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (a *app) requireSession() error {
	if a.session.Token == "" {
		return errNotLoggedIn
	}
	return nil
}
