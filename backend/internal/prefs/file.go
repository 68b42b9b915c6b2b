package prefs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// fileStore keeps preferences in two JSON files, rewritten on every change:
// a map of user ID to voice, and the bot's own voice.
type fileStore struct {
	*memoryStore
	userPath string
	botPath  string
}

func newFileStore(userPath, botPath string, def Voice) (*fileStore, error) {
	s := &fileStore{memoryStore: newMemoryStore(def), userPath: userPath, botPath: botPath}

	if err := readJSON(userPath, &s.users); err != nil {
		return nil, fmt.Errorf("failed to load user voices: %w", err)
	}
	if s.users == nil {
		s.users = make(map[string]Voice)
	}

	var bot Voice
	switch err := readJSON(botPath, &bot); {
	case err != nil:
		return nil, fmt.Errorf("failed to load bot voice: %w", err)
	case bot.SpeakerID != 0 || bot.Name != "":
		s.bot = &bot
	}
	return s, nil
}

func (s *fileStore) SetUserVoice(ctx context.Context, userID string, v Voice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userID] = v
	return writeJSON(s.userPath, s.users)
}

func (s *fileStore) SetBotVoice(ctx context.Context, v Voice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bot = &v
	return writeJSON(s.botPath, v)
}

// readJSON leaves v untouched when the file does not exist
func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
