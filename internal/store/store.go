package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/copilot-gateway/internal/model"
)

// FileStore persists the account registry as a flat apiKey -> record JSON
// object on disk. It is a pure I/O boundary: no business logic, no
// in-memory caching.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the registry dump. An absent or unreadable file yields an
// empty map: the store is the sole recovery mechanism across restarts, but
// a missing or corrupt dump must never abort startup.
func (s *FileStore) Load() map[string]*model.Account {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", s.path).Msg("failed to read accounts file, starting empty")
		}
		return map[string]*model.Account{}
	}

	accounts := map[string]*model.Account{}
	if err := json.Unmarshal(data, &accounts); err != nil {
		log.Warn().Err(err).Str("path", s.path).Msg("accounts file corrupt, starting empty")
		return map[string]*model.Account{}
	}
	return accounts
}

// Save writes the full registry dump with owner-only permissions. Each
// write goes through its own temp file in the target directory, so a crash
// mid-write never truncates the previous dump and overlapping saves never
// share a scratch path.
func (s *FileStore) Save(accounts map[string]*model.Account) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create accounts dir: %w", err)
	}

	data, err := json.MarshalIndent(accounts, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal accounts: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("create temp accounts file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write accounts file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write accounts file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("replace accounts file: %w", err)
	}
	return nil
}
