package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

// legacyEntry is one record of the old flat-JSON history format:
// ./data/history/<channelId>/<conversationId>.json holding an array.
type legacyEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// MigrateLegacy replays a legacy flat-JSON history directory into the
// segmented store. It runs only when the new root is empty. The legacy
// directory is renamed to <path>.bak afterwards. Per-file errors are counted
// and logged; they never abort the migration.
func (s *Store) MigrateLegacy(legacyDir string) error {
	if _, err := os.Stat(legacyDir); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if populated, err := s.populated(); err != nil {
		return err
	} else if populated {
		s.logger.Debug("history root already populated, skipping legacy migration")
		return nil
	}

	channels, err := os.ReadDir(legacyDir)
	if err != nil {
		return fmt.Errorf("read legacy dir: %w", err)
	}

	var migrated, failed int
	for _, ch := range channels {
		if !ch.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(legacyDir, ch.Name()))
		if err != nil {
			failed++
			s.logger.Warn("legacy channel unreadable", "channel", ch.Name(), "error", err)
			continue
		}
		for _, file := range files {
			if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
				continue
			}
			path := filepath.Join(legacyDir, ch.Name(), file.Name())
			conversationID := strings.TrimSuffix(file.Name(), ".json")
			if err := s.migrateFile(path, ch.Name(), conversationID); err != nil {
				failed++
				s.logger.Warn("legacy file migration failed", "file", path, "error", err)
				continue
			}
			migrated++
		}
	}

	if err := os.Rename(legacyDir, legacyDir+".bak"); err != nil {
		return fmt.Errorf("rename legacy dir: %w", err)
	}

	s.logger.Info("legacy history migrated", "files", migrated, "errors", failed)
	return nil
}

func (s *Store) migrateFile(path, channelID, conversationID string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var legacy []legacyEntry
	if err := json.Unmarshal(data, &legacy); err != nil {
		return fmt.Errorf("parse legacy history: %w", err)
	}

	// The legacy format has no per-entry timestamps; use the file mtime.
	ts := time.Now().UTC()
	if info, err := os.Stat(path); err == nil {
		ts = info.ModTime().UTC()
	}
	iso := ts.Format(time.RFC3339)

	entries := make([]models.HistoryEntry, 0, len(legacy))
	for _, le := range legacy {
		role := models.Role(le.Role)
		switch role {
		case models.RoleUser, models.RoleAssistant, models.RoleSystem, models.RoleTool:
		default:
			role = models.RoleUser
		}
		entries = append(entries, models.HistoryEntry{
			TS:      iso,
			Role:    role,
			Content: le.Content,
		})
	}

	return s.Append(channelID, conversationID, entries...)
}

// populated reports whether the store root contains any conversation dirs.
func (s *Store) populated() (bool, error) {
	convs, err := s.ListConversations()
	if err != nil {
		return false, err
	}
	return len(convs) > 0, nil
}
