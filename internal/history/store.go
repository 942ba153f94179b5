// Package history implements the durable conversation history store:
// append-only JSONL segment files per conversation plus an atomically
// written segment index.
package history

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/haasonsaas/relay/internal/storage"
	"github.com/haasonsaas/relay/pkg/models"
)

const indexFilename = "_index.json"

var jsonl = jsoniter.ConfigCompatibleWithStandardLibrary

// Options tunes segment rollover and retention.
type Options struct {
	// MaxSegmentSizeBytes triggers rollover once the last persisted segment
	// size reaches it. Default 524288.
	MaxSegmentSizeBytes int64

	// MaxSegments is the retained segment count per conversation; the oldest
	// segment is evicted beyond it. Default 20.
	MaxSegments int
}

func (o *Options) applyDefaults() {
	if o.MaxSegmentSizeBytes <= 0 {
		o.MaxSegmentSizeBytes = 524288
	}
	if o.MaxSegments <= 0 {
		o.MaxSegments = 20
	}
}

// Store is the segmented history store. One directory per conversation:
// <root>/<channelId>/<conversationId>/ holding JSONL segments and _index.json.
//
// Callers serialize writes per conversation with the conversation mutex;
// the store itself does not lock.
type Store struct {
	root   string
	opts   Options
	logger *slog.Logger
}

// NewStore creates a history store rooted at root.
func NewStore(root string, opts Options, logger *slog.Logger) *Store {
	opts.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		root:   root,
		opts:   opts,
		logger: logger.With("component", "history"),
	}
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// conversationDir returns the directory for one conversation.
func (s *Store) conversationDir(channelID, conversationID string) string {
	return filepath.Join(s.root, sanitize(channelID), sanitize(conversationID))
}

// Append assigns contiguous seq values to the entries and appends them as
// JSONL lines, rolling over and evicting segments per the options. The index
// is written atomically after the whole batch.
func (s *Store) Append(channelID, conversationID string, entries ...models.HistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}

	dir := s.conversationDir(channelID, conversationID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create conversation dir: %w", err)
	}

	index, err := s.readIndex(dir)
	if err != nil {
		return err
	}

	for i := range entries {
		// Rollover decision uses the last persisted segment size.
		if len(index.Segments) == 0 ||
			index.Segments[len(index.Segments)-1].SizeBytes >= s.opts.MaxSegmentSizeBytes {
			index.Segments = append(index.Segments, models.SegmentMeta{
				File:      uniqueSegmentName(index.Segments, time.Now().UTC()),
				FirstSeq:  index.NextSeq,
				LastSeq:   index.NextSeq - 1,
				StartedAt: isoNow(),
			})
		}
		seg := &index.Segments[len(index.Segments)-1]

		entries[i].Seq = index.NextSeq
		if entries[i].TS == "" {
			entries[i].TS = isoNow()
		}

		line, err := jsonl.Marshal(&entries[i])
		if err != nil {
			return fmt.Errorf("marshal entry: %w", err)
		}
		line = append(line, '\n')

		if err := appendLine(filepath.Join(dir, seg.File), line); err != nil {
			return fmt.Errorf("append segment line: %w", err)
		}

		seg.LastSeq = entries[i].Seq
		seg.Count++
		seg.SizeBytes += int64(len(line))
		seg.EndedAt = entries[i].TS
		index.NextSeq++
	}

	for len(index.Segments) > s.opts.MaxSegments {
		oldest := index.Segments[0]
		index.Segments = index.Segments[1:]
		if err := os.Remove(filepath.Join(dir, oldest.File)); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to evict segment", "file", oldest.File, "error", err)
		}
	}

	return storage.WriteJSONAtomic(filepath.Join(dir, indexFilename), index)
}

// GetMessages returns the trailing limit entries in sequence order. Segments
// are read newest-first until enough entries are collected. Corrupt lines are
// skipped with a warning.
func (s *Store) GetMessages(channelID, conversationID string, limit int) ([]models.HistoryEntry, error) {
	dir := s.conversationDir(channelID, conversationID)

	index, err := s.readIndex(dir)
	if err != nil {
		return nil, err
	}
	if len(index.Segments) == 0 {
		return nil, nil
	}

	var collected []models.HistoryEntry
	for i := len(index.Segments) - 1; i >= 0; i-- {
		entries, err := s.readSegment(filepath.Join(dir, index.Segments[i].File))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		collected = append(entries, collected...)
		if limit > 0 && len(collected) >= limit {
			break
		}
	}

	sort.Slice(collected, func(i, j int) bool { return collected[i].Seq < collected[j].Seq })
	if limit > 0 && len(collected) > limit {
		collected = collected[len(collected)-limit:]
	}
	return collected, nil
}

// Clear removes all segments and the index for a conversation.
func (s *Store) Clear(channelID, conversationID string) error {
	dir := s.conversationDir(channelID, conversationID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clear conversation: %w", err)
	}
	return nil
}

// ListConversations enumerates (channelId, conversationId) pairs present in
// the store.
func (s *Store) ListConversations() ([][2]string, error) {
	channels, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out [][2]string
	for _, ch := range channels {
		if !ch.IsDir() {
			continue
		}
		convs, err := os.ReadDir(filepath.Join(s.root, ch.Name()))
		if err != nil {
			continue
		}
		for _, conv := range convs {
			if conv.IsDir() {
				out = append(out, [2]string{ch.Name(), conv.Name()})
			}
		}
	}
	return out, nil
}

// Index returns the segment index for a conversation. Intended for tests and
// the dashboard.
func (s *Store) Index(channelID, conversationID string) (*models.SegmentIndex, error) {
	return s.readIndex(s.conversationDir(channelID, conversationID))
}

func (s *Store) readIndex(dir string) (*models.SegmentIndex, error) {
	index := &models.SegmentIndex{NextSeq: 1}
	err := storage.ReadJSON(filepath.Join(dir, indexFilename), index)
	if err != nil {
		if os.IsNotExist(err) {
			return &models.SegmentIndex{NextSeq: 1}, nil
		}
		return nil, fmt.Errorf("read index: %w", err)
	}
	if index.NextSeq < 1 {
		index.NextSeq = 1
	}
	return index, nil
}

func (s *Store) readSegment(path string) ([]models.HistoryEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []models.HistoryEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry models.HistoryEntry
		if err := jsonl.Unmarshal(line, &entry); err != nil {
			s.logger.Warn("skipping corrupt history line",
				"file", filepath.Base(path), "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("scan segment: %w", err)
	}
	return entries, nil
}

func appendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// segmentFilename formats the segment name as an ISO timestamp with colons
// replaced, e.g. 2025-01-02T15-04-05Z.jsonl.
func segmentFilename(t time.Time) string {
	name := t.Format("2006-01-02T15:04:05Z")
	return strings.ReplaceAll(name, ":", "-") + ".jsonl"
}

// uniqueSegmentName avoids reusing a live segment file when two rollovers
// land within the same second.
func uniqueSegmentName(existing []models.SegmentMeta, t time.Time) string {
	name := segmentFilename(t)
	taken := func(n string) bool {
		for _, seg := range existing {
			if seg.File == n {
				return true
			}
		}
		return false
	}
	if !taken(name) {
		return name
	}
	base := strings.TrimSuffix(name, ".jsonl")
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s-%d.jsonl", base, i)
		if !taken(candidate) {
			return candidate
		}
	}
}

func isoNow() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// sanitize keeps ids filesystem-safe.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, s)
}
