// Package journal records pipeline events as append-only JSONL segments,
// one directory per conversation under <root>/journal/. Writes are
// fire-and-forget: failures are logged, never surfaced to the pipeline.
package journal

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/haasonsaas/relay/internal/storage"
	"github.com/haasonsaas/relay/pkg/models"
)

const indexFilename = "_index.json"

var jsonl = jsoniter.ConfigCompatibleWithStandardLibrary

// segmentInfo is one entry of the journal's simple index.
type segmentInfo struct {
	File      string `json:"file"`
	SizeBytes int64  `json:"sizeBytes"`
}

type segmentIndex struct {
	Segments []segmentInfo `json:"segments"`
}

// tail is the in-memory cached state of a conversation's last segment.
// Size is flushed to the index only on rollover.
type tail struct {
	index segmentIndex
	// liveSize tracks bytes appended since the index was last flushed.
	liveSize int64
	loaded   bool
}

// Options tunes journal rollover.
type Options struct {
	// MaxSegmentSizeBytes triggers rollover. Default 1 MiB.
	MaxSegmentSizeBytes int64
	// MaxSegments retained per conversation. Default 10.
	MaxSegments int
}

func (o *Options) applyDefaults() {
	if o.MaxSegmentSizeBytes <= 0 {
		o.MaxSegmentSizeBytes = 1 << 20
	}
	if o.MaxSegments <= 0 {
		o.MaxSegments = 10
	}
}

// Journal is the event journal. A nil *Journal is valid and discards all
// records, which is how journaling is disabled.
type Journal struct {
	root   string
	opts   Options
	logger *slog.Logger

	mu    sync.Mutex
	tails map[string]*tail
}

// New creates a journal rooted at <root> (callers pass <dataRoot>/journal).
func New(root string, opts Options, logger *slog.Logger) *Journal {
	opts.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{
		root:   root,
		opts:   opts,
		logger: logger.With("component", "journal"),
		tails:  make(map[string]*tail),
	}
}

// Record appends one event. It never returns an error; failures are logged.
func (j *Journal) Record(entry models.JournalEntry) {
	if j == nil {
		return
	}
	if entry.TS == "" {
		entry.TS = time.Now().UTC().Format(time.RFC3339)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	key := entry.ChannelID + ":" + entry.ConversationID
	t := j.tails[key]
	if t == nil {
		t = &tail{}
		j.tails[key] = t
	}

	dir := j.conversationDir(entry.ChannelID, entry.ConversationID)
	if !t.loaded {
		if err := storage.ReadJSON(filepath.Join(dir, indexFilename), &t.index); err != nil && !os.IsNotExist(err) {
			j.logger.Warn("journal index unreadable, starting fresh", "error", err)
		}
		if n := len(t.index.Segments); n > 0 {
			t.liveSize = t.index.Segments[n-1].SizeBytes
		}
		t.loaded = true
	}

	line, err := jsonl.Marshal(&entry)
	if err != nil {
		j.logger.Warn("journal marshal failed", "event", entry.Event, "error", err)
		return
	}
	line = append(line, '\n')

	rolled := false
	if len(t.index.Segments) == 0 || t.liveSize >= j.opts.MaxSegmentSizeBytes {
		t.index.Segments = append(t.index.Segments, segmentInfo{File: segmentFilename(time.Now().UTC(), len(t.index.Segments))})
		t.liveSize = 0
		rolled = true
	}
	seg := &t.index.Segments[len(t.index.Segments)-1]

	if err := os.MkdirAll(dir, 0o755); err != nil {
		j.logger.Warn("journal dir create failed", "error", err)
		return
	}
	if err := appendLine(filepath.Join(dir, seg.File), line); err != nil {
		j.logger.Warn("journal append failed", "error", err)
		return
	}
	t.liveSize += int64(len(line))

	if rolled {
		for len(t.index.Segments) > j.opts.MaxSegments {
			oldest := t.index.Segments[0]
			t.index.Segments = t.index.Segments[1:]
			_ = os.Remove(filepath.Join(dir, oldest.File))
		}
		// Flush persisted sizes on rollover only; the live tail size stays
		// in memory.
		if len(t.index.Segments) > 1 {
			t.index.Segments[len(t.index.Segments)-2].SizeBytes = sizeOnDisk(dir, t.index.Segments[len(t.index.Segments)-2].File)
		}
		if err := storage.WriteJSONAtomic(filepath.Join(dir, indexFilename), &t.index); err != nil {
			j.logger.Warn("journal index flush failed", "error", err)
		}
	}
}

// Query returns up to limit entries for the given filters, newest first.
// Empty channelID/conversationID match everything.
func (j *Journal) Query(channelID, conversationID string, limit int) ([]models.JournalEntry, error) {
	if j == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}

	var dirs []string
	switch {
	case channelID != "" && conversationID != "":
		dirs = []string{j.conversationDir(channelID, conversationID)}
	default:
		channels, err := os.ReadDir(j.root)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, err
		}
		for _, ch := range channels {
			if !ch.IsDir() || (channelID != "" && ch.Name() != sanitize(channelID)) {
				continue
			}
			convs, err := os.ReadDir(filepath.Join(j.root, ch.Name()))
			if err != nil {
				continue
			}
			for _, conv := range convs {
				if conv.IsDir() {
					dirs = append(dirs, filepath.Join(j.root, ch.Name(), conv.Name()))
				}
			}
		}
	}

	var all []models.JournalEntry
	for _, dir := range dirs {
		all = append(all, j.readDir(dir)...)
	}

	// Newest first.
	for i, k := 0, len(all)-1; i < k; i, k = i+1, k-1 {
		all[i], all[k] = all[k], all[i]
	}
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (j *Journal) readDir(dir string) []models.JournalEntry {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var entries []models.JournalEntry
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".jsonl") {
			continue
		}
		fh, err := os.Open(filepath.Join(dir, f.Name()))
		if err != nil {
			continue
		}
		scanner := bufio.NewScanner(fh)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var entry models.JournalEntry
			if err := jsonl.Unmarshal(line, &entry); err != nil {
				j.logger.Warn("skipping corrupt journal line", "file", f.Name(), "error", err)
				continue
			}
			entries = append(entries, entry)
		}
		fh.Close()
	}
	return entries
}

func (j *Journal) conversationDir(channelID, conversationID string) string {
	return filepath.Join(j.root, sanitize(channelID), sanitize(conversationID))
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

func sizeOnDisk(dir, file string) int64 {
	info, err := os.Stat(filepath.Join(dir, file))
	if err != nil {
		return 0
	}
	return info.Size()
}

func segmentFilename(t time.Time, n int) string {
	name := strings.ReplaceAll(t.Format("2006-01-02T15:04:05Z"), ":", "-")
	if n > 0 {
		return fmt.Sprintf("%s-%d.jsonl", name, n)
	}
	return name + ".jsonl"
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, s)
}
