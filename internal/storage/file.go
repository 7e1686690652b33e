package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"relaybot/internal/relay"
	logx "relaybot/pkg/logx"
)

// maxReplayedOutcomes bounds how much of the jsonl tail is kept in memory
// for reads; the file itself keeps everything until pruned.
const maxReplayedOutcomes = 10000

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.outcomes.jsonl  (append-only JSON Lines)
//   - <prefix>.settings.json   (snapshot, rewritten on change)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	outcomesPath string
	outcomesFile *os.File
	recent       []relay.Outcome

	settingsPath string
	settings     map[string]string
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	outcomesPath := prefix + ".outcomes.jsonl"
	settingsPath := prefix + ".settings.json"

	recent, err := replayOutcomes(outcomesPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("outcome log replay failed", logx.Err(err))
	}

	settings := map[string]string{}
	if err := loadSettings(settingsPath, settings); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("settings load failed", logx.Err(err))
	}

	of, err := os.OpenFile(outcomesPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:          log,
		outcomesPath: outcomesPath,
		outcomesFile: of,
		recent:       recent,
		settingsPath: settingsPath,
		settings:     settings,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcomesFile == nil {
		return nil
	}
	err := s.outcomesFile.Close()
	s.outcomesFile = nil
	return err
}

func (s *fileStore) AppendOutcome(ctx context.Context, o relay.Outcome) error {
	_ = ctx
	if o.At.IsZero() {
		o.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcomesFile == nil {
		return errors.New("outcome log closed")
	}
	if err := json.NewEncoder(s.outcomesFile).Encode(o); err != nil {
		return err
	}
	s.recent = append(s.recent, o)
	if len(s.recent) > maxReplayedOutcomes {
		s.recent = s.recent[len(s.recent)-maxReplayedOutcomes:]
	}
	return nil
}

func (s *fileStore) OutcomesSince(ctx context.Context, since time.Time, limit int) ([]relay.Outcome, error) {
	_ = ctx
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []relay.Outcome
	for _, o := range s.recent {
		if o.At.Before(since) {
			continue
		}
		out = append(out, o)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *fileStore) StatsSince(ctx context.Context, since time.Time) (relay.Stats, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	st := relay.Stats{Since: since, ByStatus: map[relay.Status]int{}}
	for _, o := range s.recent {
		if o.At.Before(since) {
			continue
		}
		st.Total++
		st.ByStatus[o.Status]++
	}
	return st, nil
}

func (s *fileStore) PruneOutcomesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcomesFile == nil {
		return 0, errors.New("outcome log closed")
	}

	var kept []relay.Outcome
	var removed int64
	for _, o := range s.recent {
		if o.At.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, o)
	}

	// Rewrite atomically: everything older than the in-memory tail is
	// dropped along with the pruned records.
	tmp := s.outcomesPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(f)
	for _, o := range kept {
		if err := enc.Encode(o); err != nil {
			_ = f.Close()
			return 0, err
		}
	}
	if err := f.Close(); err != nil {
		return 0, err
	}
	if err := s.outcomesFile.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp, s.outcomesPath); err != nil {
		return 0, err
	}
	of, err := os.OpenFile(s.outcomesPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	s.outcomesFile = of
	s.recent = kept
	return removed, nil
}

func (s *fileStore) PutSetting(ctx context.Context, key, value string) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settings == nil {
		s.settings = map[string]string{}
	}
	s.settings[key] = value
	return s.saveSettingsLocked()
}

func (s *fileStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.settings[strings.TrimSpace(key)]
	return v, ok, nil
}

func (s *fileStore) saveSettingsLocked() error {
	tmp := s.settingsPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.settings); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.settingsPath)
}

func replayOutcomes(path string) ([]relay.Outcome, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []relay.Outcome
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var o relay.Outcome
		if err := json.Unmarshal(sc.Bytes(), &o); err != nil {
			continue
		}
		out = append(out, o)
		if len(out) > maxReplayedOutcomes {
			out = out[1:]
		}
	}
	return out, sc.Err()
}

func loadSettings(path string, out map[string]string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]string
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}
