package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/klauspost/compress/zstd"

	"plotrelay.dev/internal/protocol"
	"plotrelay.dev/internal/sim/authority"
)

const (
	EntryAction   = "action"
	EntryDecision = "decision"
	EntrySlot     = "slot"
)

// Entry is one journal line.
type Entry struct {
	At       int64                     `json:"at"`
	Type     string                    `json:"type"`
	Envelope *protocol.Envelope        `json:"envelope,omitempty"`
	Decision *authority.DecisionRecord `json:"decision,omitempty"`
}

// Journal records everything the authority saw and decided, in order, as
// compressed JSONL under <dir>/journal-YYYY-MM-DD-HH.jsonl.zst.
type Journal struct {
	w *JSONLZstdWriter

	mu      sync.Mutex
	errs    uint64
	lastErr error
}

const journalPrefix = "journal"

func NewJournal(dir string) *Journal {
	return &Journal{w: NewJSONLZstdWriter(dir, journalPrefix)}
}

// OnSeal registers fn to receive each journal file once it is complete: at
// the hourly rotation and on Close. Set it before the first write.
func (j *Journal) OnSeal(fn func(path string)) { j.w.onSeal = fn }

func (j *Journal) ActionSeen(env protocol.Envelope) {
	j.write(Entry{Type: EntryAction, Envelope: &env})
}

func (j *Journal) Decided(rec authority.DecisionRecord) {
	j.write(Entry{Type: EntryDecision, Decision: &rec})
}

func (j *Journal) SlotPublished(env protocol.Envelope) {
	j.write(Entry{Type: EntrySlot, Envelope: &env})
}

func (j *Journal) write(e Entry) {
	e.At = j.w.now().Unix()
	if err := j.w.Write(e); err != nil {
		j.mu.Lock()
		j.errs++
		j.lastErr = err
		j.mu.Unlock()
	}
}

// Errors returns how many entries failed to write and the latest failure.
func (j *Journal) Errors() (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.errs, j.lastErr
}

func (j *Journal) Close() error { return j.w.Close() }

// Files lists the journal files in dir, oldest first.
func Files(dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, journalPrefix+"-*.jsonl.zst"))
	if err != nil {
		return nil, err
	}
	// The hour stamp sorts lexically.
	sort.Strings(files)
	return files, nil
}

// Replay feeds every entry in dir to fn in write order. The newest file may
// still be open or cut short by a crash; it ends at its last readable line.
func Replay(dir string, fn func(Entry) error) error {
	files, err := Files(dir)
	if err != nil {
		return err
	}
	for i, path := range files {
		if err := replayFile(path, i == len(files)-1, fn); err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
	}
	return nil
}

func replayFile(path string, tail bool, fn func(Entry) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 64*1024), 8<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			// Torn final line.
			return nil
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil && !tail && !errors.Is(err, io.ErrUnexpectedEOF) {
		return err
	}
	return nil
}
