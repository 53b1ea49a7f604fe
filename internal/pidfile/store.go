package pidfile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

var (
	// ErrAlreadyClaimed is returned by Claim when a live process holds the slot.
	ErrAlreadyClaimed = errors.New("slot already claimed")
	// ErrNotFound is returned by Read when the slot has no record.
	ErrNotFound = errors.New("no pid record")
	// ErrCorrupt is returned by Read when the record cannot be parsed.
	ErrCorrupt = errors.New("corrupt pid record")
)

// LiveFunc reports whether rec still refers to the process that wrote it.
type LiveFunc func(rec Record) bool

// Store keeps one pid file per slot in a single directory.
//
// Every change to a slot's file happens under that slot's exclusive file
// lock, so replacing a stale record and claiming the slot is one step for
// competing processes. A file is only ever created complete: content goes to
// a temp file which is then hard-linked to the slot name, so readers take no
// lock and never observe a half-written pid.
type Store struct {
	dir  string
	live LiveFunc
}

// New returns a store rooted at dir. live decides whether an existing record
// blocks a claim; a nil live treats every existing record as live.
func New(dir string, live LiveFunc) *Store {
	return &Store{dir: dir, live: live}
}

func (s *Store) Dir() string { return s.dir }

// Path returns the pid file path for slot.
func (s *Store) Path(slot Slot) string { return filepath.Join(s.dir, slot.FileName()) }

func (s *Store) lockPath(slot Slot) string {
	return filepath.Join(s.dir, "."+slot.Name()+".lock")
}

// Claim registers rec.PID as the owner of rec.Slot. A stale or corrupt
// record is replaced; a live one fails with ErrAlreadyClaimed.
func (s *Store) Claim(rec Record) error {
	if rec.PID <= 0 {
		return fmt.Errorf("claim %s: invalid pid %d", rec.Slot, rec.PID)
	}
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return fmt.Errorf("claim %s: %w", rec.Slot, err)
	}
	unlock, err := s.lock(rec.Slot)
	if err != nil {
		return fmt.Errorf("claim %s: %w", rec.Slot, err)
	}
	defer unlock()

	cur, err := s.Read(rec.Slot)
	switch {
	case errors.Is(err, ErrNotFound):
	case errors.Is(err, ErrCorrupt):
		if err := s.remove(rec.Slot); err != nil {
			return fmt.Errorf("claim %s: %w", rec.Slot, err)
		}
	case err != nil:
		return fmt.Errorf("claim %s: %w", rec.Slot, err)
	case cur.PID == rec.PID:
		return nil
	case s.live == nil || s.live(cur):
		return fmt.Errorf("%w: %s held by pid %d", ErrAlreadyClaimed, rec.Slot, cur.PID)
	default:
		if err := s.remove(rec.Slot); err != nil {
			return fmt.Errorf("claim %s: %w", rec.Slot, err)
		}
	}

	if err := s.create(rec); err != nil {
		if errors.Is(err, fs.ErrExist) {
			// written by something that bypassed the lock
			return fmt.Errorf("%w: %s", ErrAlreadyClaimed, rec.Slot)
		}
		return fmt.Errorf("claim %s: %w", rec.Slot, err)
	}
	return nil
}

// Read returns the record of slot.
func (s *Store) Read(slot Slot) (Record, error) {
	b, err := os.ReadFile(s.Path(slot))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Record{}, fmt.Errorf("%w: %s", ErrNotFound, slot)
		}
		return Record{}, err
	}
	return decode(slot, b)
}

// Release removes the record of slot. Releasing an absent slot is not an error.
func (s *Store) Release(slot Slot) error {
	unlock, err := s.lock(slot)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("release %s: %w", slot, err)
	}
	defer unlock()
	if err := s.remove(slot); err != nil {
		return fmt.Errorf("release %s: %w", slot, err)
	}
	return nil
}

// ReleaseIf removes the record of rec.Slot only while it still names rec.PID,
// so a successor's claim is never deleted by a late cleanup.
func (s *Store) ReleaseIf(rec Record) error {
	return s.releaseWhen(rec.Slot, func(cur Record, err error) bool {
		return err == nil && cur.PID == rec.PID
	})
}

// ReleaseCorrupt removes the record of slot only while it is still unparsable.
func (s *Store) ReleaseCorrupt(slot Slot) error {
	return s.releaseWhen(slot, func(_ Record, err error) bool {
		return errors.Is(err, ErrCorrupt)
	})
}

func (s *Store) releaseWhen(slot Slot, match func(Record, error) bool) error {
	unlock, err := s.lock(slot)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("release %s: %w", slot, err)
	}
	defer unlock()

	cur, err := s.Read(slot)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil && !errors.Is(err, ErrCorrupt) {
		return fmt.Errorf("release %s: %w", slot, err)
	}
	if !match(cur, err) {
		return nil
	}
	if err := s.remove(slot); err != nil {
		return fmt.Errorf("release %s: %w", slot, err)
	}
	return nil
}

// Slots lists the slots of role that currently have a pid file, by index.
func (s *Store) Slots(role Role) ([]Slot, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []Slot
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		slot, ok := parseFileName(e.Name())
		if !ok || slot.Role != role {
			continue
		}
		out = append(out, slot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

// lock blocks until it holds the exclusive lock of slot. The lock file stays
// behind; removing it would let two holders lock different inodes.
func (s *Store) lock(slot Slot) (unlock func(), err error) {
	f, err := os.OpenFile(s.lockPath(slot), os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("lock %s: %w", slot, err)
	}
	return func() {
		_ = unlockFile(f)
		_ = f.Close()
	}, nil
}

func (s *Store) remove(slot Slot) error {
	if err := os.Remove(s.Path(slot)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *Store) create(rec Record) error {
	tmp, err := os.CreateTemp(s.dir, "."+rec.Slot.Name()+".*.tmp")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(encode(rec)); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Link(tmp.Name(), s.Path(rec.Slot))
}

func encode(rec Record) []byte {
	var buf bytes.Buffer
	buf.WriteString(strconv.Itoa(rec.PID))
	buf.WriteByte('\n')
	if rec.Meta != (Meta{}) {
		mb, _ := json.Marshal(rec.Meta)
		buf.Write(mb)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

func decode(slot Slot, b []byte) (Record, error) {
	pidLine, rest, _ := strings.Cut(strings.ReplaceAll(string(b), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(pidLine))
	if err != nil || pid <= 0 {
		return Record{}, fmt.Errorf("%w: %s: %q", ErrCorrupt, slot, strings.TrimSpace(pidLine))
	}
	rec := Record{Slot: slot, PID: pid}
	metaLine, _, _ := strings.Cut(rest, "\n")
	if metaLine = strings.TrimSpace(metaLine); metaLine != "" {
		// unreadable metadata still leaves a usable pid
		if err := json.Unmarshal([]byte(metaLine), &rec.Meta); err != nil {
			rec.Meta = Meta{}
			rec.MetaUnreadable = true
		}
	}
	return rec, nil
}
