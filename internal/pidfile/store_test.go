package pidfile

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func alwaysLive(Record) bool { return true }
func neverLive(Record) bool  { return false }

func TestClaimReadRelease(t *testing.T) {
	s := New(t.TempDir(), alwaysLive)
	rec := Record{Slot: WorkerSlot(2), PID: 4242, Meta: Meta{StartUnix: 100}}
	require.NoError(t, s.Claim(rec))

	got, err := s.Read(WorkerSlot(2))
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	require.NoError(t, s.Release(WorkerSlot(2)))
	_, err = s.Read(WorkerSlot(2))
	assert.ErrorIs(t, err, ErrNotFound)

	// idempotent
	require.NoError(t, s.Release(WorkerSlot(2)))
}

func TestClaim_LiveHolderWins(t *testing.T) {
	s := New(t.TempDir(), alwaysLive)
	require.NoError(t, s.Claim(Record{Slot: ServerSlot(), PID: 10}))
	err := s.Claim(Record{Slot: ServerSlot(), PID: 11})
	require.ErrorIs(t, err, ErrAlreadyClaimed)

	got, err := s.Read(ServerSlot())
	require.NoError(t, err)
	assert.Equal(t, 10, got.PID)
}

func TestClaim_SamePIDIsIdempotent(t *testing.T) {
	s := New(t.TempDir(), alwaysLive)
	rec := Record{Slot: WorkerSlot(0), PID: 77}
	require.NoError(t, s.Claim(rec))
	require.NoError(t, s.Claim(rec))
}

func TestClaim_ReplacesStale(t *testing.T) {
	s := New(t.TempDir(), neverLive)
	require.NoError(t, s.Claim(Record{Slot: WorkerSlot(0), PID: 10}))
	require.NoError(t, s.Claim(Record{Slot: WorkerSlot(0), PID: 11}))

	got, err := s.Read(WorkerSlot(0))
	require.NoError(t, err)
	assert.Equal(t, 11, got.PID)
	assertNoLeftovers(t, s.Dir())
}

func TestClaim_ReplacesCorrupt(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, alwaysLive)
	require.NoError(t, os.WriteFile(s.Path(WorkerSlot(1)), []byte("garbage\n"), 0o600))

	_, err := s.Read(WorkerSlot(1))
	require.ErrorIs(t, err, ErrCorrupt)

	require.NoError(t, s.Claim(Record{Slot: WorkerSlot(1), PID: 12}))
	got, err := s.Read(WorkerSlot(1))
	require.NoError(t, err)
	assert.Equal(t, 12, got.PID)
}

func TestClaim_InvalidPID(t *testing.T) {
	s := New(t.TempDir(), alwaysLive)
	require.Error(t, s.Claim(Record{Slot: WorkerSlot(0), PID: 0}))
}

func TestClaim_ConcurrentSingleWinner(t *testing.T) {
	s := New(t.TempDir(), alwaysLive)
	const n = 32
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins []int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(pid int) {
			defer wg.Done()
			err := s.Claim(Record{Slot: WorkerSlot(0), PID: pid})
			if err == nil {
				mu.Lock()
				wins = append(wins, pid)
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrAlreadyClaimed) {
				t.Errorf("unexpected error: %v", err)
			}
		}(1000 + i)
	}
	wg.Wait()

	require.Len(t, wins, 1)
	got, err := s.Read(WorkerSlot(0))
	require.NoError(t, err)
	assert.Equal(t, wins[0], got.PID)
	assertNoLeftovers(t, s.Dir())
}

func TestClaim_StaleTakeoverHasOneWinner(t *testing.T) {
	const (
		dead     = 1
		claimers = 16
		rounds   = 200
	)
	liveUnlessDead := func(r Record) bool { return r.PID != dead }

	for round := 0; round < rounds; round++ {
		s := New(t.TempDir(), liveUnlessDead)
		require.NoError(t, os.WriteFile(s.Path(WorkerSlot(0)), []byte("1\n"), 0o600))

		var (
			wg    sync.WaitGroup
			mu    sync.Mutex
			wins  []int
			start = make(chan struct{})
		)
		for i := 0; i < claimers; i++ {
			wg.Add(1)
			go func(pid int) {
				defer wg.Done()
				<-start
				err := s.Claim(Record{Slot: WorkerSlot(0), PID: pid})
				if err == nil {
					mu.Lock()
					wins = append(wins, pid)
					mu.Unlock()
					return
				}
				if !errors.Is(err, ErrAlreadyClaimed) {
					t.Errorf("unexpected error: %v", err)
				}
			}(100 + i)
		}
		close(start)
		wg.Wait()

		require.Len(t, wins, 1, "round %d: winners %v", round, wins)
		got, err := s.Read(WorkerSlot(0))
		require.NoError(t, err)
		require.Equal(t, wins[0], got.PID, "round %d", round)
	}
}

func TestReleaseIf_RacingClaimsKeepRecord(t *testing.T) {
	s := New(t.TempDir(), func(r Record) bool { return r.PID != 1 })
	require.NoError(t, os.WriteFile(s.Path(WorkerSlot(0)), []byte("1\n"), 0o600))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_ = s.ReleaseIf(Record{Slot: WorkerSlot(0), PID: 1})
		}
	}()
	var claimErr error
	go func() {
		defer wg.Done()
		claimErr = s.Claim(Record{Slot: WorkerSlot(0), PID: 42})
	}()
	wg.Wait()

	require.NoError(t, claimErr)
	got, err := s.Read(WorkerSlot(0))
	require.NoError(t, err)
	assert.Equal(t, 42, got.PID)
}

func TestReleaseCorrupt_OnlyRemovesUnparsable(t *testing.T) {
	s := New(t.TempDir(), alwaysLive)
	require.NoError(t, s.Claim(Record{Slot: WorkerSlot(0), PID: 5}))
	require.NoError(t, s.ReleaseCorrupt(WorkerSlot(0)))
	_, err := s.Read(WorkerSlot(0))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(s.Path(WorkerSlot(1)), []byte("x\n"), 0o600))
	require.NoError(t, s.ReleaseCorrupt(WorkerSlot(1)))
	_, err = s.Read(WorkerSlot(1))
	assert.ErrorIs(t, err, ErrNotFound)

	// absent slot in an absent directory
	absent := New(filepath.Join(t.TempDir(), "none"), alwaysLive)
	require.NoError(t, absent.ReleaseCorrupt(WorkerSlot(0)))
	require.NoError(t, absent.ReleaseIf(Record{Slot: WorkerSlot(0), PID: 5}))
}

func TestReleaseIf_KeepsSuccessor(t *testing.T) {
	s := New(t.TempDir(), neverLive)
	old := Record{Slot: WorkerSlot(0), PID: 10}
	require.NoError(t, s.Claim(old))
	require.NoError(t, s.Claim(Record{Slot: WorkerSlot(0), PID: 20}))

	require.NoError(t, s.ReleaseIf(old))
	got, err := s.Read(WorkerSlot(0))
	require.NoError(t, err)
	assert.Equal(t, 20, got.PID)

	require.NoError(t, s.ReleaseIf(got))
	_, err = s.Read(WorkerSlot(0))
	assert.ErrorIs(t, err, ErrNotFound)
	assertNoLeftovers(t, s.Dir())
}

func TestSlots_ListsByRoleSorted(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, alwaysLive)
	for _, i := range []int{10, 2, 0} {
		require.NoError(t, s.Claim(Record{Slot: WorkerSlot(i), PID: 100 + i}))
	}
	require.NoError(t, s.Claim(Record{Slot: ServerSlot(), PID: 99}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "worker_x.pid"), []byte("1"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("1"), 0o600))

	workers, err := s.Slots(RoleWorker)
	require.NoError(t, err)
	assert.Equal(t, []Slot{WorkerSlot(0), WorkerSlot(2), WorkerSlot(10)}, workers)

	servers, err := s.Slots(RoleServer)
	require.NoError(t, err)
	assert.Equal(t, []Slot{ServerSlot()}, servers)
}

func TestSlots_MissingDir(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "absent"), alwaysLive)
	slots, err := s.Slots(RoleWorker)
	require.NoError(t, err)
	assert.Empty(t, slots)
}

func TestDecode_Formats(t *testing.T) {
	rec, err := decode(ServerSlot(), []byte("123\n"))
	require.NoError(t, err)
	assert.Equal(t, 123, rec.PID)

	rec, err = decode(ServerSlot(), []byte("123\r\n{\"endpoint\":\"127.0.0.1:8000\",\"start_unix\":5}\n"))
	require.NoError(t, err)
	assert.Equal(t, Meta{Endpoint: "127.0.0.1:8000", StartUnix: 5}, rec.Meta)

	rec, err = decode(ServerSlot(), []byte("123\nnot-json\n"))
	require.NoError(t, err)
	assert.Equal(t, Meta{}, rec.Meta)
	assert.True(t, rec.MetaUnreadable)

	rec, err = decode(ServerSlot(), []byte("123\n{\"start_unix\":\"soon\"}\n"))
	require.NoError(t, err)
	assert.Equal(t, Meta{}, rec.Meta, "a partly decoded meta must not be trusted")
	assert.True(t, rec.MetaUnreadable)

	_, err = decode(ServerSlot(), []byte(""))
	assert.ErrorIs(t, err, ErrCorrupt)
	_, err = decode(ServerSlot(), []byte("-4\n"))
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestSlotNames(t *testing.T) {
	assert.Equal(t, "worker_3.pid", WorkerSlot(3).FileName())
	assert.Equal(t, "server.pid", ServerSlot().FileName())
	assert.Equal(t, "atm-worker", RoleWorker.Signature())
	assert.Equal(t, "atm-server", RoleServer.Signature())

	for _, name := range []string{"worker_3.pid", "server.pid"} {
		slot, ok := parseFileName(name)
		require.True(t, ok, name)
		assert.Equal(t, name, slot.FileName())
	}
	for _, name := range []string{"worker_.pid", "worker_01.pid", "worker_-1.pid", "server.pid.1.2.stale", ".worker_0.123.tmp", ".worker_0.lock"} {
		_, ok := parseFileName(name)
		assert.False(t, ok, name)
	}
}

func assertNoLeftovers(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		if ext := filepath.Ext(e.Name()); ext != ".pid" && ext != ".lock" {
			t.Errorf("leftover file %s", e.Name())
		}
	}
}
