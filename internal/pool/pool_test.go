package pool

import (
	"sync"
	"testing"
	"time"

	"github.com/cinderaudio/cinder/internal/config"
	"github.com/cinderaudio/cinder/internal/queue"
	"github.com/cinderaudio/cinder/internal/source"
	"github.com/cinderaudio/cinder/pkg/protocol"
)

type sink struct {
	mu     sync.Mutex
	frames map[queue.Key][]any
}

func newSink() *sink {
	return &sink{frames: make(map[queue.Key][]any)}
}

func (s *sink) emit(key queue.Key, frame any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames[key] = append(s.frames[key], frame)
}

func testPool(t *testing.T, size int) *Pool {
	t.Helper()
	p := New(size, source.NewManager(config.NodeConfig{}), queue.Config{
		ConnectTimeout: 10 * time.Millisecond,
		StuckThreshold: time.Second,
	}, newSink().emit, nil)
	t.Cleanup(p.Shutdown)
	return p
}

func play(p *Pool, clientID, guildID string) {
	key := queue.Key{ClientID: clientID, GuildID: guildID}
	p.Play(key, protocol.Inbound{GuildID: guildID}, "blob", protocol.Track{Source: "local"})
}

func TestPlayCreatesSingleOwner(t *testing.T) {
	t.Parallel()
	p := testPool(t, 4)

	play(p, "42", "100")
	play(p, "42", "100") // same key must reuse the existing queue
	if players, _ := p.Stats(); players != 1 {
		t.Fatalf("players = %d, want 1", players)
	}

	owners := 0
	for _, w := range p.workers {
		if w.load.Load() > 0 {
			owners++
		}
	}
	if owners != 1 {
		t.Errorf("key owned by %d workers, want 1", owners)
	}
}

func TestConcurrentPlaysCreateSingleQueue(t *testing.T) {
	t.Parallel()
	p := testPool(t, 4)

	// A client may hold several sockets, so plays for one room can arrive
	// concurrently; they must still land on exactly one worker.
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			play(p, "42", "100")
		}()
	}
	wg.Wait()

	if players, _ := p.Stats(); players != 1 {
		t.Fatalf("players = %d, want 1", players)
	}
	owners := 0
	for _, w := range p.workers {
		if w.load.Load() > 0 {
			owners++
		}
	}
	if owners != 1 {
		t.Errorf("key owned by %d workers, want 1", owners)
	}
}

func TestExecuteSpreadsLoad(t *testing.T) {
	t.Parallel()
	p := testPool(t, 2)

	play(p, "42", "100")
	play(p, "42", "200")
	if players, _ := p.Stats(); players != 2 {
		t.Fatalf("players = %d, want 2", players)
	}
	for i, w := range p.workers {
		if w.load.Load() != 1 {
			t.Errorf("worker %d load = %d, want 1", i, w.load.Load())
		}
	}
}

func TestDeleteAllScopesByClient(t *testing.T) {
	t.Parallel()
	p := testPool(t, 2)

	play(p, "42", "100")
	play(p, "42", "200")
	play(p, "77", "300")

	if n := p.DeleteAll("42"); n != 2 {
		t.Fatalf("DeleteAll = %d, want 2", n)
	}
	if players, _ := p.Stats(); players != 1 {
		t.Errorf("players after delete = %d, want 1", players)
	}
}

func TestDestroyRemovesQueue(t *testing.T) {
	t.Parallel()
	p := testPool(t, 1)

	key := queue.Key{ClientID: "42", GuildID: "100"}
	play(p, "42", "100")
	p.Unicast(Msg{Op: OpDestroy, Key: key})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if players, _ := p.Stats(); players == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("queue still present after destroy")
}

func TestDumpRestartsWorkers(t *testing.T) {
	t.Parallel()
	p := testPool(t, 2)

	play(p, "42", "100")
	p.Dump()
	if players, _ := p.Stats(); players != 0 {
		t.Errorf("players after dump = %d, want 0", players)
	}

	// The fresh workers must accept new work.
	play(p, "42", "100")
	if players, _ := p.Stats(); players != 1 {
		t.Errorf("players after dump+play = %d, want 1", players)
	}
}
