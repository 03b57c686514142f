package security

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opd-ai/securemedia/av/rtp"
	"github.com/opd-ai/securemedia/av/zrtp"
	"github.com/opd-ai/securemedia/keystore"
	"github.com/stretchr/testify/require"
)

// wire delivers written packets to an engine on its own goroutine, the
// way a network socket would.
type wire struct {
	ch   chan []byte
	dst  atomic.Pointer[TransformEngine]
	done chan struct{}
	wg   sync.WaitGroup

	mu   sync.Mutex
	drop func(zrtp.MessageType) bool
	sent map[zrtp.MessageType]int
}

func newWire(t *testing.T) *wire {
	t.Helper()
	w := &wire{
		ch:   make(chan []byte, 1024),
		done: make(chan struct{}),
		sent: make(map[zrtp.MessageType]int),
	}
	w.wg.Add(1)
	go w.run()
	t.Cleanup(w.close)
	return w
}

func (w *wire) Write(b []byte) (int, error) {
	cp := append([]byte(nil), b...)
	select {
	case w.ch <- cp:
	default:
	}
	return len(b), nil
}

func (w *wire) setDrop(fn func(zrtp.MessageType) bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.drop = fn
}

func (w *wire) count(t zrtp.MessageType) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sent[t]
}

func (w *wire) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case b := <-w.ch:
			pkt := rtp.NewRawPacket(b)
			if msg, err := pkt.ZRTPMessage(); err == nil {
				if mt, err := zrtp.MessageTypeOf(msg); err == nil {
					w.mu.Lock()
					w.sent[mt]++
					drop := w.drop != nil && w.drop(mt)
					w.mu.Unlock()
					if drop {
						continue
					}
				}
			}
			if dst := w.dst.Load(); dst != nil {
				dst.ReverseTransform(pkt)
			}
		}
	}
}

func (w *wire) close() {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	w.wg.Wait()
}

func testZID(b byte) zrtp.ZID {
	var z zrtp.ZID
	for i := range z {
		z[i] = b
	}
	return z
}

func memoryOpener() keystore.CacheOpener {
	return keystore.BackendOpener{Backend: keystore.NewMemoryBackend()}
}

func fastZRTPConfig() *zrtp.Config {
	cfg := zrtp.DefaultConfig()
	cfg.T1Initial = 5 * time.Millisecond
	cfg.T1Max = 10 * time.Millisecond
	cfg.T1MaxRetries = 3
	cfg.T2Initial = 5 * time.Millisecond
	cfg.T2Max = 10 * time.Millisecond
	cfg.T2MaxRetries = 3
	return cfg
}

type enginePair struct {
	a, b   *TransformEngine
	ab, ba *wire
}

// newEnginePair creates two initialized engines wired to each other.
func newEnginePair(t *testing.T, cfg *Config) *enginePair {
	t.Helper()
	sched := NewScheduler()
	t.Cleanup(sched.Stop)

	p := &enginePair{ab: newWire(t), ba: newWire(t)}
	var err error
	p.a, err = NewTransformEngine(cfg, sched, memoryOpener(), NewEventManager(MediaAudio, 64, nil), p.ab)
	require.NoError(t, err)
	p.b, err = NewTransformEngine(cfg, sched, memoryOpener(), NewEventManager(MediaAudio, 64, nil), p.ba)
	require.NoError(t, err)
	p.ab.dst.Store(p.b)
	p.ba.dst.Store(p.a)
	t.Cleanup(func() {
		p.ab.close()
		p.ba.close()
		_ = p.a.Close()
		_ = p.b.Close()
	})

	require.True(t, p.a.Initialize("alice", false, nil, testZID(0xa1)))
	require.True(t, p.b.Initialize("bob", false, nil, testZID(0xb2)))
	p.a.SetSSRC(0xaaaa)
	p.b.SetSSRC(0xbbbb)
	return p
}

func (p *enginePair) waitSecured(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return p.a.State() == StateSecured && p.b.State() == StateSecured
	}, 5*time.Second, 5*time.Millisecond)
}

// nextEvent waits for the first event of type T, skipping others.
func nextEvent[T SecurityEvent](t *testing.T, ch <-chan SecurityEvent) T {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "event channel closed")
			if v, ok := ev.(T); ok {
				return v
			}
		case <-deadline:
			var zero T
			t.Fatalf("no %T event", zero)
			return zero
		}
	}
}
