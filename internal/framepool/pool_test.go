package framepool

import (
	"context"
	"sync"
	"testing"
	"time"

	"camstream/internal/capture"
	"camstream/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, count int) *Pool {
	t.Helper()
	p, err := New(Config{Width: 8, Height: 4, Count: count})
	require.NoError(t, err)
	return p
}

func assertCounts(t *testing.T, p *Pool, free, ready, out int) {
	t.Helper()
	f, r, o := p.Counts()
	assert.Equal(t, free, f, "free")
	assert.Equal(t, ready, r, "ready")
	assert.Equal(t, out, o, "checked out")
	assert.Equal(t, p.Size(), f+r+o)
}

func TestNewAllocatesFreeBuffers(t *testing.T) {
	p, err := New(Config{Width: 16, Height: 8})
	require.NoError(t, err)

	assert.Equal(t, DefaultCount, p.Size())
	assert.Equal(t, 16*8*2, p.BufferSize())
	assertCounts(t, p, DefaultCount, 0, 0)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero width", Config{Width: 0, Height: 4, Count: 1}},
		{"zero height", Config{Width: 4, Height: 0, Count: 1}},
		{"negative count", Config{Width: 4, Height: 4, Count: -1}},
		{"unknown format", Config{Width: 4, Height: 4, Count: 1, Format: "rgb565"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.cfg)
			assert.Nil(t, p)
			assert.ErrorIs(t, err, models.ErrInvalidArgument)
		})
	}
}

func TestNewFailsWhenRegionTooSmall(t *testing.T) {
	p, err := New(Config{Width: 8, Height: 4, Count: 3, MemoryLimit: 8 * 4 * 2 * 2})
	assert.Nil(t, p)
	assert.ErrorIs(t, err, models.ErrOutOfMemory)
}

func TestSizeInvariantAcrossTransitions(t *testing.T) {
	ctx := context.Background()

	for n := 1; n <= 5; n++ {
		p := newTestPool(t, n)
		assertCounts(t, p, n, 0, 0)

		var captured []*Buffer
		for i := 0; i < n; i++ {
			b, err := p.AcquireFree(0)
			require.NoError(t, err)
			captured = append(captured, b)
			assertCounts(t, p, n-i-1, i, 1)
			require.NoError(t, p.PublishReady(b))
			assertCounts(t, p, n-i-1, i+1, 0)
		}

		_, err := p.AcquireFree(0)
		assert.ErrorIs(t, err, models.ErrTimeout)

		for i := 0; i < n; i++ {
			b, err := p.AcquireReady(ctx, 0)
			require.NoError(t, err)
			assert.Same(t, captured[i], b, "ready queue is FIFO")
			assertCounts(t, p, i, n-i-1, 1)
			require.NoError(t, p.ReturnToFree(b))
			assertCounts(t, p, i+1, n-i-1, 0)
		}
	}
}

func TestDoublePublishAndReturnRejected(t *testing.T) {
	p := newTestPool(t, 2)
	ctx := context.Background()

	b, err := p.AcquireFree(0)
	require.NoError(t, err)
	require.NoError(t, p.PublishReady(b))
	assert.ErrorIs(t, p.PublishReady(b), models.ErrInvalidArgument)

	got, err := p.AcquireReady(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, p.ReturnToFree(got))
	assert.ErrorIs(t, p.ReturnToFree(got), models.ErrInvalidArgument)

	other := newTestPool(t, 1)
	foreign, err := other.AcquireFree(0)
	require.NoError(t, err)
	assert.ErrorIs(t, p.PublishReady(foreign), models.ErrInvalidArgument)
	assert.ErrorIs(t, p.ReturnToFree(nil), models.ErrInvalidArgument)

	assertCounts(t, p, 2, 0, 0)
}

func TestAcquireReadyTimesOut(t *testing.T) {
	p := newTestPool(t, 1)

	start := time.Now()
	b, err := p.AcquireReady(context.Background(), 20*time.Millisecond)
	assert.Nil(t, b)
	assert.ErrorIs(t, err, models.ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestAcquireReadyHonorsContext(t *testing.T) {
	p := newTestPool(t, 1)
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	b, err := p.AcquireReady(ctx, time.Minute)
	assert.Nil(t, b)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAcquireFreeWithTimeoutWaitsForReturn(t *testing.T) {
	p := newTestPool(t, 1)

	held, err := p.AcquireFree(0)
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		p.ReturnToFree(held)
	}()

	b, err := p.AcquireFree(time.Second)
	require.NoError(t, err)
	assert.Same(t, held, b)
}

func TestCloseReportsCheckedOutBuffers(t *testing.T) {
	p := newTestPool(t, 3)
	ctx := context.Background()

	b, err := p.AcquireFree(0)
	require.NoError(t, err)
	require.NoError(t, p.PublishReady(b))
	_, err = p.AcquireReady(ctx, 0)
	require.NoError(t, err)

	assert.Equal(t, 1, p.Close())
	assert.Equal(t, 0, p.Close(), "second close is a no-op")
}

func TestHandoffFivePublishesIntoThreeBuffers(t *testing.T) {
	p := newTestPool(t, 3)
	h := NewHandoff(p)
	frame := make([]byte, p.BufferSize())

	var results []bool
	for i := 1; i <= 5; i++ {
		results = append(results, h.OnFrameReady(capture.HardwareFrame{Data: frame, Seq: uint64(i)}))
	}

	assert.Equal(t, []bool{true, true, true, false, false}, results)
	assert.Equal(t, uint64(3), h.Captured())
	assert.Equal(t, uint64(2), h.Dropped())
	assertCounts(t, p, 0, 3, 0)

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		b, err := p.AcquireReady(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), b.Seq())
		require.NoError(t, p.ReturnToFree(b))
	}
	assertCounts(t, p, 3, 0, 0)
}

func TestHandoffDeclinesWithoutSideEffects(t *testing.T) {
	p := newTestPool(t, 2)
	h := NewHandoff(p)
	hw := capture.HardwareFrame{Data: make([]byte, p.BufferSize()), Seq: 1}

	require.True(t, h.OnFrameReady(hw))
	require.True(t, h.OnFrameReady(hw))
	assertCounts(t, p, 0, 2, 0)

	start := time.Now()
	assert.False(t, h.OnFrameReady(hw))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assertCounts(t, p, 0, 2, 0)

	allocs := testing.AllocsPerRun(100, func() {
		h.OnFrameReady(hw)
	})
	assert.Zero(t, allocs)
	assertCounts(t, p, 0, 2, 0)
}

func TestHandoffAcceptPathDoesNotAllocate(t *testing.T) {
	p := newTestPool(t, 1)
	h := NewHandoff(p)
	hw := capture.HardwareFrame{Data: make([]byte, p.BufferSize())}
	ctx := context.Background()

	allocs := testing.AllocsPerRun(100, func() {
		if !h.OnFrameReady(hw) {
			t.Fatal("frame declined")
		}
		b, err := p.AcquireReady(ctx, 0)
		if err != nil {
			t.Fatal(err)
		}
		p.ReturnToFree(b)
	})
	assert.Zero(t, allocs)
}

func TestHandoffConcurrentWithConsumer(t *testing.T) {
	p := newTestPool(t, 3)
	h := NewHandoff(p)
	ctx := context.Background()

	const frames = 2000
	done := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(done)
		hw := make([]byte, p.BufferSize())
		for seq := 1; seq <= frames; seq++ {
			for i := range hw {
				hw[i] = byte(seq)
			}
			h.OnFrameReady(capture.HardwareFrame{Data: hw, Seq: uint64(seq)})
		}
	}()

	var lastSeq uint64
	received := 0
	held := make(map[int]bool)
	for {
		b, err := p.AcquireReady(ctx, 5*time.Millisecond)
		if err != nil {
			select {
			case <-done:
				if _, _, out := p.Counts(); out == 0 && p.Stats().Ready == 0 {
					wg.Wait()
					assert.Equal(t, uint64(received), h.Captured())
					assert.Equal(t, uint64(frames), h.Captured()+h.Dropped())
					assertCounts(t, p, 3, 0, 0)
					return
				}
			default:
			}
			continue
		}

		require.False(t, held[b.Index()], "buffer handed out twice")
		held[b.Index()] = true

		require.Greater(t, b.Seq(), lastSeq, "frames out of capture order")
		lastSeq = b.Seq()
		for _, v := range b.Bytes() {
			require.Equal(t, byte(b.Seq()), v, "buffer overwritten while checked out")
		}
		received++

		held[b.Index()] = false
		require.NoError(t, p.ReturnToFree(b))
	}
}

func TestHandoffRejectsWrongSizedFrame(t *testing.T) {
	p := newTestPool(t, 1)
	h := NewHandoff(p)

	full := make([]byte, p.BufferSize())
	for i := range full {
		full[i] = 0xAA
	}
	require.True(t, h.OnFrameReady(capture.HardwareFrame{Data: full, Seq: 1}))

	b, err := p.AcquireReady(context.Background(), 0)
	require.NoError(t, err)
	require.NoError(t, p.ReturnToFree(b))

	// Short and oversized frames are declined and the buffer goes back
	assert.False(t, h.OnFrameReady(capture.HardwareFrame{Data: []byte{0x11, 0x22}, Seq: 2}))
	assert.False(t, h.OnFrameReady(capture.HardwareFrame{Data: make([]byte, p.BufferSize()+1), Seq: 3}))
	assert.Equal(t, uint64(1), h.Captured())
	assert.Equal(t, uint64(2), h.Dropped())
	assert.Zero(t, h.Lost())
	assertCounts(t, p, 1, 0, 0)

	_, err = p.AcquireReady(context.Background(), 0)
	assert.ErrorIs(t, err, models.ErrTimeout, "nothing was published")
}

func TestReturnToFreeRestoresPriorStateWhenFreeQueueFull(t *testing.T) {
	p := newTestPool(t, 1)

	b, err := p.AcquireFree(0)
	require.NoError(t, err)

	// Break the size invariant so the free queue has no room
	p.free <- p.buffers[0]

	assert.ErrorIs(t, p.ReturnToFree(b), models.ErrOutOfMemory)
	assert.Equal(t, stateCapturing, bufferState(b.state.Load()))

	// The buffer can still be published from its restored state
	<-p.free
	require.NoError(t, p.PublishReady(b))
}
