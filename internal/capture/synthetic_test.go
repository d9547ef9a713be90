package capture

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"camstream/pkg/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePattern(t *testing.T) {
	tests := []struct {
		in      string
		want    Pattern
		wantErr bool
	}{
		{"", PatternColorBars, false},
		{"colorbars", PatternColorBars, false},
		{"gradient", PatternGradient, false},
		{"grid", PatternGrid, false},
		{"plaid", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePattern(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, models.ErrInvalidArgument)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewSyntheticRejectsBadSize(t *testing.T) {
	_, err := NewSynthetic(SyntheticConfig{Width: 0, Height: 480}, zerolog.Nop())
	assert.ErrorIs(t, err, models.ErrInvalidArgument)
}

func TestSyntheticRequiresHandler(t *testing.T) {
	s, err := NewSynthetic(SyntheticConfig{Width: 16, Height: 8, FPS: 100}, zerolog.Nop())
	require.NoError(t, err)

	assert.ErrorIs(t, s.RegisterHandler(nil), models.ErrInvalidArgument)
	assert.ErrorIs(t, s.Start(context.Background()), models.ErrInvalidArgument)
}

func TestSyntheticDeliversFrames(t *testing.T) {
	s, err := NewSynthetic(SyntheticConfig{Width: 16, Height: 8, FPS: 200}, zerolog.Nop())
	require.NoError(t, err)

	var calls, lastSeq atomic.Uint64
	var sizeOK atomic.Bool
	sizeOK.Store(true)
	require.NoError(t, s.RegisterHandler(FrameHandlerFunc(func(f HardwareFrame) bool {
		if len(f.Data) != 16*8*2 {
			sizeOK.Store(false)
		}
		lastSeq.Store(f.Seq)
		// Decline every other frame
		return calls.Add(1)%2 == 0
	})))

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), models.ErrAlreadyRunning)
	assert.ErrorIs(t, s.RegisterHandler(FrameHandlerFunc(func(HardwareFrame) bool { return true })), models.ErrAlreadyRunning)

	require.Eventually(t, func() bool { return calls.Load() >= 6 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop())

	stopped := calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, stopped, calls.Load(), "no callbacks after Stop returns")
	assert.Equal(t, stopped, s.Delivered()+s.Declined())
	assert.Equal(t, stopped, lastSeq.Load())
	assert.True(t, sizeOK.Load())

	// Stop is idempotent and the source can be restarted
	require.NoError(t, s.Stop())
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop())
}

func TestSyntheticStopsOnContextCancel(t *testing.T) {
	s, err := NewSynthetic(SyntheticConfig{Width: 16, Height: 8, FPS: 200}, zerolog.Nop())
	require.NoError(t, err)

	var calls atomic.Uint64
	require.NoError(t, s.RegisterHandler(FrameHandlerFunc(func(HardwareFrame) bool {
		calls.Add(1)
		return true
	})))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	require.Eventually(t, func() bool { return calls.Load() > 0 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	require.Eventually(t, func() bool {
		before := calls.Load()
		time.Sleep(20 * time.Millisecond)
		return calls.Load() == before
	}, 2*time.Second, time.Millisecond)
	require.NoError(t, s.Stop())
}

func TestRenderPatternsFillBuffer(t *testing.T) {
	for _, p := range []Pattern{PatternColorBars, PatternGradient, PatternGrid} {
		buf := make([]byte, 64*4*2)
		renderPattern(buf, 64, 4, p)

		// Every luma sample is within the video range
		for i := 0; i < len(buf); i += 2 {
			assert.GreaterOrEqual(t, buf[i], byte(16))
			assert.LessOrEqual(t, buf[i], byte(235))
		}
	}
}
