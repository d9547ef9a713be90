package encoder

import (
	"errors"
	"sync"
	"testing"
	"time"

	"camstream/internal/h264"
	"camstream/pkg/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHardware struct {
	mu      sync.Mutex
	calls   int
	closes  int
	err     error
	outputs []Output
	entered chan struct{}
	release chan struct{}
}

func (f *fakeHardware) Encode(in Input, bitstream []byte) (Output, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()

	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.release
	}
	if f.err != nil {
		return Output{}, f.err
	}

	out := Output{Length: 4, TimestampUS: in.TimestampUS}
	if len(f.outputs) >= call {
		out = f.outputs[call-1]
	}
	for i := 0; i < out.Length; i++ {
		bitstream[i] = byte(call)
	}
	return out, nil
}

func (f *fakeHardware) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeHardware) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testConfig() Config {
	return Config{Width: 64, Height: 48, FPS: 30, Bitrate: 100_000, GOP: 3}
}

func testFrame(seq uint64, ts uint64) *models.Frame {
	return &models.Frame{
		Data:        make([]byte, 64*48*2),
		Width:       64,
		Height:      48,
		Format:      models.PixelFormatYUV422,
		TimestampUS: ts,
		Seq:         seq,
	}
}

func newTestStage(t *testing.T, hw Hardware) *Stage {
	t.Helper()
	s, err := NewStage(hw, testConfig(), zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestNewStageValidation(t *testing.T) {
	_, err := NewStage(nil, testConfig(), zerolog.Nop())
	assert.ErrorIs(t, err, models.ErrInvalidArgument)

	cfg := testConfig()
	cfg.Width = 0
	_, err = NewStage(&fakeHardware{}, cfg, zerolog.Nop())
	assert.ErrorIs(t, err, models.ErrInvalidArgument)

	cfg = testConfig()
	cfg.MemoryLimit = 1024
	_, err = NewStage(&fakeHardware{}, cfg, zerolog.Nop())
	assert.ErrorIs(t, err, models.ErrOutOfMemory)
}

func TestEncodeRejectsEmptyFrameWithoutHardwareCall(t *testing.T) {
	hw := &fakeHardware{}
	s := newTestStage(t, hw)

	_, err := s.Encode(nil)
	assert.ErrorIs(t, err, models.ErrInvalidArgument)

	_, err = s.Encode(&models.Frame{Width: 64, Height: 48})
	assert.ErrorIs(t, err, models.ErrInvalidArgument)

	assert.Zero(t, hw.callCount())
	assert.Equal(t, uint64(2), s.Stats().Rejected)
}

func TestEncodeHardwareFailure(t *testing.T) {
	cause := errors.New("codec fault 0x17")
	hw := &fakeHardware{err: cause}
	s := newTestStage(t, hw)

	pkt, err := s.Encode(testFrame(1, 10))
	assert.ErrorIs(t, err, models.ErrHardwareFailure)
	assert.ErrorIs(t, err, cause)
	assert.True(t, pkt.Empty(), "no partial output")
	assert.Equal(t, uint64(1), s.Stats().Failed)

	// The stage keeps working after a failure
	hw.err = nil
	pkt, err = s.Encode(testFrame(2, 20))
	require.NoError(t, err)
	assert.False(t, pkt.Empty())
}

func TestEncodeRejectsInvalidOutputLength(t *testing.T) {
	hw := &fakeHardware{outputs: []Output{{Length: 0}}}
	s := newTestStage(t, hw)

	_, err := s.Encode(testFrame(1, 10))
	assert.ErrorIs(t, err, models.ErrHardwareFailure)
}

func TestEncodeIsExclusive(t *testing.T) {
	hw := &fakeHardware{entered: make(chan struct{}), release: make(chan struct{})}
	s := newTestStage(t, hw)

	done := make(chan error, 1)
	go func() {
		_, err := s.Encode(testFrame(1, 10))
		done <- err
	}()

	select {
	case <-hw.entered:
	case <-time.After(time.Second):
		t.Fatal("first encode never reached the hardware")
	}

	_, err := s.Encode(testFrame(2, 20))
	assert.ErrorIs(t, err, ErrEncoderBusy)
	assert.ErrorIs(t, err, models.ErrAlreadyRunning)

	close(hw.release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, hw.callCount())
}

func TestEncodeTimestampsNeverDecrease(t *testing.T) {
	hw := &fakeHardware{outputs: []Output{
		{Length: 4, TimestampUS: 100},
		{Length: 4, TimestampUS: 50},
		{Length: 4, TimestampUS: 200, Keyframe: true},
	}}
	s := newTestStage(t, hw)

	var got []uint64
	for i := 0; i < 3; i++ {
		pkt, err := s.Encode(testFrame(uint64(i), 0))
		require.NoError(t, err)
		got = append(got, pkt.TimestampUS)
	}

	assert.Equal(t, []uint64{100, 100, 200}, got)
	stats := s.Stats()
	assert.Equal(t, uint64(3), stats.Encoded)
	assert.Equal(t, uint64(1), stats.Keyframes)
	assert.Equal(t, uint64(12), stats.BytesOut)
	assert.Equal(t, uint64(200), stats.LastTimestampUS)
}

func TestPacketViewIsOverwrittenByNextEncode(t *testing.T) {
	s := newTestStage(t, &fakeHardware{})

	first, err := s.Encode(testFrame(1, 10))
	require.NoError(t, err)
	saved := append([]byte(nil), first.Data...)

	_, err = s.Encode(testFrame(2, 20))
	require.NoError(t, err)
	assert.NotEqual(t, saved, first.Data, "packet aliases the shared bitstream buffer")

	first.Release()
	assert.True(t, first.Empty())
}

func TestCloseIsIdempotent(t *testing.T) {
	hw := &fakeHardware{}
	s := newTestStage(t, hw)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 1, hw.closes)

	_, err := s.Encode(testFrame(1, 10))
	assert.ErrorIs(t, err, models.ErrHardwareFailure)
	assert.Zero(t, hw.callCount())
}

func TestSyntheticProducesGOPStructure(t *testing.T) {
	cfg := testConfig()
	hw, err := NewSynthetic(cfg)
	require.NoError(t, err)
	s, err := NewStage(hw, cfg, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	var keyframes []bool
	var outputs [][]byte
	for i := 0; i < 4; i++ {
		frame := testFrame(uint64(i), uint64(i)*33_333)
		frame.Data[0] = byte(i)

		pkt, err := s.Encode(frame)
		require.NoError(t, err)
		require.True(t, h264.IsAnnexBFormat(pkt.Data))
		assert.Equal(t, pkt.Keyframe, h264.ContainsIDR(pkt.Data))

		keyframes = append(keyframes, pkt.Keyframe)
		outputs = append(outputs, append([]byte(nil), pkt.Data...))
	}

	assert.Equal(t, []bool{true, false, false, true}, keyframes)
	assert.NotEqual(t, outputs[1], outputs[2])

	sps, pps, err := h264.ExtractSPSandPPS(outputs[0])
	require.NoError(t, err)
	assert.NotEmpty(t, pps)
	w, h, err := h264.Dimensions(sps)
	require.NoError(t, err)
	assert.Equal(t, 64, w)
	assert.Equal(t, 48, h)

	nalus := h264.SplitNALUs(outputs[1])
	require.Len(t, nalus, 1)
	assert.Equal(t, uint8(h264.NALUnitTypeNonIDR), h264.NALUnitType(nalus[0]))
}

func TestSyntheticRejectsOverflow(t *testing.T) {
	cfg := testConfig()
	cfg.BitstreamSize = 8
	hw, err := NewSynthetic(cfg)
	require.NoError(t, err)
	s, err := NewStage(hw, cfg, zerolog.Nop())
	require.NoError(t, err)

	_, err = s.Encode(testFrame(1, 10))
	assert.ErrorIs(t, err, models.ErrHardwareFailure)
}
