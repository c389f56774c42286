package rtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// Constraints selects which capture kinds a Source should open.
type Constraints struct {
	Audio bool
	Video bool
}

// Source opens local capture. Real devices sit behind this; the console
// ships a synthetic source and a denied source for tests.
type Source interface {
	Open(ctx context.Context, c Constraints) (*Stream, error)
}

// Stream is a set of local tracks with per-kind enabled flags. Toggling a
// flag never renegotiates; the track stays attached and goes silent.
type Stream struct {
	ID string

	mu       sync.Mutex
	tracks   []webrtc.TrackLocal
	audioOn  bool
	videoOn  bool
	closed   bool
	shutdown func()
}

// NewStream wraps tracks; shutdown runs once when the last holder releases.
func NewStream(tracks []webrtc.TrackLocal, shutdown func()) *Stream {
	return &Stream{
		ID:       uuid.NewString(),
		tracks:   tracks,
		audioOn:  true,
		videoOn:  true,
		shutdown: shutdown,
	}
}

func (s *Stream) Tracks() []webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]webrtc.TrackLocal(nil), s.tracks...)
}

func (s *Stream) HasAudio() bool { return s.has(webrtc.RTPCodecTypeAudio) }
func (s *Stream) HasVideo() bool { return s.has(webrtc.RTPCodecTypeVideo) }

func (s *Stream) has(kind webrtc.RTPCodecType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tracks {
		if t.Kind() == kind {
			return true
		}
	}
	return false
}

func (s *Stream) AudioEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioOn
}

func (s *Stream) VideoEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoOn
}

func (s *Stream) SetAudioEnabled(on bool) {
	s.mu.Lock()
	s.audioOn = on
	s.mu.Unlock()
}

func (s *Stream) SetVideoEnabled(on bool) {
	s.mu.Lock()
	s.videoOn = on
	s.mu.Unlock()
}

func (s *Stream) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	fn := s.shutdown
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Devices hands out one shared local stream. Every Acquire must be paired
// with a Release; capture stops when the count drops to zero.
type Devices struct {
	src Source

	mu     sync.Mutex
	stream *Stream
	refs   int
}

func NewDevices(src Source) *Devices {
	return &Devices{src: src}
}

// Acquire returns the shared stream, opening it on first use. Constraints
// only apply to the first open.
func (d *Devices) Acquire(ctx context.Context, c Constraints) (*Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream != nil {
		d.refs++
		return d.stream, nil
	}
	if d.src == nil {
		return nil, ErrMediaPermission
	}
	s, err := d.src.Open(ctx, c)
	if err != nil {
		return nil, err
	}
	d.stream = s
	d.refs = 1
	return s, nil
}

// Release drops one reference. Releasing a stream that is not current is a no-op.
func (d *Devices) Release(s *Stream) {
	if s == nil {
		return
	}
	d.mu.Lock()
	if d.stream != s {
		d.mu.Unlock()
		return
	}
	d.refs--
	if d.refs > 0 {
		d.mu.Unlock()
		return
	}
	d.stream = nil
	d.refs = 0
	d.mu.Unlock()
	s.close()
}

// Current returns the shared stream or nil when nothing holds it.
func (d *Devices) Current() *Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stream
}

func (d *Devices) Refs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.refs
}

// DeniedSource always refuses capture.
type DeniedSource struct{}

func (DeniedSource) Open(context.Context, Constraints) (*Stream, error) {
	return nil, ErrMediaPermission
}

// opusSilence is a single 20ms Opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const frameDuration = 20 * time.Millisecond

// SyntheticSource produces a silent Opus track and, when asked, a VP8 video
// track that stays idle. Enough to negotiate real media sections headless.
type SyntheticSource struct{}

func (SyntheticSource) Open(_ context.Context, c Constraints) (*Stream, error) {
	var tracks []webrtc.TrackLocal
	var audio *webrtc.TrackLocalStaticSample
	streamID := "console-" + uuid.NewString()[:8]

	if c.Audio {
		t, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"audio", streamID,
		)
		if err != nil {
			return nil, fmt.Errorf("rtc: audio track: %w", err)
		}
		audio = t
		tracks = append(tracks, t)
	}
	if c.Video {
		t, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", streamID,
		)
		if err != nil {
			return nil, fmt.Errorf("rtc: video track: %w", err)
		}
		tracks = append(tracks, t)
	}

	stop := make(chan struct{})
	s := NewStream(tracks, func() { close(stop) })
	if audio != nil {
		go pumpSilence(s, audio, stop)
	}
	return s, nil
}

func pumpSilence(s *Stream, t *webrtc.TrackLocalStaticSample, stop <-chan struct{}) {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !s.AudioEnabled() {
				continue
			}
			// Unbound tracks return nil; write errors only mean no sender yet.
			_ = t.WriteSample(media.Sample{Data: opusSilence, Duration: frameDuration})
		}
	}
}
