package rtc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"callconsole/pkg/logger"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// PionFactory builds pion PeerConnections from one API instance.
type PionFactory struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	log        *slog.Logger
}

func NewPionFactory(iceServers []webrtc.ICEServer, l *slog.Logger) (*PionFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("rtc: register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("rtc: register interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)
	return &PionFactory{api: api, iceServers: iceServers, log: logger.OrDefault(l)}, nil
}

func (f *PionFactory) NewTransport() (Transport, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: f.iceServers})
	if err != nil {
		return nil, fmt.Errorf("rtc: new peer connection: %w", err)
	}
	t := &pionTransport{pc: pc, log: f.log}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil {
			return
		}
		t.mu.Lock()
		fn := t.onCandidate
		t.mu.Unlock()
		if fn != nil {
			fn(c.ToJSON())
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		t.mu.Lock()
		fn := t.onState
		t.mu.Unlock()
		f.log.Debug("peer connection state", "state", s.String())
		if fn != nil {
			fn(mapState(s))
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		f.log.Info("remote track", "kind", track.Kind().String(), "codec", track.Codec().MimeType)
		// Drain so the interceptor chain keeps flowing; playback is out of scope.
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := track.Read(buf); err != nil {
					return
				}
			}
		}()
	})
	return t, nil
}

type pionTransport struct {
	pc  *webrtc.PeerConnection
	log *slog.Logger

	mu          sync.Mutex
	onCandidate func(webrtc.ICECandidateInit)
	onState     func(State)
}

func (t *pionTransport) AttachStream(s *Stream) error {
	var hasAudio, hasVideo bool
	if s != nil {
		for _, track := range s.Tracks() {
			if _, err := t.pc.AddTrack(track); err != nil {
				return fmt.Errorf("rtc: add track: %w", err)
			}
			switch track.Kind() {
			case webrtc.RTPCodecTypeAudio:
				hasAudio = true
			case webrtc.RTPCodecTypeVideo:
				hasVideo = true
			}
		}
	}
	// Recvonly transceivers keep valid m-lines for kinds we do not send.
	recvonly := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}
	if !hasAudio {
		if _, err := t.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, recvonly); err != nil {
			return fmt.Errorf("rtc: add audio transceiver: %w", err)
		}
	}
	if !hasVideo {
		if _, err := t.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, recvonly); err != nil {
			return fmt.Errorf("rtc: add video transceiver: %w", err)
		}
	}
	return nil
}

func (t *pionTransport) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("rtc: create offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("rtc: set local offer: %w", err)
	}
	return offer, nil
}

func (t *pionTransport) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("rtc: create answer: %w", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("rtc: set local answer: %w", err)
	}
	return answer, nil
}

func (t *pionTransport) GatherComplete(ctx context.Context) (webrtc.SessionDescription, error) {
	done := webrtc.GatheringCompletePromise(t.pc)
	select {
	case <-done:
	case <-ctx.Done():
		return webrtc.SessionDescription{}, ctx.Err()
	}
	ld := t.pc.LocalDescription()
	if ld == nil {
		return webrtc.SessionDescription{}, fmt.Errorf("rtc: no local description")
	}
	return *ld, nil
}

func (t *pionTransport) SetRemoteDescription(d webrtc.SessionDescription) error {
	if err := t.pc.SetRemoteDescription(d); err != nil {
		return fmt.Errorf("rtc: set remote %s: %w", d.Type, err)
	}
	return nil
}

func (t *pionTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	if err := t.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("rtc: add candidate: %w", err)
	}
	return nil
}

func (t *pionTransport) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) {
	t.mu.Lock()
	t.onCandidate = fn
	t.mu.Unlock()
}

func (t *pionTransport) OnStateChange(fn func(State)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

func (t *pionTransport) Close() error {
	return t.pc.Close()
}

func mapState(s webrtc.PeerConnectionState) State {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	default:
		return StateNew
	}
}
