package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"callconsole/internal/rtc"

	"github.com/pion/webrtc/v4"
)

// loopback is two local transports wired to each other with no relay. It
// exercises media capture and negotiation without any network dependency.
type loopback struct {
	devices *rtc.Devices
	stream  *rtc.Stream
	local   rtc.Transport
	remote  rtc.Transport

	once sync.Once
}

func startLoopback(ctx context.Context, f rtc.Factory, devices *rtc.Devices, c rtc.Constraints, onState func(rtc.State)) (*loopback, error) {
	stream, err := devices.Acquire(ctx, c)
	if err != nil {
		return nil, err
	}
	lb := &loopback{devices: devices, stream: stream}

	if lb.local, err = f.NewTransport(); err != nil {
		lb.Close()
		return nil, err
	}
	if lb.remote, err = f.NewTransport(); err != nil {
		lb.Close()
		return nil, err
	}

	toRemote := newCandidatePipe(lb.remote)
	toLocal := newCandidatePipe(lb.local)
	lb.local.OnLocalCandidate(toRemote.push)
	lb.remote.OnLocalCandidate(toLocal.push)
	lb.local.OnStateChange(onState)

	if err := lb.negotiate(ctx, toRemote, toLocal); err != nil {
		lb.Close()
		return nil, fmt.Errorf("loopback: %w", err)
	}
	return lb, nil
}

func (lb *loopback) negotiate(ctx context.Context, toRemote, toLocal *candidatePipe) error {
	if err := lb.local.AttachStream(lb.stream); err != nil {
		return err
	}
	if err := lb.remote.AttachStream(nil); err != nil {
		return err
	}
	offer, err := lb.local.CreateOffer(ctx)
	if err != nil {
		return err
	}
	if err := lb.remote.SetRemoteDescription(offer); err != nil {
		return err
	}
	toRemote.open()

	answer, err := lb.remote.CreateAnswer(ctx)
	if err != nil {
		return err
	}
	if err := lb.local.SetRemoteDescription(answer); err != nil {
		return err
	}
	toLocal.open()
	return nil
}

// Close releases both transports and the media reference. Idempotent.
func (lb *loopback) Close() error {
	var err error
	lb.once.Do(func() {
		var errs []error
		for _, t := range []rtc.Transport{lb.local, lb.remote} {
			if t != nil {
				errs = append(errs, t.Close())
			}
		}
		lb.devices.Release(lb.stream)
		err = errors.Join(errs...)
	})
	return err
}

// candidatePipe holds candidates until the receiving side has a remote
// description, then forwards them in order.
type candidatePipe struct {
	to rtc.Transport

	mu     sync.Mutex
	ready  bool
	queued []webrtc.ICECandidateInit
}

func newCandidatePipe(to rtc.Transport) *candidatePipe {
	return &candidatePipe{to: to}
}

func (p *candidatePipe) push(c webrtc.ICECandidateInit) {
	p.mu.Lock()
	if !p.ready {
		p.queued = append(p.queued, c)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	_ = p.to.AddICECandidate(c)
}

func (p *candidatePipe) open() {
	p.mu.Lock()
	p.ready = true
	queued := p.queued
	p.queued = nil
	p.mu.Unlock()
	for _, c := range queued {
		_ = p.to.AddICECandidate(c)
	}
}
