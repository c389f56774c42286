package sipua

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"callconsole/internal/rtc"
	"callconsole/pkg/logger"
)

// Status is the registration status shown to the operator.
type Status string

const (
	StatusDisabled     Status = "disabled"
	StatusStopped      Status = "stopped"
	StatusConnecting   Status = "connecting"
	StatusRegistering  Status = "registering"
	StatusRegistered   Status = "registered"
	StatusUnregistered Status = "unregistered"
	StatusOffline      Status = "offline"
	StatusTerminated   Status = "terminated"
	StatusFailed       Status = "failed"
)

const reregisterTimeout = 15 * time.Second

// Agent owns the registration lifecycle of one UserAgent. Registration and
// transport events become Status changes; call events are passed through to
// the handler unchanged.
type Agent struct {
	cfg  Config
	dial Dialer
	log  *slog.Logger

	mu             sync.Mutex
	handler        func(Event)
	started        bool
	ua             UserAgent
	stop           chan struct{}
	status         Status
	detail         string
	wantRegistered bool
}

func NewAgent(cfg Config, dial Dialer, l *slog.Logger) *Agent {
	status := StatusStopped
	if !cfg.IsComplete() {
		status = StatusDisabled
	}
	return &Agent{cfg: cfg, dial: dial, log: logger.OrDefault(l), status: status}
}

// Handle sets the single event sink. Call before Start.
func (a *Agent) Handle(fn func(Event)) {
	a.mu.Lock()
	a.handler = fn
	a.mu.Unlock()
}

func (a *Agent) Config() Config { return a.cfg }

// Start connects and registers. It returns nil without doing anything when
// already started, and reports StatusDisabled when the configuration is
// incomplete.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return nil
	}
	if missing := a.cfg.MissingFields(); len(missing) > 0 {
		a.mu.Unlock()
		a.setStatus(StatusDisabled, "missing "+strings.Join(missing, ", "))
		return nil
	}
	a.started = true
	a.wantRegistered = true
	a.mu.Unlock()

	a.setStatus(StatusConnecting, a.cfg.WSSServer)
	ua, err := a.dial(a.cfg)
	if err != nil {
		return a.fail(nil, err)
	}

	stop := make(chan struct{})
	a.mu.Lock()
	a.ua = ua
	a.stop = stop
	a.mu.Unlock()
	go a.loop(ua.Events(), stop)

	if err := ua.Connect(ctx); err != nil {
		return a.fail(ua, err)
	}
	a.setStatus(StatusRegistering, a.cfg.AOR())
	if err := ua.Register(ctx); err != nil {
		return a.fail(ua, err)
	}
	a.setStatus(StatusRegistered, a.cfg.AOR())
	a.log.Info("sip registered", "aor", a.cfg.AOR())
	return nil
}

// fail resets the agent so a later Start can retry.
func (a *Agent) fail(ua UserAgent, cause error) error {
	a.mu.Lock()
	a.started = false
	a.wantRegistered = false
	a.ua = nil
	stop := a.stop
	a.stop = nil
	a.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if ua != nil {
		if err := ua.Close(); err != nil {
			a.log.Warn("sip close after failure", "err", err)
		}
	}
	a.log.Warn("sip start failed", "err", cause)
	a.setStatus(StatusFailed, cause.Error())
	return fmt.Errorf("%w: %w", ErrRegistration, cause)
}

// Stop unregisters best-effort, then closes the transport. Never fails.
func (a *Agent) Stop(ctx context.Context) {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return
	}
	a.started = false
	a.wantRegistered = false
	ua, stop := a.ua, a.stop
	a.ua, a.stop = nil, nil
	a.mu.Unlock()

	if ua != nil {
		if err := ua.Unregister(ctx); err != nil {
			a.log.Warn("sip unregister failed", "err", err)
		}
		if err := ua.Close(); err != nil {
			a.log.Warn("sip close failed", "err", err)
		}
	}
	if stop != nil {
		close(stop)
	}
	a.setStatus(StatusTerminated, "")
}

// Invite places an outbound call through the registered user agent.
func (a *Agent) Invite(ctx context.Context, target string, stream *rtc.Stream) (Session, error) {
	a.mu.Lock()
	ua := a.ua
	a.mu.Unlock()
	if ua == nil {
		return nil, ErrNotStarted
	}
	return ua.Invite(ctx, target, stream)
}

func (a *Agent) Status() (Status, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status, a.detail
}

func (a *Agent) loop(events <-chan Event, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case ev := <-events:
			a.handle(ev)
		}
	}
}

func (a *Agent) handle(ev Event) {
	a.mu.Lock()
	started := a.started
	a.mu.Unlock()
	if !started {
		return
	}

	switch e := ev.(type) {
	case RegistrationEvent:
		a.onRegistration(e)
	case TransportEvent:
		a.onTransport(e)
	default:
		a.forward(ev)
	}
}

func (a *Agent) onRegistration(e RegistrationEvent) {
	detail := ""
	if e.Err != nil {
		detail = e.Err.Error()
	}
	switch e.State {
	case RegRegistering:
		a.setStatus(StatusRegistering, detail)
	case RegRegistered:
		a.setStatus(StatusRegistered, a.cfg.AOR())
	case RegUnregistered:
		a.setStatus(StatusUnregistered, detail)
	case RegTerminated:
		a.setStatus(StatusTerminated, detail)
	}
}

func (a *Agent) onTransport(e TransportEvent) {
	a.mu.Lock()
	status, want, ua := a.status, a.wantRegistered, a.ua
	a.mu.Unlock()

	switch e.State {
	case TransportDisconnected:
		// Registration intent survives; a reconnect re-registers.
		if status == StatusRegistered || status == StatusRegistering {
			detail := "transport disconnected"
			if e.Err != nil {
				detail = e.Err.Error()
			}
			a.log.Warn("sip transport lost", "err", e.Err)
			a.setStatus(StatusOffline, detail)
		}
	case TransportConnected:
		if status == StatusOffline && want && ua != nil {
			go a.reregister(ua)
		}
	}
}

func (a *Agent) reregister(ua UserAgent) {
	ctx, cancel := context.WithTimeout(context.Background(), reregisterTimeout)
	defer cancel()
	a.setStatus(StatusRegistering, a.cfg.AOR())
	if err := ua.Register(ctx); err != nil {
		a.log.Warn("sip re-register failed", "err", err)
		a.setStatus(StatusOffline, err.Error())
		return
	}
	a.setStatus(StatusRegistered, a.cfg.AOR())
}

func (a *Agent) setStatus(s Status, detail string) {
	a.mu.Lock()
	if a.status == s && a.detail == detail {
		a.mu.Unlock()
		return
	}
	a.status = s
	a.detail = detail
	a.mu.Unlock()
	a.forward(StatusEvent{Status: s, Detail: detail})
}

func (a *Agent) forward(ev Event) {
	a.mu.Lock()
	fn := a.handler
	a.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}
