package sipua

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"callconsole/internal/rtc"
	"callconsole/pkg/logger"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

const (
	registerExpiry = 600
	userAgentName  = "callconsole"
	eventBuffer    = 64
)

var contentTypeSDP = sip.ContentTypeHeader("application/sdp")

// NewSipgoDialer returns a Dialer backed by emiago/sipgo. Media for SIP
// calls is negotiated without trickle: descriptions carry every candidate.
func NewSipgoDialer(transports rtc.Factory, l *slog.Logger) Dialer {
	return func(cfg Config) (UserAgent, error) {
		return newSipgoAgent(cfg, transports, logger.OrDefault(l))
	}
}

type sipgoAgent struct {
	cfg        Config
	transports rtc.Factory
	log        *slog.Logger

	ua       *sipgo.UserAgent
	client   *sipgo.Client
	server   *sipgo.Server
	outbound *sipgo.DialogClientCache
	inbound  *sipgo.DialogServerCache

	aor       sip.Uri
	contact   sip.ContactHeader
	gateway   string
	transport string

	events chan Event
	done   chan struct{}
	once   sync.Once

	mu         sync.Mutex
	registered bool
	refresh    context.CancelFunc
	sessions   map[string]*sipgoSession
}

func newSipgoAgent(cfg Config, transports rtc.Factory, l *slog.Logger) (*sipgoAgent, error) {
	var aor sip.Uri
	if err := sip.ParseUri(cfg.AOR(), &aor); err != nil {
		return nil, fmt.Errorf("sipua: parse aor %q: %w", cfg.AOR(), err)
	}
	gateway, err := cfg.GatewayAddr()
	if err != nil {
		return nil, err
	}

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(userAgentName))
	if err != nil {
		return nil, fmt.Errorf("sipua: new ua: %w", err)
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		return nil, fmt.Errorf("sipua: new client: %w", err)
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		return nil, fmt.Errorf("sipua: new server: %w", err)
	}

	// WebSocket clients cannot be reached directly; the gateway routes by
	// the connection, so the contact host is a placeholder.
	params := sip.NewParams()
	params.Add("transport", strings.ToLower(cfg.Transport()))
	contact := sip.ContactHeader{
		DisplayName: cfg.Display(),
		Address: sip.Uri{
			User:      cfg.Username,
			Host:      uuid.NewString()[:8] + ".invalid",
			UriParams: params,
		},
	}

	a := &sipgoAgent{
		cfg:        cfg,
		transports: transports,
		log:        l,
		ua:         ua,
		client:     client,
		server:     server,
		outbound:   sipgo.NewDialogClientCache(client, contact),
		inbound:    sipgo.NewDialogServerCache(client, contact),
		aor:        aor,
		contact:    contact,
		gateway:    gateway,
		transport:  cfg.Transport(),
		events:     make(chan Event, eventBuffer),
		done:       make(chan struct{}),
		sessions:   make(map[string]*sipgoSession),
	}

	server.OnInvite(a.onInvite)
	server.OnAck(a.onAck)
	server.OnBye(a.onBye)
	server.OnRefer(a.onRefer)
	server.OnOptions(func(req *sip.Request, tx sip.ServerTransaction) {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
	})
	return a, nil
}

func (a *sipgoAgent) Events() <-chan Event { return a.events }

func (a *sipgoAgent) emit(ev Event) {
	select {
	case a.events <- ev:
	case <-a.done:
	}
}

func (a *sipgoAgent) request(method sip.RequestMethod, recipient sip.Uri) *sip.Request {
	req := sip.NewRequest(method, recipient)
	req.SetTransport(a.transport)
	req.SetDestination(a.gateway)
	return req
}

func (a *sipgoAgent) fromHeader() *sip.FromHeader {
	params := sip.NewParams()
	params.Add("tag", sip.GenerateTagN(16))
	return &sip.FromHeader{DisplayName: a.cfg.Display(), Address: a.aor, Params: params}
}

// Connect probes the gateway with OPTIONS; any response proves the socket.
func (a *sipgoAgent) Connect(ctx context.Context) error {
	if err := a.probe(ctx); err != nil {
		a.emit(TransportEvent{State: TransportDisconnected, Err: err})
		return err
	}
	a.emit(TransportEvent{State: TransportConnected})
	return nil
}

func (a *sipgoAgent) probe(ctx context.Context) error {
	req := a.request(sip.OPTIONS, sip.Uri{Host: a.aor.Host})
	req.AppendHeader(a.fromHeader())
	if _, err := a.client.Do(ctx, req); err != nil {
		return fmt.Errorf("sipua: reach %s: %w", a.gateway, err)
	}
	return nil
}

func (a *sipgoAgent) Register(ctx context.Context) error {
	a.emit(RegistrationEvent{State: RegRegistering})
	if err := a.register(ctx, registerExpiry); err != nil {
		a.emit(RegistrationEvent{State: RegUnregistered, Err: err})
		return err
	}

	a.mu.Lock()
	a.registered = true
	if a.refresh != nil {
		a.refresh()
	}
	rctx, cancel := context.WithCancel(context.Background())
	a.refresh = cancel
	a.mu.Unlock()

	a.emit(RegistrationEvent{State: RegRegistered})
	go a.refreshLoop(rctx)
	return nil
}

func (a *sipgoAgent) Unregister(ctx context.Context) error {
	a.mu.Lock()
	if a.refresh != nil {
		a.refresh()
		a.refresh = nil
	}
	wasRegistered := a.registered
	a.registered = false
	a.mu.Unlock()

	if !wasRegistered {
		return nil
	}
	err := a.register(ctx, 0)
	a.emit(RegistrationEvent{State: RegUnregistered, Err: err})
	return err
}

func (a *sipgoAgent) register(ctx context.Context, expires int) error {
	req := a.request(sip.REGISTER, sip.Uri{Host: a.aor.Host})
	req.AppendHeader(a.fromHeader())
	req.AppendHeader(&sip.ToHeader{Address: a.aor, Params: sip.NewParams()})
	req.AppendHeader(&a.contact)
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expires)))

	res, err := a.client.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("sipua: register: %w", err)
	}
	if res.StatusCode == sip.StatusUnauthorized || res.StatusCode == sip.StatusProxyAuthRequired {
		tx, err := a.client.DoDigestAuth(ctx, req, res, sipgo.DigestAuth{
			Username: a.cfg.Username,
			Password: a.cfg.Password,
		})
		if err != nil {
			return fmt.Errorf("sipua: register auth: %w", err)
		}
		defer tx.Terminate()
		if res, err = finalResponse(ctx, tx); err != nil {
			return fmt.Errorf("sipua: register auth: %w", err)
		}
	}
	if !res.IsSuccess() {
		return fmt.Errorf("%w: %d %s", ErrRegistration, res.StatusCode, res.Reason)
	}
	return nil
}

// finalResponse waits for the first non-provisional response on tx.
func finalResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	for {
		select {
		case res := <-tx.Responses():
			if res.IsProvisional() {
				continue
			}
			return res, nil
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, err
			}
			return nil, ErrRegistration
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// refreshLoop re-registers before expiry. A failed refresh reports the
// transport as down and falls back to probing until the gateway answers.
func (a *sipgoAgent) refreshLoop(ctx context.Context) {
	period := time.Duration(registerExpiry) * time.Second * 8 / 10
	t := time.NewTicker(period)
	defer t.Stop()
	down := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.done:
			return
		case <-t.C:
		}

		rctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		var err error
		if down {
			err = a.probe(rctx)
		} else {
			err = a.register(rctx, registerExpiry)
		}
		cancel()

		switch {
		case err != nil && !down:
			down = true
			a.log.Warn("sip refresh failed", "err", err)
			a.emit(TransportEvent{State: TransportDisconnected, Err: err})
		case err == nil && down:
			// The agent re-registers on reconnect, which restarts this loop.
			a.emit(TransportEvent{State: TransportConnected})
			return
		}
	}
}

func (a *sipgoAgent) Invite(ctx context.Context, target string, stream *rtc.Stream) (Session, error) {
	var recipient sip.Uri
	if err := sip.ParseUri(target, &recipient); err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidTarget, target, err)
	}

	tr, local, err := a.localOffer(ctx, stream)
	if err != nil {
		return nil, err
	}

	req := a.request(sip.INVITE, recipient)
	req.AppendHeader(a.fromHeader())
	req.AppendHeader(&sip.ToHeader{Address: recipient, Params: sip.NewParams()})
	req.AppendHeader(&contentTypeSDP)
	req.SetBody([]byte(local.SDP))

	dlg, err := a.outbound.WriteInvite(ctx, req)
	if err != nil {
		_ = tr.Close()
		return nil, fmt.Errorf("sipua: invite: %w", err)
	}

	s := &sipgoSession{
		agent:     a,
		id:        dlg.ID,
		callID:    req.CallID().Value(),
		direction: Outbound,
		remote:    recipient.String(),
		state:     SessionEstablishing,
		transport: tr,
		client:    dlg,
	}
	a.track(s)
	a.emit(SessionEvent{Session: s, State: SessionEstablishing})
	go s.awaitAnswer()
	return s, nil
}

func (a *sipgoAgent) localOffer(ctx context.Context, stream *rtc.Stream) (rtc.Transport, webrtc.SessionDescription, error) {
	tr, err := a.transports.NewTransport()
	if err != nil {
		return nil, webrtc.SessionDescription{}, err
	}
	if err := tr.AttachStream(stream); err != nil {
		_ = tr.Close()
		return nil, webrtc.SessionDescription{}, err
	}
	if _, err := tr.CreateOffer(ctx); err != nil {
		_ = tr.Close()
		return nil, webrtc.SessionDescription{}, err
	}
	local, err := tr.GatherComplete(ctx)
	if err != nil {
		_ = tr.Close()
		return nil, webrtc.SessionDescription{}, err
	}
	return tr, local, nil
}

func (a *sipgoAgent) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	dlg, err := a.inbound.ReadInvite(req, tx)
	if err != nil {
		a.log.Warn("sip invite rejected", "err", err)
		_ = tx.Respond(sip.NewResponseFromRequest(req, 400, "Bad Request", nil))
		return
	}
	if err := dlg.Respond(180, "Ringing", nil); err != nil {
		a.log.Warn("sip ringing failed", "err", err)
	}

	remote := ""
	if from := req.From(); from != nil {
		remote = from.Address.String()
		if from.DisplayName != "" {
			remote = fmt.Sprintf("%s <%s>", from.DisplayName, remote)
		}
	}
	s := &sipgoSession{
		agent:     a,
		id:        dlg.ID,
		callID:    req.CallID().Value(),
		direction: Inbound,
		remote:    remote,
		state:     SessionInitial,
		offer:     string(req.Body()),
		server:    dlg,
		settled:   make(chan struct{}),
	}
	a.track(s)
	a.emit(InviteEvent{Session: s})

	// The server transaction must outlive the handler until we answer.
	select {
	case <-s.settled:
	case <-tx.Done():
	case <-a.done:
	}
	s.watch(dlg.Context())
}

func (a *sipgoAgent) onAck(req *sip.Request, tx sip.ServerTransaction) {
	if err := a.inbound.ReadAck(req, tx); err != nil {
		a.log.Debug("sip ack without dialog", "err", err)
	}
}

func (a *sipgoAgent) onBye(req *sip.Request, tx sip.ServerTransaction) {
	err := a.inbound.ReadBye(req, tx)
	if errors.Is(err, sipgo.ErrDialogDoesNotExists) {
		err = a.outbound.ReadBye(req, tx)
	}
	if err != nil {
		a.log.Debug("sip bye without dialog", "err", err)
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
	}
}

func (a *sipgoAgent) onRefer(req *sip.Request, tx sip.ServerTransaction) {
	s := a.lookup(req.CallID().Value())
	hdr := req.GetHeader("Refer-To")
	if s == nil || hdr == nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}
	_ = tx.Respond(sip.NewResponseFromRequest(req, 202, "Accepted", nil))
	target := strings.Trim(strings.TrimSpace(hdr.Value()), "<>")
	if i := strings.IndexByte(target, '?'); i >= 0 {
		target = target[:i]
	}
	a.emit(ReferEvent{Session: s, Target: target})
}

func (a *sipgoAgent) track(s *sipgoSession) {
	a.mu.Lock()
	a.sessions[s.callID] = s
	a.mu.Unlock()
}

func (a *sipgoAgent) forget(s *sipgoSession) {
	a.mu.Lock()
	if a.sessions[s.callID] == s {
		delete(a.sessions, s.callID)
	}
	a.mu.Unlock()
}

func (a *sipgoAgent) lookup(callID string) *sipgoSession {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessions[callID]
}

func (a *sipgoAgent) Close() error {
	a.once.Do(func() {
		a.mu.Lock()
		if a.refresh != nil {
			a.refresh()
			a.refresh = nil
		}
		a.mu.Unlock()
		close(a.done)
	})
	return errors.Join(a.client.Close(), a.server.Close(), a.ua.Close())
}

// sipgoSession is one dialog, either side.
type sipgoSession struct {
	agent     *sipgoAgent
	id        string
	callID    string
	direction Direction
	remote    string
	offer     string

	client *sipgo.DialogClientSession
	server *sipgo.DialogServerSession
	// settled is closed once an inbound invite is answered or rejected.
	settled    chan struct{}
	settleOnce sync.Once
	watchOnce  sync.Once

	mu        sync.Mutex
	state     SessionState
	answered  bool
	transport rtc.Transport
}

func (s *sipgoSession) ID() string             { return s.id }
func (s *sipgoSession) Direction() Direction   { return s.direction }
func (s *sipgoSession) RemoteIdentity() string { return s.remote }

func (s *sipgoSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// setState reports a change; terminal states are reported once.
func (s *sipgoSession) setState(st SessionState) {
	s.mu.Lock()
	if s.state == st || s.state == SessionTerminated {
		s.mu.Unlock()
		return
	}
	s.state = st
	tr := s.transport
	if st == SessionTerminated {
		s.transport = nil
	}
	s.mu.Unlock()

	if st == SessionTerminated {
		if tr != nil {
			_ = tr.Close()
		}
		s.agent.forget(s)
		s.settle()
	}
	s.agent.emit(SessionEvent{Session: s, State: st})
}

func (s *sipgoSession) settle() {
	if s.settled != nil {
		s.settleOnce.Do(func() { close(s.settled) })
	}
}

func (s *sipgoSession) Accept(ctx context.Context, stream *rtc.Stream) error {
	if s.server == nil {
		return errors.New("sipua: accept on outbound session")
	}
	defer s.settle()
	s.setState(SessionEstablishing)

	tr, err := s.agent.transports.NewTransport()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.transport = tr
	s.mu.Unlock()

	if err := tr.AttachStream(stream); err != nil {
		return err
	}
	if err := tr.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: s.offer}); err != nil {
		return err
	}
	if _, err := tr.CreateAnswer(ctx); err != nil {
		return err
	}
	local, err := tr.GatherComplete(ctx)
	if err != nil {
		return err
	}
	if err := s.server.RespondSDP([]byte(local.SDP)); err != nil {
		return fmt.Errorf("sipua: answer: %w", err)
	}
	s.mu.Lock()
	s.answered = true
	s.mu.Unlock()
	s.setState(SessionEstablished)
	return nil
}

func (s *sipgoSession) awaitAnswer() {
	ctx := s.client.Context()
	err := s.client.WaitAnswer(ctx, sipgo.AnswerOptions{
		Username: s.agent.cfg.Username,
		Password: s.agent.cfg.Password,
	})
	if err != nil {
		s.agent.log.Info("sip call not answered", "session_id", s.id, "err", err)
		s.setState(SessionTerminated)
		return
	}

	s.mu.Lock()
	tr := s.transport
	s.mu.Unlock()
	if tr == nil {
		return
	}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: string(s.client.InviteResponse.Body())}
	if err := tr.SetRemoteDescription(answer); err != nil {
		s.agent.log.Warn("sip answer sdp rejected", "session_id", s.id, "err", err)
		_ = s.Terminate(context.Background())
		return
	}
	if err := s.client.Ack(ctx); err != nil {
		s.agent.log.Warn("sip ack failed", "session_id", s.id, "err", err)
	}
	s.setState(SessionEstablished)
	s.watch(ctx)
}

// watch reports termination when the dialog context ends.
func (s *sipgoSession) watch(ctx context.Context) {
	s.watchOnce.Do(func() {
		go func() {
			select {
			case <-ctx.Done():
				s.setState(SessionTerminated)
			case <-s.agent.done:
				s.setState(SessionTerminated)
			}
		}()
	})
}

func (s *sipgoSession) Terminate(ctx context.Context) error {
	switch s.State() {
	case SessionTerminated, SessionTerminating:
		return nil
	}
	s.mu.Lock()
	answered := s.answered
	s.mu.Unlock()
	s.setState(SessionTerminating)

	var err error
	switch {
	case s.server != nil && !answered:
		err = s.server.Respond(486, "Busy Here", nil)
	case s.server != nil:
		err = s.server.Bye(ctx)
	case s.client != nil:
		err = s.client.Bye(ctx)
	}
	s.setState(SessionTerminated)
	return err
}

func (s *sipgoSession) Refer(ctx context.Context, target string) error {
	var contact *sip.ContactHeader
	switch {
	case s.client != nil && s.client.InviteResponse != nil:
		contact = s.client.InviteResponse.Contact()
	case s.server != nil:
		contact = s.server.InviteRequest.Contact()
	}
	if contact == nil {
		return errors.New("sipua: remote contact unknown")
	}

	req := s.agent.request(sip.REFER, contact.Address)
	req.AppendHeader(sip.NewHeader("Refer-To", "<"+target+">"))
	req.AppendHeader(sip.NewHeader("Referred-By", "<"+s.agent.cfg.AOR()+">"))

	var (
		res *sip.Response
		err error
	)
	if s.client != nil {
		res, err = s.client.Do(ctx, req)
	} else {
		res, err = s.server.Do(ctx, req)
	}
	if err != nil {
		return err
	}
	if !res.IsSuccess() {
		return fmt.Errorf("sipua: refer rejected: %d %s", res.StatusCode, res.Reason)
	}
	return nil
}
