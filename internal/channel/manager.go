package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"topup/internal/apperr"
	"topup/internal/audit"
	"topup/internal/events"
	"topup/internal/lifecycle"
)

type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClose      State = "close"
)

// CommandHandler applies operator commands received over the channel.
type CommandHandler interface {
	TransitionFulfillment(ctx context.Context, orderID string, action lifecycle.FulfillStatus, note string, actor audit.Actor) (*lifecycle.Order, error)
}

type Auditor interface {
	Record(ctx context.Context, actor audit.Actor, action, target, targetID string, meta map[string]any)
}

type Config struct {
	OperatorAddress  string
	ReconnectBackoff time.Duration
	LogoutDelay      time.Duration
	DialTimeout      time.Duration
	CallTimeout      time.Duration
}

// Manager owns the single channel session: it dials, follows the session's
// events, reconnects after drops and exposes a redacted snapshot.
//
// A generation counter ties every goroutine to the session attempt that
// started it; anything reported by an older generation is dropped.
type Manager struct {
	transport Transport
	creds     CredentialStore
	bus       *events.Bus
	commands  CommandHandler
	audit     Auditor
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	// pub keeps snapshot publications in mutation order.
	pub sync.Mutex

	mu       sync.Mutex
	state    events.ChannelEvent
	session  Session
	gen      uint64
	retry    *time.Timer
	ctx      context.Context
	cancel   context.CancelFunc
	stopped  bool
	operator string
	wg       sync.WaitGroup
}

func NewManager(transport Transport, creds CredentialStore, bus *events.Bus, commands CommandHandler, auditor Auditor, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = 1500 * time.Millisecond
	}
	if cfg.LogoutDelay <= 0 {
		cfg.LogoutDelay = 1200 * time.Millisecond
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 20 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 15 * time.Second
	}
	operator, _ := lifecycle.NormalizeContact(cfg.OperatorAddress)
	return &Manager{
		transport: transport,
		creds:     creds,
		bus:       bus,
		commands:  commands,
		audit:     auditor,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		state:     events.ChannelEvent{Connection: string(StateIdle), UpdatedAt: time.Now().UTC()},
		operator:  operator,
	}
}

// Snapshot returns the current redacted session state.
func (m *Manager) Snapshot() events.ChannelEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State(m.state.Connection)
}

// OperatorAddress is the normalized address allowed to send commands.
func (m *Manager) OperatorAddress() string { return m.operator }

// Start begins the first connection attempt.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.ctx != nil {
		m.mu.Unlock()
		return
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.connect()
}

// Stop cancels any scheduled retry, closes the session and waits for the
// session goroutines to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.gen++
	m.stopRetry()
	sess := m.session
	m.session = nil
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()

	if sess != nil {
		_ = sess.Close()
	}
	m.wg.Wait()
}

// commit applies fn to the state under mu and publishes the result. Callers
// must not hold mu.
func (m *Manager) commit(fn func(s *events.ChannelEvent)) {
	m.mu.Lock()
	m.commitLocked(fn)
}

// commitLocked is commit for callers that already hold mu; it releases mu.
func (m *Manager) commitLocked(fn func(s *events.ChannelEvent)) {
	fn(&m.state)
	m.state.UpdatedAt = m.now().UTC()
	snap := m.state

	m.pub.Lock()
	m.mu.Unlock()
	defer m.pub.Unlock()
	events.Publish(m.bus, events.ChannelUpdated, snap)
}

func (m *Manager) connect() {
	m.mu.Lock()
	if m.stopped || m.ctx == nil {
		m.mu.Unlock()
		return
	}
	m.retry = nil
	m.gen++
	gen := m.gen
	ctx := m.ctx
	m.wg.Add(1)
	m.commitLocked(func(s *events.ChannelEvent) {
		s.Connection = string(StateConnecting)
		s.LastError = ""
	})

	go m.dial(ctx, gen)
}

func (m *Manager) dial(ctx context.Context, gen uint64) {
	defer m.wg.Done()

	creds, err := m.creds.Load()
	if err != nil {
		m.logger.Warn("load channel credentials", "err", err)
	}

	dctx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	sess, err := m.transport.Dial(dctx, creds)
	cancel()

	m.mu.Lock()
	if gen != m.gen || m.stopped {
		m.mu.Unlock()
		if sess != nil {
			_ = sess.Close()
		}
		return
	}
	if err != nil {
		m.logger.Warn("channel dial failed", "err", err)
		m.scheduleRetry(m.cfg.ReconnectBackoff)
		m.commitLocked(func(s *events.ChannelEvent) {
			s.Connection = string(StateClose)
			s.LastError = fmt.Sprintf("channel disconnected: %v", err)
		})
		return
	}
	m.session = sess
	m.wg.Add(1)
	m.mu.Unlock()

	go m.follow(ctx, gen, sess)
}

func (m *Manager) follow(ctx context.Context, gen uint64, sess Session) {
	defer m.wg.Done()

	for ev := range sess.Events() {
		if !m.current(gen) {
			continue
		}
		switch ev.Kind {
		case EventQR:
			png, err := QRDataURL(ev.QR)
			if err != nil {
				m.logger.Warn("render channel qr", "err", err)
			}
			m.commit(func(s *events.ChannelEvent) {
				s.Connection = string(StateConnecting)
				s.QRImage = png
				s.PairingCode = ""
			})
			m.logger.Info("channel qr updated")
		case EventOpen:
			m.commit(func(s *events.ChannelEvent) {
				s.Connection = string(StateOpen)
				s.QRImage = ""
				s.PairingCode = ""
				s.LastError = ""
				s.Identity = ev.Identity
			})
			m.logger.Info("channel connected", "me", ev.Identity)
		case EventCreds:
			if err := m.creds.Save(ev.Creds); err != nil {
				m.logger.Error("save channel credentials", "err", err)
			}
		case EventMessage:
			m.handleMessage(ctx, ev)
		case EventClose:
			m.closed(gen, sess, ev.Reason, ev.LoggedOut)
		}
	}
	m.closed(gen, sess, "session ended", false)
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen && !m.stopped
}

// closed handles the end of session gen. A logged-out session loses its
// credentials and goes back to idle before the next attempt.
func (m *Manager) closed(gen uint64, sess Session, reason string, loggedOut bool) {
	m.mu.Lock()
	if gen != m.gen || m.stopped {
		m.mu.Unlock()
		return
	}
	m.gen++
	m.session = nil
	m.mu.Unlock()

	_ = sess.Close()
	m.logger.Warn("channel disconnected", "reason", reason, "logged_out", loggedOut)

	m.commit(func(s *events.ChannelEvent) {
		s.Connection = string(StateClose)
		s.Identity = ""
		s.LastError = "channel disconnected: " + reason
	})

	if !loggedOut {
		m.mu.Lock()
		m.scheduleRetry(m.cfg.ReconnectBackoff)
		m.mu.Unlock()
		return
	}
	m.reset(m.ctxOrBackground(), audit.System)
}

// Logout unlinks the account, wipes the credentials and starts over.
func (m *Manager) Logout(ctx context.Context, actor audit.Actor) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.gen++
	m.stopRetry()
	sess := m.session
	m.session = nil
	m.mu.Unlock()

	if sess != nil {
		lctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
		if err := sess.Logout(lctx); err != nil {
			m.logger.Warn("channel logout", "err", err)
		}
		cancel()
		_ = sess.Close()
	}
	m.reset(ctx, actor)
	return nil
}

func (m *Manager) reset(ctx context.Context, actor audit.Actor) {
	if err := m.creds.Wipe(); err != nil {
		m.logger.Error("wipe channel credentials", "err", err)
	}
	if m.audit != nil {
		m.audit.Record(ctx, actor, "CHANNEL_LOGOUT_RESET", "channel", "session", nil)
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.scheduleRetry(m.cfg.LogoutDelay)
	m.commitLocked(func(s *events.ChannelEvent) {
		*s = events.ChannelEvent{Connection: string(StateIdle)}
	})
}

// RequestPairingCode asks the live session for a code that links phone
// without scanning the QR.
func (m *Manager) RequestPairingCode(ctx context.Context, phone, label string) (string, error) {
	m.mu.Lock()
	sess := m.session
	m.mu.Unlock()
	if sess == nil {
		return "", apperr.ChannelNotReady()
	}

	addr, _ := lifecycle.NormalizeContact(phone)
	if addr == "" {
		return "", apperr.Validation("phone number is invalid")
	}

	cctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()
	code, err := sess.RequestPairingCode(cctx, addr, label)
	if err != nil {
		return "", fmt.Errorf("request pairing code: %w", err)
	}

	m.commit(func(s *events.ChannelEvent) {
		s.PairingCode = code
		s.QRImage = ""
	})
	return code, nil
}

// Send delivers text to address when the session is open. It never fails the
// caller; problems are logged.
func (m *Manager) Send(ctx context.Context, address, text string) {
	m.mu.Lock()
	sess := m.session
	open := m.state.Connection == string(StateOpen)
	m.mu.Unlock()
	if sess == nil || !open || address == "" {
		m.logger.Debug("channel send skipped", "to", address)
		return
	}

	cctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()
	if err := sess.Send(cctx, address, text); err != nil {
		m.logger.Warn("channel send failed", "to", address, "err", err)
	}
}

func (m *Manager) handleMessage(ctx context.Context, ev SessionEvent) {
	if m.operator == "" || m.commands == nil || addressOf(ev.From) != m.operator {
		return
	}
	cmd, ok := ParseCommand(ev.Text)
	if !ok {
		return
	}
	if _, err := m.commands.TransitionFulfillment(ctx, cmd.OrderID, cmd.Action, cmd.Note, audit.Admin(m.operator)); err != nil {
		m.logger.Warn("channel command failed", "order_id", cmd.OrderID, "action", string(cmd.Action), "err", err)
		return
	}
	m.logger.Info("channel command applied", "order_id", cmd.OrderID, "action", string(cmd.Action))
}

// scheduleRetry replaces any pending retry. Callers hold mu.
func (m *Manager) scheduleRetry(d time.Duration) {
	m.stopRetry()
	m.retry = time.AfterFunc(d, m.connect)
}

func (m *Manager) stopRetry() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

func (m *Manager) ctxOrBackground() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx != nil {
		return m.ctx
	}
	return context.Background()
}
