package channel

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"topup/internal/apperr"
	"topup/internal/audit"
	"topup/internal/events"
	"topup/internal/lifecycle"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	events chan SessionEvent
	once   sync.Once

	mu     sync.Mutex
	sent   []string
	logout int
}

func newFakeSession() *fakeSession {
	return &fakeSession{events: make(chan SessionEvent, 8)}
}

func (s *fakeSession) Events() <-chan SessionEvent { return s.events }

func (s *fakeSession) RequestPairingCode(_ context.Context, phone, label string) (string, error) {
	return "PAIR-" + phone[len(phone)-4:], nil
}

func (s *fakeSession) Send(_ context.Context, to, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, to+":"+text)
	return nil
}

func (s *fakeSession) Logout(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logout++
	return nil
}

func (s *fakeSession) Close() error {
	s.once.Do(func() { close(s.events) })
	return nil
}

func (s *fakeSession) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

type fakeTransport struct {
	mu       sync.Mutex
	sessions []*fakeSession
	creds    [][]byte
}

func (t *fakeTransport) Dial(_ context.Context, creds []byte) (Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := newFakeSession()
	t.sessions = append(t.sessions, s)
	t.creds = append(t.creds, creds)
	return s, nil
}

func (t *fakeTransport) dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

func (t *fakeTransport) session(i int) *fakeSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[i]
}

type memCreds struct {
	mu    sync.Mutex
	data  []byte
	wipes int
}

func (c *memCreds) Load() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data, nil
}

func (c *memCreds) Save(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = b
	return nil
}

func (c *memCreds) Wipe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = nil
	c.wipes++
	return nil
}

func (c *memCreds) snapshot() ([]byte, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data, c.wipes
}

type recordedCommand struct {
	orderID string
	action  lifecycle.FulfillStatus
	note    string
}

type fakeCommands struct {
	mu    sync.Mutex
	calls []recordedCommand
}

func (f *fakeCommands) TransitionFulfillment(_ context.Context, orderID string, action lifecycle.FulfillStatus, note string, _ audit.Actor) (*lifecycle.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordedCommand{orderID, action, note})
	return &lifecycle.Order{OrderID: orderID}, nil
}

func (f *fakeCommands) Calls() []recordedCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedCommand(nil), f.calls...)
}

type rig struct {
	m         *Manager
	transport *fakeTransport
	creds     *memCreds
	commands  *fakeCommands
	sink      *audit.MemorySink

	mu     sync.Mutex
	states []string
}

func (r *rig) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.states...)
}

func newRig(t *testing.T) *rig {
	t.Helper()
	bus := events.NewBus(nil)
	r := &rig{transport: &fakeTransport{}, creds: &memCreds{data: []byte("saved")}, commands: &fakeCommands{}, sink: audit.NewMemorySink()}
	events.Subscribe(bus, events.ChannelUpdated, func(e events.ChannelEvent) {
		r.mu.Lock()
		r.states = append(r.states, e.Connection)
		r.mu.Unlock()
	})
	r.m = NewManager(r.transport, r.creds, bus, r.commands, audit.NewRecorder(r.sink, nil), Config{
		OperatorAddress:  "0811-1111-111",
		ReconnectBackoff: 20 * time.Millisecond,
		LogoutDelay:      30 * time.Millisecond,
	}, nil)
	t.Cleanup(r.m.Stop)
	return r
}

func (r *rig) open(t *testing.T) *fakeSession {
	t.Helper()
	r.m.Start(context.Background())
	require.Eventually(t, func() bool { return r.transport.dials() == 1 }, time.Second, 5*time.Millisecond)
	s := r.transport.session(0)
	s.events <- SessionEvent{Kind: EventOpen, Identity: "6281111111111"}
	require.Eventually(t, func() bool { return r.m.State() == StateOpen }, time.Second, 5*time.Millisecond)
	return s
}

func TestManager_ConnectsAndOpens(t *testing.T) {
	r := newRig(t)
	r.open(t)

	snap := r.m.Snapshot()
	assert.Equal(t, "open", snap.Connection)
	assert.Equal(t, "6281111111111", snap.Identity)
	assert.Equal(t, []string{"connecting", "open"}, r.seen())
	assert.Equal(t, []byte("saved"), r.transport.creds[0])
}

func TestManager_QRIsRenderedAndClearedOnOpen(t *testing.T) {
	r := newRig(t)
	r.m.Start(context.Background())
	require.Eventually(t, func() bool { return r.transport.dials() == 1 }, time.Second, 5*time.Millisecond)
	s := r.transport.session(0)

	s.events <- SessionEvent{Kind: EventQR, QR: "2@abc,def"}
	require.Eventually(t, func() bool { return r.m.Snapshot().QRImage != "" }, time.Second, 5*time.Millisecond)
	assert.True(t, strings.HasPrefix(r.m.Snapshot().QRImage, "data:image/png;base64,"))

	s.events <- SessionEvent{Kind: EventOpen}
	require.Eventually(t, func() bool { return r.m.State() == StateOpen }, time.Second, 5*time.Millisecond)
	assert.Empty(t, r.m.Snapshot().QRImage)
}

func TestManager_LoggedOutCloseResetsAndReconnects(t *testing.T) {
	r := newRig(t)
	s := r.open(t)

	s.events <- SessionEvent{Kind: EventClose, Reason: "logout", LoggedOut: true}

	require.Eventually(t, func() bool { return r.transport.dials() == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return r.m.State() == StateConnecting }, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"connecting", "open", "close", "idle", "connecting"}, r.seen())
	data, wipes := r.creds.snapshot()
	assert.Nil(t, data)
	assert.Equal(t, 1, wipes)
	assert.Nil(t, r.transport.creds[1])
	assert.Equal(t, []string{"CHANNEL_LOGOUT_RESET"}, r.sink.Actions("session"))
	assert.Empty(t, r.m.Snapshot().Identity)
}

func TestManager_DropReconnectsWithCredentials(t *testing.T) {
	r := newRig(t)
	s := r.open(t)

	s.events <- SessionEvent{Kind: EventCreds, Creds: []byte("rotated")}
	s.events <- SessionEvent{Kind: EventClose, Reason: "connection lost"}

	require.Eventually(t, func() bool { return r.transport.dials() == 2 }, time.Second, 5*time.Millisecond)
	_, wipes := r.creds.snapshot()
	assert.Equal(t, 0, wipes)
	assert.Equal(t, []byte("rotated"), r.transport.creds[1])
}

func TestManager_Logout(t *testing.T) {
	r := newRig(t)
	s := r.open(t)

	require.NoError(t, r.m.Logout(context.Background(), audit.Admin("1")))
	assert.Equal(t, 1, s.logout)

	require.Eventually(t, func() bool { return r.transport.dials() == 2 }, time.Second, 5*time.Millisecond)
	_, wipes := r.creds.snapshot()
	assert.Equal(t, 1, wipes)
}

func TestManager_PairingCodeNeedsSession(t *testing.T) {
	r := newRig(t)

	_, err := r.m.RequestPairingCode(context.Background(), "0812", "")
	assert.ErrorIs(t, err, apperr.ErrChannelNotReady)

	r.open(t)
	code, err := r.m.RequestPairingCode(context.Background(), "081234567890", "SHOP")
	require.NoError(t, err)
	assert.Equal(t, "PAIR-7890", code)
	assert.Equal(t, "PAIR-7890", r.m.Snapshot().PairingCode)
}

func TestManager_SendIsBestEffort(t *testing.T) {
	r := newRig(t)
	r.m.Send(context.Background(), "628123", "ignored")

	s := r.open(t)
	r.m.Send(context.Background(), "628123", "hello")
	assert.Equal(t, []string{"628123:hello"}, s.Sent())
}

func TestManager_OperatorCommands(t *testing.T) {
	r := newRig(t)
	s := r.open(t)

	s.events <- SessionEvent{Kind: EventMessage, From: "6289999@s.whatsapp.net", Text: "done RD1 sent"}
	s.events <- SessionEvent{Kind: EventMessage, From: "628111111111@s.whatsapp.net", Text: "hello there"}
	s.events <- SessionEvent{Kind: EventMessage, From: "628111111111@s.whatsapp.net", Text: "reject RD2 wrong id given"}
	s.events <- SessionEvent{Kind: EventMessage, From: "628111111111@s.whatsapp.net", Text: "DONE RD3"}

	require.Eventually(t, func() bool { return len(r.commands.Calls()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []recordedCommand{
		{"RD2", lifecycle.FulfillRejected, "wrong id given"},
		{"RD3", lifecycle.FulfillDone, ""},
	}, r.commands.Calls())
}

func TestParseCommand(t *testing.T) {
	cases := map[string]struct {
		ok  bool
		cmd Command
	}{
		"done RD1":             {true, Command{lifecycle.FulfillDone, "RD1", ""}},
		"  Reject  RD2  a  b ": {true, Command{lifecycle.FulfillRejected, "RD2", "a b"}},
		"done":                 {false, Command{}},
		"process RD1":          {false, Command{}},
		"":                     {false, Command{}},
	}
	for in, want := range cases {
		got, ok := ParseCommand(in)
		assert.Equal(t, want.ok, ok, in)
		assert.Equal(t, want.cmd, got, in)
	}
}

func TestFileCredentials(t *testing.T) {
	dir := t.TempDir() + "/auth"
	c := NewFileCredentials(dir)

	data, err := c.Load()
	require.NoError(t, err)
	assert.Nil(t, data)

	require.NoError(t, c.Save([]byte(`{"me":"1"}`)))
	data, err = c.Load()
	require.NoError(t, err)
	assert.Equal(t, `{"me":"1"}`, string(data))

	require.NoError(t, c.Wipe())
	data, err = c.Load()
	require.NoError(t, err)
	assert.Nil(t, data)
}
