package channel

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gw "github.com/gorilla/websocket"
)

const bridgeWriteWait = 10 * time.Second

// inFrame is any frame the bridge sends us.
type inFrame struct {
	Event     string `json:"event"`
	QR        string `json:"qr,omitempty"`
	ID        string `json:"id,omitempty"`
	Reason    string `json:"reason,omitempty"`
	LoggedOut bool   `json:"logged_out,omitempty"`
	From      string `json:"from,omitempty"`
	Text      string `json:"text,omitempty"`
	Creds     string `json:"creds,omitempty"`
	Req       string `json:"req,omitempty"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`
}

type outFrame struct {
	Op    string `json:"op"`
	To    string `json:"to,omitempty"`
	Text  string `json:"text,omitempty"`
	Phone string `json:"phone,omitempty"`
	Label string `json:"label,omitempty"`
	Req   string `json:"req,omitempty"`
}

// Bridge reaches the messaging network through a websocket bridge process
// that holds the actual device session.
type Bridge struct {
	url    string
	dialer *gw.Dialer
}

func NewBridge(url string) *Bridge {
	return &Bridge{url: url, dialer: &gw.Dialer{HandshakeTimeout: 15 * time.Second}}
}

func (b *Bridge) Dial(ctx context.Context, creds []byte) (Session, error) {
	if b.url == "" {
		return nil, errors.New("channel bridge url is not configured")
	}
	header := http.Header{}
	if len(creds) > 0 {
		header.Set("X-Channel-Creds", base64.StdEncoding.EncodeToString(creds))
	}
	conn, _, err := b.dialer.DialContext(ctx, b.url, header)
	if err != nil {
		return nil, fmt.Errorf("dial bridge: %w", err)
	}

	s := &bridgeSession{
		conn:    conn,
		events:  make(chan SessionEvent, 16),
		pending: make(map[string]chan inFrame),
		done:    make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

type bridgeSession struct {
	conn   *gw.Conn
	events chan SessionEvent

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan inFrame

	done      chan struct{}
	closeOnce sync.Once
}

func (s *bridgeSession) Events() <-chan SessionEvent { return s.events }

func (s *bridgeSession) readLoop() {
	defer close(s.events)

	for {
		var f inFrame
		if err := s.conn.ReadJSON(&f); err != nil {
			s.emit(SessionEvent{Kind: EventClose, Reason: err.Error()})
			return
		}

		switch f.Event {
		case "qr":
			s.emit(SessionEvent{Kind: EventQR, QR: f.QR})
		case "open":
			s.emit(SessionEvent{Kind: EventOpen, Identity: f.ID})
		case "close":
			s.emit(SessionEvent{Kind: EventClose, Reason: f.Reason, LoggedOut: f.LoggedOut})
		case "message":
			s.emit(SessionEvent{Kind: EventMessage, From: f.From, Text: f.Text})
		case "creds":
			creds, err := base64.StdEncoding.DecodeString(f.Creds)
			if err == nil {
				s.emit(SessionEvent{Kind: EventCreds, Creds: creds})
			}
		case "pair":
			s.mu.Lock()
			ch, ok := s.pending[f.Req]
			delete(s.pending, f.Req)
			s.mu.Unlock()
			if ok {
				ch <- f
			}
		}
	}
}

func (s *bridgeSession) emit(ev SessionEvent) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *bridgeSession) write(f outFrame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(bridgeWriteWait))
	return s.conn.WriteJSON(f)
}

func (s *bridgeSession) RequestPairingCode(ctx context.Context, phone, label string) (string, error) {
	req := uuid.NewString()
	reply := make(chan inFrame, 1)

	s.mu.Lock()
	s.pending[req] = reply
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, req)
		s.mu.Unlock()
	}()

	if err := s.write(outFrame{Op: "pair", Phone: phone, Label: label, Req: req}); err != nil {
		return "", fmt.Errorf("send pair request: %w", err)
	}

	select {
	case f := <-reply:
		if f.Error != "" {
			return "", errors.New(f.Error)
		}
		return f.Code, nil
	case <-s.done:
		return "", errors.New("session closed")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *bridgeSession) Send(_ context.Context, to, text string) error {
	return s.write(outFrame{Op: "send", To: to, Text: text})
}

func (s *bridgeSession) Logout(context.Context) error {
	return s.write(outFrame{Op: "logout"})
}

func (s *bridgeSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}
