package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"fleetpilot.ai/internal/logging"
	"fleetpilot.ai/internal/protocol"
	"fleetpilot.ai/internal/sim/fleet"
)

// Signer signs SUBMIT payloads. Keys and signatures are hex strings.
type Signer interface {
	PublicKey() string
	Sign(msg []byte) string
}

type WSConfig struct {
	Endpoint     string
	ClientName   string
	CollectionID string
	Signer       Signer

	// CallTimeout bounds the wait for one reply at the transport layer.
	CallTimeout time.Duration
	Logger      *slog.Logger
}

const (
	minBackoff = 200 * time.Millisecond
	maxBackoff = 5 * time.Second
)

// WSClient talks to a ledger gateway over one websocket. It dials lazily on
// the first call and again after the connection drops, spacing attempts
// with a bounded exponential backoff.
type WSClient struct {
	cfg WSConfig
	log *slog.Logger

	dialMu   sync.Mutex
	backoff  time.Duration
	nextDial time.Time

	mu      sync.Mutex
	conn    *websocket.Conn
	closed  bool
	welcome protocol.WelcomeMsg
	pending map[string]chan reply

	writeMu sync.Mutex
}

type reply struct {
	typ string
	raw []byte
	err error
}

var _ Client = (*WSClient)(nil)

func NewWSClient(cfg WSConfig) *WSClient {
	if cfg.ClientName == "" {
		cfg.ClientName = "fleetpilot"
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	return &WSClient{
		cfg:     cfg,
		log:     logging.OrDiscard(cfg.Logger).With("component", "wsclient"),
		backoff: minBackoff,
		pending: map[string]chan reply{},
	}
}

// Connected reports whether a session with the gateway is open.
func (c *WSClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Session returns the gateway's WELCOME for the current connection.
func (c *WSClient) Session() protocol.WelcomeMsg {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.welcome
}

func (c *WSClient) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	c.failPending(errors.New("client closed"))
	return nil
}

func (c *WSClient) FetchSnapshot(ctx context.Context, id fleet.EntityID) (fleet.Snapshot, error) {
	const op = "fetch"
	reqID := uuid.NewString()
	rep, err := c.roundTrip(ctx, op, reqID, protocol.FetchMsg{
		Type:            protocol.TypeFetch,
		ProtocolVersion: protocol.Version,
		ReqID:           reqID,
		EntityID:        string(id),
	})
	if err != nil {
		return fleet.Snapshot{}, err
	}
	if rep.typ != protocol.TypeSnapshot {
		return fleet.Snapshot{}, FatalDecode(op, fmt.Errorf("unexpected reply %s", rep.typ))
	}
	var msg protocol.SnapshotMsg
	if err := json.Unmarshal(rep.raw, &msg); err != nil {
		return fleet.Snapshot{}, FatalDecode(op, err)
	}
	snap, err := protocol.DecodeAccount(msg.Account)
	if err != nil {
		return fleet.Snapshot{}, FatalDecode(op, err)
	}
	if snap.ID != id {
		return fleet.Snapshot{}, StaleState(op, fmt.Errorf("asked for %s, got %s", id, snap.ID))
	}
	return snap, nil
}

// Submit sends the action as a simulation first and broadcasts it only when
// the simulation passes.
func (c *WSClient) Submit(ctx context.Context, action fleet.Action) (Receipt, error) {
	if _, err := c.submit(ctx, action, true); err != nil {
		return Receipt{}, err
	}
	return c.submit(ctx, action, false)
}

func (c *WSClient) submit(ctx context.Context, action fleet.Action, simulate bool) (Receipt, error) {
	op := "submit"
	if simulate {
		op = "simulate"
	}
	reqID := uuid.NewString()
	wire := protocol.EncodeAction(action)
	msg := protocol.SubmitMsg{
		Type:            protocol.TypeSubmit,
		ProtocolVersion: protocol.Version,
		ReqID:           reqID,
		EntityID:        string(action.EntityID),
		Action:          wire,
		Simulate:        simulate,
	}
	if c.cfg.Signer != nil {
		msg.Signature = c.cfg.Signer.Sign(protocol.SigningBytes(reqID, msg.EntityID, wire))
	}
	rep, err := c.roundTrip(ctx, op, reqID, msg)
	if err != nil {
		return Receipt{}, err
	}
	if rep.typ != protocol.TypeResult {
		return Receipt{}, FatalDecode(op, fmt.Errorf("unexpected reply %s", rep.typ))
	}
	var res protocol.ResultMsg
	if err := json.Unmarshal(rep.raw, &res); err != nil {
		return Receipt{}, FatalDecode(op, err)
	}
	rec := Receipt{Signature: res.TxRef}
	if len(res.Account) > 0 && !simulate {
		snap, err := protocol.DecodeAccount(res.Account)
		if err != nil {
			return Receipt{}, FatalDecode(op, err)
		}
		rec.Snapshot = &snap
	}
	return rec, nil
}

func (c *WSClient) roundTrip(ctx context.Context, op, reqID string, msg any) (reply, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return reply{}, FatalDecode(op, err)
	}
	conn, err := c.ensureConn(ctx)
	if err != nil {
		return reply{}, Transient(op, err)
	}

	ch := make(chan reply, 1)
	c.mu.Lock()
	c.pending[reqID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	err = conn.WriteMessage(websocket.TextMessage, b)
	c.writeMu.Unlock()
	if err != nil {
		c.drop(conn, err)
		return reply{}, Transient(op, err)
	}

	timer := time.NewTimer(c.cfg.CallTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return reply{}, Transient(op, ctx.Err())
	case <-timer.C:
		return reply{}, Transient(op, fmt.Errorf("no reply within %s", c.cfg.CallTimeout))
	case rep := <-ch:
		if rep.err != nil {
			return reply{}, Transient(op, rep.err)
		}
		if rep.typ == protocol.TypeError {
			var e protocol.ErrorMsg
			if err := json.Unmarshal(rep.raw, &e); err != nil {
				return reply{}, FatalDecode(op, err)
			}
			return reply{}, FromCode(op, e.Code, e.Message)
		}
		return rep, nil
	}
}

func (c *WSClient) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	conn, closed := c.conn, c.closed
	c.mu.Unlock()
	if closed {
		return nil, errors.New("client closed")
	}
	if conn != nil {
		return conn, nil
	}

	c.dialMu.Lock()
	defer c.dialMu.Unlock()
	c.mu.Lock()
	conn = c.conn
	c.mu.Unlock()
	if conn != nil {
		return conn, nil
	}
	if wait := time.Until(c.nextDial); wait > 0 {
		return nil, fmt.Errorf("reconnect in %s", wait.Round(time.Millisecond))
	}

	conn, welcome, err := c.dial(ctx)
	if err != nil {
		c.nextDial = time.Now().Add(c.backoff)
		if c.backoff < maxBackoff {
			c.backoff *= 2
			if c.backoff > maxBackoff {
				c.backoff = maxBackoff
			}
		}
		c.log.Warn("gateway dial failed", "endpoint", c.cfg.Endpoint, "err", err)
		return nil, err
	}
	c.backoff = minBackoff
	c.nextDial = time.Time{}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return nil, errors.New("client closed")
	}
	c.conn = conn
	c.welcome = welcome
	c.mu.Unlock()
	c.log.Info("gateway connected", "endpoint", c.cfg.Endpoint, "cluster", welcome.Cluster, "session", welcome.SessionID)

	go c.readLoop(conn)
	return conn, nil
}

func (c *WSClient) dial(ctx context.Context) (*websocket.Conn, protocol.WelcomeMsg, error) {
	var welcome protocol.WelcomeMsg
	d := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := d.DialContext(ctx, c.cfg.Endpoint, http.Header{})
	if err != nil {
		return nil, welcome, err
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientName:      c.cfg.ClientName,
		CollectionID:    c.cfg.CollectionID,
	}
	if c.cfg.Signer != nil {
		hello.Wallet = c.cfg.Signer.PublicKey()
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteJSON(hello); err != nil {
		_ = conn.Close()
		return nil, welcome, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, welcome, err
	}
	base, err := protocol.DecodeBase(msg)
	if err == nil && base.Type == protocol.TypeError {
		var e protocol.ErrorMsg
		_ = json.Unmarshal(msg, &e)
		_ = conn.Close()
		return nil, welcome, fmt.Errorf("handshake refused: %s %s", e.Code, e.Message)
	}
	if err != nil || base.Type != protocol.TypeWelcome {
		_ = conn.Close()
		return nil, welcome, errors.New("expected WELCOME")
	}
	if err := json.Unmarshal(msg, &welcome); err != nil {
		_ = conn.Close()
		return nil, welcome, err
	}
	if !protocol.IsSupportedVersion(welcome.ProtocolVersion) {
		_ = conn.Close()
		return nil, welcome, fmt.Errorf("unsupported protocol_version %q", welcome.ProtocolVersion)
	}
	_ = conn.SetReadDeadline(time.Time{})
	return conn, welcome, nil
}

func (c *WSClient) readLoop(conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			c.drop(conn, err)
			return
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			c.log.Warn("undecodable frame", "err", err)
			continue
		}
		if base.ReqID == "" {
			c.log.Warn("gateway message without req_id", "type", base.Type, "raw", string(msg))
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[base.ReqID]
		c.mu.Unlock()
		if !ok {
			c.log.Debug("reply for unknown request", "req_id", base.ReqID, "type", base.Type)
			continue
		}
		select {
		case ch <- reply{typ: base.Type, raw: msg}:
		default:
		}
	}
}

// drop forgets conn if it is still current and fails every pending call.
func (c *WSClient) drop(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
	}
	closed := c.closed
	c.mu.Unlock()
	_ = conn.Close()
	if !current {
		return
	}
	if !closed {
		c.log.Warn("gateway connection lost", "err", cause)
	}
	c.failPending(fmt.Errorf("connection lost: %w", cause))
}

func (c *WSClient) failPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		select {
		case ch <- reply{err: err}:
		default:
		}
		delete(c.pending, id)
	}
}
