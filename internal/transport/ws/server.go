package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"fleetpilot.ai/internal/ledger"
	"fleetpilot.ai/internal/logging"
	"fleetpilot.ai/internal/protocol"
	"fleetpilot.ai/internal/sim/fleet"
	"fleetpilot.ai/internal/sim/rates"
	"fleetpilot.ai/internal/wallet"
)

// Backend is the ledger a gateway serves.
type Backend interface {
	FetchSnapshot(ctx context.Context, id fleet.EntityID) (fleet.Snapshot, error)
	Simulate(ctx context.Context, action fleet.Action) error
	Submit(ctx context.Context, action fleet.Action) (ledger.Receipt, error)
}

type Config struct {
	Cluster string
	// RequireSignature rejects clients that do not present a wallet and
	// SUBMITs whose signature does not verify.
	RequireSignature bool
	// RateWindow and RateMax bound requests per connection; zero disables.
	RateWindow time.Duration
	RateMax    int
	Now        func() time.Time
}

type Stats struct {
	Connections uint64
	Requests    uint64
	Errors      uint64
}

type Server struct {
	backend Backend
	cfg     Config
	log     *slog.Logger

	upgrader websocket.Upgrader

	connections atomic.Uint64
	requests    atomic.Uint64
	errors      atomic.Uint64
}

func NewServer(b Backend, cfg Config, logger *slog.Logger) *Server {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Cluster == "" {
		cfg.Cluster = "sim"
	}
	return &Server{
		backend: b,
		cfg:     cfg,
		log:     logging.OrDiscard(logger).With("component", "gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Stats() Stats {
	return Stats{
		Connections: s.connections.Load(),
		Requests:    s.requests.Load(),
		Errors:      s.errors.Load(),
	}
}

// session is the per-connection state owned by the reader loop.
type session struct {
	id     string
	wallet string

	windowStart time.Time
	windowCount int
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sess, ok := s.handshake(conn)
		if !ok {
			return
		}
		s.connections.Add(1)
		log := s.log.With("session", sess.id)
		log.Info("client connected", "remote", r.RemoteAddr, "wallet", sess.wallet)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		out := make(chan []byte, 64)

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						_ = conn.Close()
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			resp := s.handle(ctx, sess, msg)
			if resp == nil {
				continue
			}
			b, err := json.Marshal(resp)
			if err != nil {
				log.Error("encode reply", "err", err)
				continue
			}
			select {
			case out <- b:
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				break
			}
		}
		log.Info("client disconnected")
	}
}

func (s *Server) handshake(conn *websocket.Conn) (*session, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, false
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return nil, false
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return nil, false
	}
	if !protocol.IsSupportedVersion(hello.ProtocolVersion) {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return nil, false
	}
	if s.cfg.RequireSignature && hello.Wallet == "" {
		_ = writeJSON(conn, errorMsg("", protocol.ErrUnauthorized, "wallet required"))
		return nil, false
	}

	sess := &session{id: uuid.NewString(), wallet: hello.Wallet}
	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		Cluster:         s.cfg.Cluster,
		SessionID:       sess.id,
		ServerTimeMS:    s.cfg.Now().UnixMilli(),
	}
	if err := writeJSON(conn, welcome); err != nil {
		return nil, false
	}
	return sess, true
}

// handle serves one request frame and returns the reply, or nil when there is
// nothing to answer.
func (s *Server) handle(ctx context.Context, sess *session, msg []byte) any {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		s.errors.Add(1)
		return errorMsg("", protocol.ErrProtoBadRequest, "bad json")
	}
	s.requests.Add(1)
	if !protocol.IsSupportedVersion(base.ProtocolVersion) {
		s.errors.Add(1)
		return errorMsg(base.ReqID, protocol.ErrProtoBadRequest, "bad protocol_version")
	}
	if base.ReqID == "" {
		s.errors.Add(1)
		return errorMsg("", protocol.ErrProtoBadRequest, "missing req_id")
	}

	var (
		start time.Time
		ok    bool
		wait  time.Duration
	)
	start, sess.windowCount, ok, wait = rates.Allow(s.cfg.Now(), sess.windowStart, sess.windowCount, s.cfg.RateWindow, s.cfg.RateMax)
	sess.windowStart = start
	if !ok {
		s.errors.Add(1)
		return errorMsg(base.ReqID, protocol.ErrRateLimit, fmt.Sprintf("retry in %s", wait))
	}

	var resp any
	switch base.Type {
	case protocol.TypeFetch:
		resp = s.fetch(ctx, msg)
	case protocol.TypeSubmit:
		resp = s.submit(ctx, sess, msg)
	default:
		resp = errorMsg(base.ReqID, protocol.ErrProtoBadRequest, "unknown type "+base.Type)
	}
	if e, isErr := resp.(protocol.ErrorMsg); isErr {
		s.errors.Add(1)
		s.log.Debug("request failed", "session", sess.id, "req_id", e.ReqID, "code", e.Code, "msg", e.Message)
	}
	return resp
}

func (s *Server) fetch(ctx context.Context, msg []byte) any {
	var req protocol.FetchMsg
	if err := json.Unmarshal(msg, &req); err != nil || req.EntityID == "" {
		return errorMsg(req.ReqID, protocol.ErrProtoBadRequest, "bad FETCH")
	}
	snap, err := s.backend.FetchSnapshot(ctx, fleet.EntityID(req.EntityID))
	if err != nil {
		return errorFrom(req.ReqID, err)
	}
	account, err := protocol.EncodeAccount(snap)
	if err != nil {
		return errorMsg(req.ReqID, protocol.ErrInternal, err.Error())
	}
	return protocol.SnapshotMsg{
		Type:            protocol.TypeSnapshot,
		ProtocolVersion: protocol.Version,
		ReqID:           req.ReqID,
		EntityID:        req.EntityID,
		Account:         account,
	}
}

func (s *Server) submit(ctx context.Context, sess *session, msg []byte) any {
	var req protocol.SubmitMsg
	if err := json.Unmarshal(msg, &req); err != nil || req.EntityID == "" {
		return errorMsg(req.ReqID, protocol.ErrProtoBadRequest, "bad SUBMIT")
	}
	if sess.wallet != "" || s.cfg.RequireSignature {
		payload := protocol.SigningBytes(req.ReqID, req.EntityID, req.Action)
		if !wallet.Verify(sess.wallet, payload, req.Signature) {
			return errorMsg(req.ReqID, protocol.ErrUnauthorized, "bad signature")
		}
	}

	action := protocol.DecodeAction(req.EntityID, req.Action)
	res := protocol.ResultMsg{
		Type:            protocol.TypeResult,
		ProtocolVersion: protocol.Version,
		ReqID:           req.ReqID,
		EntityID:        req.EntityID,
	}
	if req.Simulate {
		if err := s.backend.Simulate(ctx, action); err != nil {
			return errorFrom(req.ReqID, err)
		}
		return res
	}
	rec, err := s.backend.Submit(ctx, action)
	if err != nil {
		return errorFrom(req.ReqID, err)
	}
	res.TxRef = rec.Signature
	if rec.Snapshot != nil {
		account, err := protocol.EncodeAccount(*rec.Snapshot)
		if err != nil {
			return errorMsg(req.ReqID, protocol.ErrInternal, err.Error())
		}
		res.Account = account
	}
	return res
}

func errorMsg(reqID, code, message string) protocol.ErrorMsg {
	return protocol.ErrorMsg{
		Type:            protocol.TypeError,
		ProtocolVersion: protocol.Version,
		ReqID:           reqID,
		Code:            code,
		Message:         message,
	}
}

func errorFrom(reqID string, err error) protocol.ErrorMsg {
	msg := err.Error()
	var ce *ledger.CallError
	if errors.As(err, &ce) && ce.Err != nil {
		msg = ce.Err.Error()
	}
	return errorMsg(reqID, ledger.Code(err), msg)
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
