package protocol

import (
	"encoding/json"

	"fleetpilot.ai/internal/sim/fleet"
)

// HELLO (client -> gateway)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ClientName      string `json:"client_name"`
	// Wallet is the hex-encoded ed25519 public key that signs SUBMITs.
	Wallet       string `json:"wallet,omitempty"`
	CollectionID string `json:"collection_id,omitempty"`
}

// WELCOME (gateway -> client)
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Cluster         string `json:"cluster"`
	SessionID       string `json:"session_id"`
	ServerTimeMS    int64  `json:"server_time_ms"`
}

// FETCH (client -> gateway)
type FetchMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ReqID           string `json:"req_id"`
	EntityID        string `json:"entity_id"`
}

// SNAPSHOT (gateway -> client)
type SnapshotMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	ReqID           string          `json:"req_id"`
	EntityID        string          `json:"entity_id"`
	Account         json.RawMessage `json:"account"`
}

// SUBMIT (client -> gateway)
type SubmitMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	ReqID           string     `json:"req_id"`
	EntityID        string     `json:"entity_id"`
	Action          ActionWire `json:"action"`
	Simulate        bool       `json:"simulate"`
	Signature       string     `json:"signature,omitempty"`
}

// RESULT (gateway -> client)
type ResultMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	ReqID           string          `json:"req_id"`
	EntityID        string          `json:"entity_id"`
	TxRef           string          `json:"tx_ref"`
	Account         json.RawMessage `json:"account,omitempty"`
}

// ERROR (gateway -> client)
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ReqID           string `json:"req_id,omitempty"`
	Code            string `json:"code"`
	Message         string `json:"message,omitempty"`
}

type ActionWire struct {
	Kind     string      `json:"kind"`
	SourceID string      `json:"source_id,omitempty"`
	Location fleet.Coord `json:"location"`
	DockID   string      `json:"dock_id,omitempty"`
	Pod      string      `json:"pod,omitempty"`
	Mint     string      `json:"mint,omitempty"`
	Amount   int64       `json:"amount,omitempty"`
	To       fleet.Coord `json:"to"`
}

func EncodeAction(a fleet.Action) ActionWire {
	return ActionWire{
		Kind:     string(a.Kind),
		SourceID: a.SourceID,
		Location: a.Location,
		DockID:   a.DockID,
		Pod:      string(a.Pod),
		Mint:     a.Mint,
		Amount:   a.Amount,
		To:       a.To,
	}
}

func DecodeAction(entityID string, w ActionWire) fleet.Action {
	return fleet.Action{
		Kind:     fleet.ActionKind(w.Kind),
		EntityID: fleet.EntityID(entityID),
		SourceID: w.SourceID,
		Location: w.Location,
		DockID:   w.DockID,
		Pod:      fleet.PodKind(w.Pod),
		Mint:     w.Mint,
		Amount:   w.Amount,
		To:       w.To,
	}
}

// SigningBytes is the canonical payload a wallet signs for a SUBMIT.
func SigningBytes(reqID, entityID string, w ActionWire) []byte {
	b, _ := json.Marshal(struct {
		ReqID    string     `json:"req_id"`
		EntityID string     `json:"entity_id"`
		Action   ActionWire `json:"action"`
	}{reqID, entityID, w})
	return b
}
