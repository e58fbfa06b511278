package protocol

import "encoding/json"

const Version = "1.0"

// Message types.
const (
	TypeHello    = "HELLO"
	TypeWelcome  = "WELCOME"
	TypeFetch    = "FETCH"
	TypeSnapshot = "SNAPSHOT"
	TypeSubmit   = "SUBMIT"
	TypeResult   = "RESULT"
	TypeError    = "ERROR"
)

var supportedVersions = map[string]struct{}{
	Version: {},
}

func IsSupportedVersion(v string) bool {
	_, ok := supportedVersions[v]
	return ok
}

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
	ReqID           string `json:"req_id,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
