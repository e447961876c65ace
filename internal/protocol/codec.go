package protocol

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ParseError wraps a malformed or schema-mismatched inbound frame. RecoveredID
// holds whatever request_id could be salvaged from the raw bytes, if any.
type ParseError struct {
	RecoveredID string
	Reason      string
}

func (e *ParseError) Error() string {
	return e.Reason
}

// Parse decodes one JSON text frame into a Request. On failure it returns a
// *ParseError carrying a best-effort recovered request_id.
func Parse(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &ParseError{RecoveredID: recoverRequestID(data), Reason: fmt.Sprintf("malformed request: %v", err)}
	}
	if req.RequestID == "" {
		return nil, &ParseError{RecoveredID: "", Reason: "missing request_id"}
	}
	return &req, nil
}

// recoverRequestID makes a best-effort attempt to pull request_id out of
// otherwise-unparseable JSON, so error responses can still echo it.
// json-iterator decodes fields as it reads them, so a request_id that
// precedes the point where decoding fails is still kept.
func recoverRequestID(data []byte) string {
	var probe struct {
		RequestID string `json:"request_id"`
	}
	_ = json.Unmarshal(data, &probe)
	return probe.RequestID
}

// Serialize renders a Response as canonical JSON text for a single outbound
// frame.
func Serialize(resp Response) ([]byte, error) {
	return json.Marshal(resp)
}
