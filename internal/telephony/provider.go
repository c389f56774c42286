package telephony

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
)

// InboundCall is the subset of the call-control webhook payload the script
// builder needs. The fabric posts JSON; form bodies are accepted too.
type InboundCall struct {
	CallSid string `json:"call_sid"`
	CallID  string `json:"call_id"`
	From    string `json:"from"`
	To      string `json:"to"`

	// Raw keeps every posted field for logging.
	Raw map[string]any `json:"-"`
}

// ID prefers call_sid and falls back to call_id.
func (c InboundCall) ID() string {
	if c.CallSid != "" {
		return c.CallSid
	}
	return c.CallID
}

var ErrInvalidPayload = errors.New("telephony: invalid webhook payload")

const maxPayloadBytes = 1 << 20

// ParseInboundCall decodes the webhook body. An empty body yields a zero call.
func ParseInboundCall(r *http.Request) (InboundCall, error) {
	raw, err := ParsePayload(r)
	if err != nil {
		return InboundCall{}, err
	}
	call := InboundCall{Raw: raw}
	call.CallSid = stringField(raw, "call_sid")
	call.CallID = stringField(raw, "call_id")
	call.From = stringField(raw, "from")
	call.To = stringField(raw, "to")
	return call, nil
}

// ParsePayload decodes a JSON or form webhook body into a generic map.
func ParsePayload(r *http.Request) (map[string]any, error) {
	out := map[string]any{}
	if r.Body == nil {
		return out, nil
	}

	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/x-www-form-urlencoded" || ct == "multipart/form-data" {
		if err := r.ParseForm(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		for k, v := range r.PostForm {
			if len(v) > 0 {
				out[k] = v[0]
			}
		}
		return out, nil
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return out, nil
}

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return ""
	}
}
