package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/felipepmaragno/bizcard/internal/domain"
)

var errMalformedBody = errors.New("malformed JSON body")

// rawRequest defers typing so a well-formed body with wrongly typed fields is
// reported as an invalid payload rather than invalid JSON.
type rawRequest struct {
	TenantID  json.RawMessage `json:"tenantId"`
	BizID     json.RawMessage `json:"bizId"`
	Messages  json.RawMessage `json:"messages"`
	TraceID   json.RawMessage `json:"traceId"`
	DebugMode json.RawMessage `json:"debugMode"`
	Debug     json.RawMessage `json:"debug"`
}

// parseRequest decodes and validates a relay request body. An empty body is
// treated as an empty object.
func parseRequest(body []byte) (domain.ChatRequest, error) {
	var req domain.ChatRequest

	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		body = []byte("{}")
	}
	if !json.Valid(body) {
		return req, errMalformedBody
	}

	var raw rawRequest
	if err := json.Unmarshal(body, &raw); err != nil {
		return req, fmt.Errorf("%w: body is not an object", domain.ErrInvalidRequest)
	}

	req.TenantID = stringField(raw.TenantID)
	if req.TenantID == "" {
		req.TenantID = stringField(raw.BizID)
	}
	if req.TenantID == "" {
		return req, fmt.Errorf("%w: missing tenantId", domain.ErrInvalidRequest)
	}

	if len(raw.Messages) == 0 || raw.Messages[0] != '[' {
		return req, fmt.Errorf("%w: messages must be an array", domain.ErrInvalidRequest)
	}
	if err := json.Unmarshal(raw.Messages, &req.Messages); err != nil {
		return req, fmt.Errorf("%w: messages: %v", domain.ErrInvalidRequest, err)
	}
	for i, m := range req.Messages {
		if !m.Role.Valid() {
			return req, fmt.Errorf("%w: messages[%d]: unknown role %q", domain.ErrInvalidRequest, i, m.Role)
		}
	}

	if id := stringField(raw.TraceID); id != "" {
		req.TraceID = &id
	}

	req.DebugMode = stringField(raw.DebugMode)
	if req.DebugMode == "" {
		req.DebugMode = stringField(raw.Debug)
	}

	return req, nil
}

// stringField returns the value of a JSON string, or "" for any other JSON
// value.
func stringField(raw json.RawMessage) string {
	if len(raw) == 0 || raw[0] != '"' {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
