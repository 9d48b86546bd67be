package activity

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ParsedBody is the decoded content of one activity API response
type ParsedBody struct {
	Heartbeats []RawHeartbeat
	// Skipped counts malformed heartbeats dropped during salvage
	Skipped int
	// Salvaged is true when the envelope failed to decode as a whole
	// and heartbeats were recovered one by one
	Salvaged bool
}

var errMissingHeartbeats = errors.New("missing field `heartbeats`")

type envelope struct {
	Heartbeats json.RawMessage `json:"heartbeats"`
}

// ParseBody decodes a heartbeats envelope. When the envelope as a whole
// does not decode, each element of the heartbeats array is decoded on its
// own and the ones that fail are skipped. An error is returned only when
// nothing could be recovered.
func ParseBody(body []byte) (*ParsedBody, error) {
	var env envelope
	primaryErr := json.Unmarshal(body, &env)
	if primaryErr == nil {
		parsed := &ParsedBody{}
		if primaryErr = decodeHeartbeats(env.Heartbeats, parsed); primaryErr == nil {
			return parsed, nil
		}
	}

	var generic map[string]json.RawMessage
	if err := json.Unmarshal(body, &generic); err != nil {
		return nil, err
	}

	var elements []json.RawMessage
	raw, ok := generic["heartbeats"]
	if !ok || json.Unmarshal(raw, &elements) != nil || elements == nil {
		return nil, primaryErr
	}

	parsed := &ParsedBody{
		Heartbeats: make([]RawHeartbeat, 0, len(elements)),
		Salvaged:   true,
	}
	for _, element := range elements {
		var hb RawHeartbeat
		if err := json.Unmarshal(element, &hb); err != nil {
			parsed.Skipped++
			continue
		}
		parsed.Heartbeats = append(parsed.Heartbeats, hb)
	}

	if len(parsed.Heartbeats) == 0 {
		return nil, primaryErr
	}
	return parsed, nil
}

func decodeHeartbeats(raw json.RawMessage, into *ParsedBody) error {
	if len(raw) == 0 {
		return errMissingHeartbeats
	}
	var heartbeats []RawHeartbeat
	if err := json.Unmarshal(raw, &heartbeats); err != nil {
		return err
	}
	if heartbeats == nil {
		return fmt.Errorf("invalid type: null, expected a sequence")
	}
	into.Heartbeats = heartbeats
	return nil
}
