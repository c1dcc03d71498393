package sse

import (
	"encoding/json"

	"github.com/felipepmaragno/bizcard/internal/domain"
)

// EventDecoder decodes the relay's own normalized stream back into
// envelopes. Lines that are not valid JSON events are skipped.
type EventDecoder struct {
	lines LineBuffer
}

func (d *EventDecoder) Feed(p []byte) []domain.Envelope {
	var events []domain.Envelope
	for _, line := range d.lines.Write(p) {
		payload, ok := Payload(line)
		if !ok {
			continue
		}

		var env domain.Envelope
		if err := json.Unmarshal([]byte(payload), &env); err != nil {
			continue
		}
		if env.Type == "" {
			continue
		}
		events = append(events, env)
	}
	return events
}
