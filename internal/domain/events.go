package domain

// EventType tags the frames the relay sends to the browser.
type EventType string

const (
	EventReady EventType = "ready"
	EventChunk EventType = "chunk"
	EventDone  EventType = "done"
	EventError EventType = "error"
	EventInfo  EventType = "info"
)

// Event is one outbound frame. Each concrete type carries its own "type" tag
// so the JSON form is self-describing.
type Event interface {
	EventType() EventType
}

type ReadyEvent struct {
	Type    EventType `json:"type"`
	TraceID *string   `json:"traceId"`
}

type ChunkEvent struct {
	Type  EventType `json:"type"`
	Delta string    `json:"delta"`
}

type DoneEvent struct {
	Type  EventType `json:"type"`
	Usage *Usage    `json:"usage,omitempty"`
}

type ErrorEvent struct {
	Type    EventType `json:"type"`
	Message string    `json:"message"`
}

// InfoEvent is only emitted by the knowledge-base debug branch.
type InfoEvent struct {
	Type    EventType     `json:"type"`
	Message string        `json:"message"`
	Biz     *BusinessInfo `json:"biz"`
	KBCount int           `json:"kbCount"`
}

type BusinessInfo struct {
	Name        string  `json:"name"`
	CalendlyURL *string `json:"calendlyUrl"`
}

func (ReadyEvent) EventType() EventType { return EventReady }
func (ChunkEvent) EventType() EventType { return EventChunk }
func (DoneEvent) EventType() EventType  { return EventDone }
func (ErrorEvent) EventType() EventType { return EventError }
func (InfoEvent) EventType() EventType  { return EventInfo }

func Ready(traceID *string) ReadyEvent {
	return ReadyEvent{Type: EventReady, TraceID: traceID}
}

func Chunk(delta string) ChunkEvent {
	return ChunkEvent{Type: EventChunk, Delta: delta}
}

func Done(usage *Usage) DoneEvent {
	return DoneEvent{Type: EventDone, Usage: usage}
}

func Failure(message string) ErrorEvent {
	return ErrorEvent{Type: EventError, Message: message}
}

func Info(message string, biz *BusinessInfo, kbCount int) InfoEvent {
	return InfoEvent{Type: EventInfo, Message: message, Biz: biz, KBCount: kbCount}
}

// Envelope is the decoded form of any outbound frame, used by consumers that
// dispatch on the type tag.
type Envelope struct {
	Type    EventType     `json:"type"`
	TraceID *string       `json:"traceId,omitempty"`
	Delta   string        `json:"delta,omitempty"`
	Usage   *Usage        `json:"usage,omitempty"`
	Message string        `json:"message,omitempty"`
	Biz     *BusinessInfo `json:"biz,omitempty"`
	KBCount int           `json:"kbCount,omitempty"`
}
