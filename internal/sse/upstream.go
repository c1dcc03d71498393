package sse

import (
	"encoding/json"

	"github.com/felipepmaragno/bizcard/internal/domain"
)

// FrameKind tells a content delta from the end of the upstream stream.
type FrameKind int

const (
	FrameDelta FrameKind = iota
	FrameDone
)

// Frame is a decoded upstream event the relay has to act on.
type Frame struct {
	Kind  FrameKind
	Delta string
}

// upstreamChunk is the subset of a chat.completion.chunk the relay reads.
type upstreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     *int `json:"prompt_tokens"`
		CompletionTokens *int `json:"completion_tokens"`
	} `json:"usage"`
}

// UpstreamDecoder turns an OpenAI-style completion stream into content
// deltas and a terminal done frame, tracking usage along the way. It is
// re-entrant across chunk boundaries.
type UpstreamDecoder struct {
	lines LineBuffer
	usage domain.Usage
	done  bool
}

// NewUpstreamDecoder returns a decoder with zero usage.
func NewUpstreamDecoder() *UpstreamDecoder {
	return &UpstreamDecoder{}
}

// Feed consumes p and returns the frames it completes. After the [DONE]
// sentinel is seen the decoder ignores all further input.
func (d *UpstreamDecoder) Feed(p []byte) []Frame {
	if d.done {
		return nil
	}

	var frames []Frame
	for _, line := range d.lines.Write(p) {
		payload, ok := Payload(line)
		if !ok {
			continue
		}

		if payload == DoneSentinel {
			d.done = true
			return append(frames, Frame{Kind: FrameDone})
		}

		var chunk upstreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			// keep-alives and comments
			continue
		}

		if chunk.Usage != nil {
			if chunk.Usage.PromptTokens != nil {
				d.usage.PromptTokens = *chunk.Usage.PromptTokens
			}
			if chunk.Usage.CompletionTokens != nil {
				d.usage.CompletionTokens = *chunk.Usage.CompletionTokens
			}
		}

		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			frames = append(frames, Frame{Kind: FrameDelta, Delta: chunk.Choices[0].Delta.Content})
		}
	}

	return frames
}

// Usage returns the last usage values reported by the upstream.
func (d *UpstreamDecoder) Usage() domain.Usage {
	return d.usage
}

// Done reports whether the [DONE] sentinel has been seen.
func (d *UpstreamDecoder) Done() bool {
	return d.done
}
