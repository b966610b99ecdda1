// Package transcribe defines the contract to the audio transcription
// collaborator. The runtime only routes voice notes through it; the
// concrete engine lives outside the core.
package transcribe

import "context"

// Transcriber converts an audio resource (by URL or path) to text.
type Transcriber interface {
	Transcribe(ctx context.Context, source string) (string, error)
}

// Func adapts a function to the Transcriber interface.
type Func func(ctx context.Context, source string) (string, error)

func (f Func) Transcribe(ctx context.Context, source string) (string, error) {
	return f(ctx, source)
}
