// Package handlers implements the operations a relay client can invoke: a
// JSON-shaped echo and a paced, reversed character stream.
package handlers

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// DefaultStreamDelay is the pause between two reversed characters.
const DefaultStreamDelay = time.Second

// Echo wraps message in a JSON-shaped string. The input is embedded verbatim
// and is neither validated nor escaped.
func Echo(logger zerolog.Logger, message string) string {
	logger.Info().Str("buffer", message).Msg("echo")
	return `{"recv": "` + message + `"}`
}

// ReversedStream emits the runes of message in reverse order, waiting delay
// between two items. The channel is buffered to the rune count of message so
// a slow consumer blocks the producer only once the buffer is full. The
// channel is closed after the last rune, or early when ctx is cancelled; no
// rune is sent once cancellation is observed.
func ReversedStream(ctx context.Context, clock clockwork.Clock, logger zerolog.Logger, message string, delay time.Duration) <-chan rune {
	runes := []rune(message)
	out := make(chan rune, len(runes))

	go func() {
		defer close(out)

		for i := len(runes) - 1; i >= 0; i-- {
			if ctx.Err() != nil {
				logger.Debug().Int("remaining", i+1).Msg("reverse stream cancelled")
				return
			}

			logger.Info().Str("char", string(runes[i])).Msg("write")
			select {
			case out <- runes[i]:
			case <-ctx.Done():
				return
			}

			if i == 0 {
				break
			}
			select {
			case <-clock.After(delay):
			case <-ctx.Done():
				logger.Debug().Int("remaining", i).Msg("reverse stream cancelled")
				return
			}
		}
	}()

	return out
}
