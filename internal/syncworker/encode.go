package syncworker

import (
	"encoding/json"

	"github.com/quotewire/quotewire/internal/quote"
)

// Bus payloads are plain quote JSON; the bridge wraps them in typed push
// events on the gateway side.

func marshalQuote(q quote.Quote) ([]byte, error) {
	return json.Marshal(q)
}

func marshalQuotes(qs []quote.Quote) ([]byte, error) {
	return json.Marshal(qs)
}
