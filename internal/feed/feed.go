// Package feed retrieves batches of events from the upstream event feed.
package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lsm/feedmirror/internal/jsonpath"
)

// Event is one upstream record. Raw holds the record exactly as received.
type Event struct {
	ID   string
	Type string
	Raw  json.RawMessage
}

// Payload returns the serialized form of the event handed to the bus.
func (e Event) Payload() ([]byte, error) {
	if len(e.Raw) > 0 {
		return e.Raw, nil
	}
	return json.Marshal(map[string]string{"id": e.ID, "type": e.Type})
}

// Fetcher returns the events currently exposed by the upstream source.
// No cursor is kept between calls.
type Fetcher interface {
	Fetch(ctx context.Context) ([]Event, error)
}

// Committer is implemented by fetchers that hold a position upstream, such as
// an ETag. Commit is called only after every event of the last batch has been
// handled; until then the next Fetch returns the same events again.
type Committer interface {
	Commit()
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context) ([]Event, error)

// Fetch calls f(ctx).
func (f FetcherFunc) Fetch(ctx context.Context) ([]Event, error) { return f(ctx) }

// ErrMalformed is returned when a response cannot be turned into events.
var ErrMalformed = errors.New("malformed feed response")

// Fields tells the decoder where to find the batch and the fields of each event.
type Fields struct {
	Items string // path to the event array; empty when the body is the array
	ID    string
	Type  string
}

// DefaultFields matches the GitHub events API.
func DefaultFields() Fields {
	return Fields{ID: "$.id", Type: "$.type"}
}

// Decode parses a response body into events, preserving upstream order.
func Decode(body []byte, fields Fields) ([]Event, error) {
	items, err := splitItems(body, fields.Items)
	if err != nil {
		return nil, err
	}

	events := make([]Event, 0, len(items))
	for i, raw := range items {
		var obj map[string]any
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&obj); err != nil {
			return nil, fmt.Errorf("%w: item %d: %v", ErrMalformed, i, err)
		}
		if obj == nil {
			return nil, fmt.Errorf("%w: item %d is null", ErrMalformed, i)
		}

		id, err := requiredField(obj, fields.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: item %d: id: %v", ErrMalformed, i, err)
		}
		typ, err := requiredField(obj, fields.Type)
		if err != nil {
			return nil, fmt.Errorf("%w: item %d (id %s): type: %v", ErrMalformed, i, id, err)
		}

		events = append(events, Event{ID: id, Type: typ, Raw: raw})
	}
	return events, nil
}

func requiredField(obj map[string]any, path string) (string, error) {
	val, err := jsonpath.String(obj, path)
	if err != nil {
		return "", err
	}
	if val == "" {
		return "", fmt.Errorf("path %q is empty", path)
	}
	return val, nil
}

func splitItems(body []byte, itemsPath string) ([]json.RawMessage, error) {
	var items []json.RawMessage
	if itemsPath == "" || itemsPath == "$" {
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return items, nil
	}

	var envelope map[string]any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	val, err := jsonpath.Resolve(envelope, itemsPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	list, ok := val.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s is %T, not an array", ErrMalformed, itemsPath, val)
	}

	items = make([]json.RawMessage, 0, len(list))
	for _, item := range list {
		// Re-encoding sorts object keys, which keeps the payload stable.
		raw, err := json.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		items = append(items, raw)
	}
	return items, nil
}
