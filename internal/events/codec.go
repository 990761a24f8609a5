// Package events carries configuration-change and polling events over Kafka.
package events

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dandantas/cadence/internal/model"
)

// ErrMalformedEvent is returned for payloads that can never be applied. They
// are dead-lettered without retry.
var ErrMalformedEvent = errors.New("malformed event")

// EncodeChange serializes a change event
func EncodeChange(ev model.ChangeEvent) ([]byte, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to encode change event: %w", err)
	}
	return b, nil
}

// DecodeChange parses and validates a change event
func DecodeChange(b []byte) (model.ChangeEvent, error) {
	var ev model.ChangeEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		return ev, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if err := ValidateChange(ev); err != nil {
		return ev, err
	}
	return ev, nil
}

// ValidateChange checks the fields every change event must carry
func ValidateChange(ev model.ChangeEvent) error {
	switch {
	case ev.DataSourceID == "":
		return fmt.Errorf("%w: dataSourceId is required", ErrMalformedEvent)
	case !ev.Kind.Valid():
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedEvent, ev.Kind)
	case ev.Sequence <= 0:
		return fmt.Errorf("%w: sequence must be positive, got %d", ErrMalformedEvent, ev.Sequence)
	}
	return nil
}

// EncodePolling serializes a polling event
func EncodePolling(ev model.PollingEvent) ([]byte, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to encode polling event: %w", err)
	}
	return b, nil
}

// DecodePolling parses and validates a polling event
func DecodePolling(b []byte) (model.PollingEvent, error) {
	var ev model.PollingEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		return ev, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if ev.DataSourceID == "" {
		return ev, fmt.Errorf("%w: dataSourceId is required", ErrMalformedEvent)
	}
	return ev, nil
}
