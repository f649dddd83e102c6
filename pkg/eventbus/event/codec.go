package event

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// jsonAPI is the JSON configuration used for every wire and payload encoding.
var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// Marshal serializes v with the bus JSON configuration.
func Marshal(v any) ([]byte, error) {
	return jsonAPI.Marshal(v)
}

// Unmarshal deserializes data with the bus JSON configuration.
func Unmarshal(data []byte, v any) error {
	return jsonAPI.Unmarshal(data, v)
}

// Encode serializes an envelope for the broker. SizeBytes is set to the
// encoded size of the wrapped event before the envelope itself is encoded.
func Encode(env *Envelope) ([]byte, error) {
	var inner []byte
	var err error
	switch {
	case env.Event != nil:
		inner, err = jsonAPI.Marshal(env.Event)
	case env.Legacy != nil:
		inner, err = jsonAPI.Marshal(env.Legacy)
	default:
		return nil, fmt.Errorf("encode envelope: no event")
	}
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	env.SizeBytes = len(inner)

	data, err := jsonAPI.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses a broker message into an envelope.
//
// Besides the envelope shape it accepts a bare legacy event
// ({"event_type": ..., "data": {...}}) as published by older producers,
// which is wrapped in a normal-priority envelope. Unknown fields are ignored.
// Decode does not verify the integrity digest.
func Decode(data []byte) (*Envelope, error) {
	var shape rawEnvelope
	if err := jsonAPI.Unmarshal(data, &shape); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	if len(shape.Event) == 0 && len(shape.Legacy) == 0 {
		var legacy LegacyEvent
		if err := jsonAPI.Unmarshal(data, &legacy); err != nil {
			return nil, fmt.Errorf("decode legacy event: %w", err)
		}
		if legacy.EventType == "" {
			return nil, fmt.Errorf("decode envelope: no event")
		}
		env := NewLegacyEnvelope(&legacy, PriorityNormal)
		env.SizeBytes = len(data)
		return env, nil
	}

	var env Envelope
	if err := jsonAPI.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Event == nil && env.Legacy == nil {
		return nil, fmt.Errorf("decode envelope: no event")
	}
	return &env, nil
}
