// Package serialization converts domain events to and from their wire format.
// Events travel as a universal JSON envelope carrying the event type and the
// type-specific payload, so consumers can route before decoding.
package serialization

import (
	"encoding/json"
	"fmt"

	"github.com/taiki-nakamoto/csv-parallel-processing-system-sub002/internal/domain/batch"
	"github.com/taiki-nakamoto/csv-parallel-processing-system-sub002/internal/domain/events"
)

// universalEnvelope is the wire framing shared by every event.
type universalEnvelope struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

// decodeFunc turns raw payload bytes back into the concrete domain type.
type decodeFunc func(data []byte) (any, error)

func decodeInto[T any](data []byte) (any, error) {
	var payload T
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// decoders maps each event type to its payload decoder. Unknown types fail
// deserialization rather than passing raw bytes downstream.
var decoders = map[events.EventType]decodeFunc{
	batch.EventTypeFileUploaded:         decodeInto[batch.FileUploadedEvent],
	batch.EventTypeJobScheduled:         decodeInto[batch.JobScheduledEvent],
	batch.EventTypeChunkManifestCreated: decodeInto[batch.ChunkManifestCreatedEvent],
	batch.EventTypeChunkCompleted:       decodeInto[batch.ChunkCompletedEvent],
	batch.EventTypeChunkFailed:          decodeInto[batch.ChunkFailedEvent],
	batch.EventTypeJobFinalized:         decodeInto[batch.JobFinalizedEvent],
	batch.EventTypeJobCancelled:         decodeInto[batch.JobCancelledEvent],
}

// SerializeEventEnvelope wraps a payload in the universal envelope and
// renders it to bytes.
func SerializeEventEnvelope(eventType events.EventType, payload any) ([]byte, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for %s: %w", eventType, err)
	}

	envelope := universalEnvelope{
		EventType: string(eventType),
		Payload:   payloadBytes,
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope for %s: %w", eventType, err)
	}
	return data, nil
}

// UnmarshalUniversalEnvelope splits raw bytes into the event type and the
// still-encoded payload.
func UnmarshalUniversalEnvelope(data []byte) (events.EventType, []byte, error) {
	var envelope universalEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return "", nil, fmt.Errorf("unmarshal universal envelope: %w", err)
	}
	if envelope.EventType == "" {
		return "", nil, fmt.Errorf("universal envelope missing event type")
	}
	return events.EventType(envelope.EventType), envelope.Payload, nil
}

// DeserializePayload decodes payload bytes into the concrete domain type for
// the given event type.
func DeserializePayload(eventType events.EventType, data []byte) (any, error) {
	decode, ok := decoders[eventType]
	if !ok {
		return nil, fmt.Errorf("no decoder registered for event type %s", eventType)
	}
	payload, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode payload for %s: %w", eventType, err)
	}
	return payload, nil
}
