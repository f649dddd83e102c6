package event

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	jsoniter "github.com/json-iterator/go"
)

// canonicalJSON renders payloads for hashing: sorted keys, no HTML escaping,
// numbers kept verbatim. Two payloads that decode to the same value hash the
// same regardless of how a codec along the way chose to escape them.
var canonicalJSON = jsoniter.Config{
	EscapeHTML:  false,
	SortMapKeys: true,
	UseNumber:   true,
}.Froze()

// ComputeDigest returns the hex SHA-256 over every immutable field of evt.
// Fields are separated by a NUL byte so adjacent values cannot run together.
func ComputeDigest(evt *DomainEvent) string {
	h := sha256.New()
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}

	write(evt.id)
	write(evt.eventType)
	write(strconv.Itoa(evt.schemaVersion))
	write(evt.tenantID)
	write(evt.aggregateType)
	write(evt.aggregateID)
	write(strconv.FormatInt(evt.sequence, 10))
	write(strconv.FormatInt(evt.occurredAt.UnixNano(), 10))
	write(evt.correlationID)
	write(evt.causationID)
	write(string(evt.retention))
	if a := evt.actor; a != nil {
		write(a.UserID)
		write(a.SessionID)
		write(a.RequestID)
		write(a.IPAddress)
		write(a.UserAgent)
	} else {
		write("")
	}
	h.Write(canonicalPayload(evt.payload))

	return hex.EncodeToString(h.Sum(nil))
}

// canonicalPayload re-encodes raw in canonical form. Invalid JSON is hashed
// as-is, which can never match a digest computed over a valid payload.
func canonicalPayload(raw []byte) []byte {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := canonicalJSON.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := canonicalJSON.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}
