package benchmarks

import (
	"testing"

	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
)

// BenchmarkEncode measures envelope serialization.
func BenchmarkEncode(b *testing.B) {
	env := event.NewEnvelope(createOrder(b, event.NewFactory(), 0, 20), event.PriorityNormal)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = event.Encode(env)
	}
}

// BenchmarkDecode measures envelope deserialization.
func BenchmarkDecode(b *testing.B) {
	env := event.NewEnvelope(createOrder(b, event.NewFactory(), 0, 20), event.PriorityNormal)
	data, err := event.Encode(env)
	if err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = event.Decode(data)
	}
}

// BenchmarkComputeDigest measures the canonical digest over a large payload.
func BenchmarkComputeDigest(b *testing.B) {
	evt := createOrder(b, event.NewFactory(), 0, 200)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = event.ComputeDigest(evt)
	}
}

// BenchmarkVerify measures digest verification.
func BenchmarkVerify(b *testing.B) {
	evt := createOrder(b, event.NewFactory(), 0, 20)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = evt.Verify()
	}
}
