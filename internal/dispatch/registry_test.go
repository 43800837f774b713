package dispatch

import (
	"testing"

	"github.com/basket/agentlink/internal/protocol"
)

func chunkEnvelope(t *testing.T, execID, content string) protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(protocol.TypeExecutionChunk, protocol.ExecutionChunkPayload{
		ExecutionID: execID,
		Content:     content,
	})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	env.TargetID = execID
	return env
}

func TestDispatchRegistrationOrder(t *testing.T) {
	r := New(nil, nil)
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		r.Subscribe(protocol.TypeExecutionChunk, func(protocol.Envelope) {
			order = append(order, i)
		}, nil)
	}

	r.Dispatch(chunkEnvelope(t, "exec-1", "hi"))

	if len(order) != 5 {
		t.Fatalf("delivered to %d subscriptions, want 5", len(order))
	}
	for i, got := range order {
		if got != i {
			t.Fatalf("delivery order = %v, want ascending", order)
		}
	}
}

func TestDispatchTargetAndFilter(t *testing.T) {
	r := New(nil, nil)
	var hits []string

	r.Subscribe(protocol.TypeExecutionChunk, func(protocol.Envelope) {
		hits = append(hits, "any")
	}, nil)
	r.Subscribe(protocol.TypeExecutionChunk, func(protocol.Envelope) {
		hits = append(hits, "target")
	}, &Options{TargetID: "exec-2"})
	r.Subscribe(protocol.TypeExecutionChunk, func(protocol.Envelope) {
		hits = append(hits, "filtered")
	}, &Options{Filter: func(env protocol.Envelope) bool {
		var p protocol.ExecutionChunkPayload
		return env.Decode(&p) == nil && p.Content == "match"
	}})
	r.Subscribe(protocol.TypeHITLResolved, func(protocol.Envelope) {
		hits = append(hits, "wrong type")
	}, nil)

	r.Dispatch(chunkEnvelope(t, "exec-1", "match"))

	want := []string{"any", "filtered"}
	if len(hits) != len(want) {
		t.Fatalf("hits = %v, want %v", hits, want)
	}
	for i := range want {
		if hits[i] != want[i] {
			t.Fatalf("hits = %v, want %v", hits, want)
		}
	}

	hits = nil
	r.Dispatch(chunkEnvelope(t, "exec-2", "nope"))
	if len(hits) != 2 || hits[0] != "any" || hits[1] != "target" {
		t.Fatalf("hits = %v, want [any target]", hits)
	}
}

func TestDispatchPanicIsolation(t *testing.T) {
	var reported []string
	r := New(nil, func(subID string, typ protocol.Type, recovered any) {
		reported = append(reported, string(typ))
	})

	var delivered []string
	r.Subscribe(protocol.TypeExecutionChunk, func(protocol.Envelope) {
		delivered = append(delivered, "first")
	}, nil)
	r.Subscribe(protocol.TypeExecutionChunk, func(protocol.Envelope) {
		panic("callback exploded")
	}, nil)
	r.Subscribe(protocol.TypeExecutionChunk, func(protocol.Envelope) {
		delivered = append(delivered, "third")
	}, nil)

	r.Dispatch(chunkEnvelope(t, "exec-1", "x"))

	if len(delivered) != 2 || delivered[0] != "first" || delivered[1] != "third" {
		t.Fatalf("delivered = %v, want [first third]", delivered)
	}
	if len(reported) != 1 {
		t.Fatalf("reported panics = %d, want 1", len(reported))
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	r := New(nil, nil)
	calls := 0
	unsub := r.Subscribe(protocol.TypeExecutionChunk, func(protocol.Envelope) {
		calls++
	}, nil)

	unsub()
	unsub() // second call must be a no-op

	r.Dispatch(chunkEnvelope(t, "exec-1", "x"))
	if calls != 0 {
		t.Fatalf("calls = %d after unsubscribe, want 0", calls)
	}
	if r.Len() != 0 {
		t.Fatalf("Len = %d, want 0", r.Len())
	}
}

func TestClear(t *testing.T) {
	r := New(nil, nil)
	calls := 0
	unsub := r.Subscribe(protocol.TypeExecutionChunk, func(protocol.Envelope) {
		calls++
	}, nil)
	r.Subscribe(protocol.TypeHITLResolved, func(protocol.Envelope) {
		calls++
	}, nil)

	r.Clear()
	if r.Len() != 0 {
		t.Fatalf("Len = %d after Clear, want 0", r.Len())
	}
	r.Dispatch(chunkEnvelope(t, "exec-1", "x"))
	if calls != 0 {
		t.Fatalf("calls = %d after Clear, want 0", calls)
	}
	// Unsubscribing a cleared subscription stays a no-op.
	unsub()
}
