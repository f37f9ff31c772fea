package assembler

import (
	"bytes"
	"testing"
	"time"
)

func newTestAssembler() *Assembler {
	return New(5*time.Second, nil)
}

func TestSingleChunkFastPath(t *testing.T) {
	a := newTestAssembler()
	a.Track(3, "DeviceInfo", 0)

	r := a.AddChunk(3, 1, 1, []byte(`{"status":200}`), []byte(`{"name":"X"}`), "DeviceInfo")

	if r.Kind != KindComplete {
		t.Fatalf("Kind = %v, want complete", r.Kind)
	}
	if !bytes.Equal(r.Header, []byte(`{"status":200}`)) {
		t.Errorf("Header = %q", r.Header)
	}
	if !bytes.Equal(r.Body, []byte(`{"name":"X"}`)) {
		t.Errorf("Body = %q", r.Body)
	}
	// The fast path must not touch the pending map.
	if a.PendingCount() != 1 {
		t.Errorf("PendingCount = %d, want 1 (state untouched)", a.PendingCount())
	}
}

func TestSingleChunkUntrackedStillCompletes(t *testing.T) {
	a := newTestAssembler()

	r := a.AddChunk(9, 1, 1, []byte("H"), []byte("B"), "X-Custom")

	if r.Kind != KindComplete {
		t.Fatalf("Kind = %v, want complete", r.Kind)
	}
	if a.PendingCount() != 0 {
		t.Errorf("PendingCount = %d, want 0", a.PendingCount())
	}
}

func TestThreeChunksOutOfOrder(t *testing.T) {
	a := newTestAssembler()
	a.Track(0, "ChannelList", 0)

	r := a.AddChunk(0, 2, 3, nil, []byte("BB"), "")
	if r.Kind != KindIncomplete || r.Received != 1 || r.Total != 3 {
		t.Fatalf("after chunk 2: %+v", r)
	}
	r = a.AddChunk(0, 3, 3, nil, []byte("CC"), "")
	if r.Kind != KindIncomplete || r.Received != 2 {
		t.Fatalf("after chunk 3: %+v", r)
	}
	r = a.AddChunk(0, 1, 3, []byte("H"), []byte("AA"), "")

	if r.Kind != KindComplete {
		t.Fatalf("Kind = %v, want complete", r.Kind)
	}
	if !bytes.Equal(r.Header, []byte("H")) {
		t.Errorf("Header = %q, want H", r.Header)
	}
	if !bytes.Equal(r.Body, []byte("AABBCC")) {
		t.Errorf("Body = %q, want AABBCC", r.Body)
	}
	if a.PendingCount() != 0 {
		t.Errorf("PendingCount = %d after completion, want 0", a.PendingCount())
	}
}

func TestDuplicateChunksAreIdempotent(t *testing.T) {
	a := newTestAssembler()
	a.Track(1, "r", 0)

	a.AddChunk(1, 1, 2, []byte("H"), []byte("AA"), "")
	// Duplicate with different payload must be dropped, never overwrite.
	r := a.AddChunk(1, 1, 2, []byte("H2"), []byte("ZZ"), "")
	if r.Kind != KindIncomplete || r.Received != 1 {
		t.Fatalf("duplicate absorbed: %+v", r)
	}
	r = a.AddChunk(1, 2, 2, nil, []byte("BB"), "")

	if r.Kind != KindComplete {
		t.Fatalf("Kind = %v, want complete", r.Kind)
	}
	if !bytes.Equal(r.Body, []byte("AABB")) {
		t.Errorf("Body = %q, want AABB (duplicate must not overwrite)", r.Body)
	}
}

func TestHeaderFirstNonEmptyWins(t *testing.T) {
	tests := []struct {
		name    string
		headers [][]byte
		want    []byte
	}{
		{"empty then H then empty", [][]byte{nil, []byte("H"), nil}, []byte("H")},
		{"H1 then H2", [][]byte{[]byte("H1"), []byte("H2"), nil}, []byte("H1")},
		{"only chunk 1 carries it", [][]byte{[]byte("H"), nil, nil}, []byte("H")},
		{"never sent", [][]byte{nil, nil, nil}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAssembler()
			a.Track(7, "r", 0)

			var last Result
			for i, h := range tt.headers {
				last = a.AddChunk(7, i+1, 3, h, []byte{byte('a' + i)}, "")
			}
			if last.Kind != KindComplete {
				t.Fatalf("Kind = %v, want complete", last.Kind)
			}
			if !bytes.Equal(last.Header, tt.want) {
				t.Errorf("Header = %q, want %q", last.Header, tt.want)
			}
		})
	}
}

func TestDisagreeingTotalRejected(t *testing.T) {
	a := newTestAssembler()
	a.Track(2, "r", 0)

	a.AddChunk(2, 1, 3, nil, []byte("AA"), "")
	r := a.AddChunk(2, 2, 4, nil, []byte("BB"), "")

	if r.Kind != KindIncomplete {
		t.Fatalf("Kind = %v, want incomplete", r.Kind)
	}
	if r.Received != 1 || r.Total != 3 {
		t.Errorf("progress = %d/%d, want 1/3 (disagreeing chunk dropped)", r.Received, r.Total)
	}
}

func TestUnknownRequestID(t *testing.T) {
	a := newTestAssembler()

	r := a.AddChunk(50, 1, 2, nil, []byte("AA"), "")

	if r.Kind != KindUnknownRequest {
		t.Fatalf("Kind = %v, want unknown-request", r.Kind)
	}
	if r.ID != 50 {
		t.Errorf("ID = %d, want 50", r.ID)
	}
	if a.PendingCount() != 0 {
		t.Error("untracked chunk must not speculatively create state")
	}
}

func TestMalformedChunkNumbering(t *testing.T) {
	a := newTestAssembler()
	a.Track(4, "r", 0)

	tests := []struct {
		name      string
		thisChunk int
		numChunks int
	}{
		{"zero total", 1, 0},
		{"zero index", 0, 3},
		{"index beyond total", 4, 3},
		{"negative", -1, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := a.AddChunk(4, tt.thisChunk, tt.numChunks, nil, []byte("x"), "")
			if r.Kind != KindIncomplete {
				t.Errorf("Kind = %v, want incomplete", r.Kind)
			}
			if r.Received != 0 {
				t.Errorf("malformed input allocated a fragment: received=%d", r.Received)
			}
		})
	}
}

func TestTimeoutWithPartial(t *testing.T) {
	a := newTestAssembler()
	now := time.Now()
	a.now = func() time.Time { return now }

	a.Track(5, "StateList", 1*time.Second)
	a.AddChunk(5, 1, 3, []byte("H"), []byte("AA"), "")

	now = now.Add(2 * time.Second)
	results := a.CheckTimeouts()

	if len(results) != 1 {
		t.Fatalf("CheckTimeouts returned %d results, want 1", len(results))
	}
	r := results[0]
	if r.Kind != KindTimeout || r.ID != 5 {
		t.Fatalf("result = %+v", r)
	}
	if r.Received != 1 || r.Total != 3 {
		t.Errorf("progress = %d/%d, want 1/3", r.Received, r.Total)
	}
	if !r.HasPartial || !bytes.Equal(r.Partial, []byte("AA")) {
		t.Errorf("Partial = (%v, %q), want (true, AA)", r.HasPartial, r.Partial)
	}
	if a.PendingCount() != 0 {
		t.Error("expired state not removed")
	}
}

func TestTimeoutWithoutChunkOneHasNoPartial(t *testing.T) {
	a := newTestAssembler()
	now := time.Now()
	a.now = func() time.Time { return now }

	a.Track(6, "r", 1*time.Second)
	a.AddChunk(6, 2, 2, nil, []byte("BB"), "")

	now = now.Add(2 * time.Second)
	results := a.CheckTimeouts()

	if len(results) != 1 {
		t.Fatalf("CheckTimeouts returned %d results, want 1", len(results))
	}
	if results[0].HasPartial {
		t.Error("partial delivered despite missing chunk 1; body prefix is unknown")
	}
	if results[0].Partial != nil {
		t.Errorf("Partial = %q, want nil", results[0].Partial)
	}
}

func TestCheckTimeoutsLeavesFreshStates(t *testing.T) {
	a := newTestAssembler()
	now := time.Now()
	a.now = func() time.Time { return now }

	a.Track(1, "old", 1*time.Second)
	now = now.Add(5 * time.Second)
	a.Track(2, "fresh", 10*time.Second)

	results := a.CheckTimeouts()

	if len(results) != 1 || results[0].ID != 1 {
		t.Fatalf("results = %+v, want exactly ID 1", results)
	}
	if a.PendingCount() != 1 {
		t.Errorf("PendingCount = %d, want 1 (fresh state kept)", a.PendingCount())
	}
}

func TestCancelThenChunkIsUnknown(t *testing.T) {
	a := newTestAssembler()
	a.Track(8, "r", 0)
	a.AddChunk(8, 1, 2, nil, []byte("AA"), "")

	if !a.Cancel(8) {
		t.Fatal("Cancel(8) found no state")
	}

	r := a.AddChunk(8, 2, 2, nil, []byte("BB"), "")
	if r.Kind != KindUnknownRequest {
		t.Errorf("Kind = %v after cancel, want unknown-request", r.Kind)
	}
	if a.PendingCount() != 0 {
		t.Error("chunk after cancel re-registered state")
	}
}

func TestCancelAll(t *testing.T) {
	a := newTestAssembler()
	a.Track(1, "a", 0)
	a.Track(2, "b", 0)

	a.CancelAll()

	if a.PendingCount() != 0 {
		t.Errorf("PendingCount = %d after CancelAll, want 0", a.PendingCount())
	}
}

func TestProgress(t *testing.T) {
	a := newTestAssembler()
	a.Track(9, "r", 0)

	if recv, total, ok := a.Progress(9); !ok || recv != 0 || total != 0 {
		t.Errorf("Progress before first chunk = (%d, %d, %v), want (0, 0, true)", recv, total, ok)
	}
	a.AddChunk(9, 2, 4, nil, []byte("x"), "")
	if recv, total, ok := a.Progress(9); !ok || recv != 1 || total != 4 {
		t.Errorf("Progress = (%d, %d, %v), want (1, 4, true)", recv, total, ok)
	}
	if _, _, ok := a.Progress(10); ok {
		t.Error("Progress(10) = ok for untracked ID")
	}
}

func TestExpireUntracked(t *testing.T) {
	a := newTestAssembler()
	if _, ok := a.Expire(3); ok {
		t.Error("Expire(3) = ok for untracked ID")
	}
}
