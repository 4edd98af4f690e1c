package discovery_test

import (
	"context"
	"errors"
	"slices"
	"testing"

	"pidscope/internal/discovery"
	"pidscope/internal/obd"
	"pidscope/internal/queue"
)

type reply struct {
	raw string
	err error
}

// scriptedRequester answers bank queries from a table; unknown commands time out.
type scriptedRequester struct {
	replies map[string]reply
	sent    []string
}

func (s *scriptedRequester) Do(_ context.Context, req obd.Request) (obd.Response, error) {
	s.sent = append(s.sent, req.Command)
	r, ok := s.replies[req.Command]
	if !ok {
		return obd.Response{}, queue.ErrTimeout
	}
	if r.err != nil {
		return obd.Response{}, r.err
	}
	return obd.ParseResponse(r.raw), nil
}

func TestDiscover(t *testing.T) {
	t.Run("queries banks in order", func(t *testing.T) {
		r := &scriptedRequester{}
		if _, err := discovery.Discover(context.Background(), r, nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		want := []string{"0100", "0120", "0140", "0160", "0180", "01A0", "01C0"}
		if !slices.Equal(r.sent, want) {
			t.Errorf("sent %v, want %v", r.sent, want)
		}
	})

	t.Run("aggregates banks", func(t *testing.T) {
		r := &scriptedRequester{replies: map[string]reply{
			"0100": {raw: "41 00 98 18 00 01\r"},
			"0120": {raw: "41 20 80 00 00 01\r"},
			"0140": {raw: "41 40 40 00 00 00\r"},
			"0160": {raw: "NO DATA\r"},
		}}
		set, err := discovery.Discover(context.Background(), r, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		want := []obd.PidCode{0x01, 0x04, 0x05, 0x0C, 0x0D, 0x20, 0x21, 0x40, 0x42}
		if got := set.Codes(); !slices.Equal(got, want) {
			t.Errorf("Discover() = %v, want %v", got, want)
		}
	})

	t.Run("bank order and bit order", func(t *testing.T) {
		r := &scriptedRequester{replies: map[string]reply{
			"0100": {raw: "41 00 80 00 00 00\r"},
			"0120": {raw: "41 20 50 00 00 00\r"},
		}}
		set, err := discovery.Discover(context.Background(), r, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got, want := set.Codes(), []obd.PidCode{0x01, 0x22, 0x24}; !slices.Equal(got, want) {
			t.Errorf("Discover() = %v, want %v", got, want)
		}
	})

	t.Run("timed out bank contributes nothing", func(t *testing.T) {
		r := &scriptedRequester{replies: map[string]reply{
			"0100": {raw: "41 00 00 00 00 01\r"},
			"0140": {raw: "41 40 40 00 00 00\r"},
		}}
		var outcomes []error
		set, err := discovery.Discover(context.Background(), r, func(_ obd.SupportedPIDs, _ obd.PIDList, err error) {
			outcomes = append(outcomes, err)
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got, want := set.Codes(), []obd.PidCode{0x20, 0x42}; !slices.Equal(got, want) {
			t.Errorf("Discover() = %v, want %v", got, want)
		}
		if len(outcomes) != len(obd.SupportedBanks) {
			t.Fatalf("progress called %d times, want %d", len(outcomes), len(obd.SupportedBanks))
		}
		if !errors.Is(outcomes[1], queue.ErrTimeout) {
			t.Errorf("bank 0x20 outcome = %v, want ErrTimeout", outcomes[1])
		}
	})

	t.Run("bitmasks of every ECU are merged", func(t *testing.T) {
		r := &scriptedRequester{replies: map[string]reply{
			"0100": {raw: "41 00 80 00 00 00\r41 00 40 00 00 01\r"},
			"0120": {raw: "41 20 80 00 00 00\r41 20 C0 00 00 00\r"},
		}}
		var counts []int
		set, err := discovery.Discover(context.Background(), r, func(_ obd.SupportedPIDs, found obd.PIDList, _ error) {
			counts = append(counts, len(found))
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got, want := set.Codes(), []obd.PidCode{0x01, 0x02, 0x20, 0x21, 0x22}; !slices.Equal(got, want) {
			t.Errorf("Discover() = %v, want %v", got, want)
		}
		// 0x21 is declared by both ECUs and counted once
		if counts[0] != 3 || counts[1] != 2 {
			t.Errorf("per-bank counts = %v, want [3 2 ...]", counts)
		}
	})

	t.Run("one undecodable ECU reply keeps the others", func(t *testing.T) {
		r := &scriptedRequester{replies: map[string]reply{
			"0100": {raw: "41 00 BE\r41 00 80 00 00 00\r"},
		}}
		set, err := discovery.Discover(context.Background(), r, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := set.Codes(); !slices.Equal(got, []obd.PidCode{0x01}) {
			t.Errorf("Discover() = %v, want [01]", got)
		}
	})

	t.Run("short bank reply is skipped", func(t *testing.T) {
		r := &scriptedRequester{replies: map[string]reply{
			"0100": {raw: "41 00 BE\r"},
		}}
		set, err := discovery.Discover(context.Background(), r, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if set.Len() != 0 {
			t.Errorf("expected empty set, got %v", set.Codes())
		}
	})

	t.Run("link failure aborts", func(t *testing.T) {
		r := &scriptedRequester{replies: map[string]reply{
			"0100": {raw: "41 00 80 00 00 01\r"},
			"0120": {err: queue.ErrLinkClosed},
		}}
		_, err := discovery.Discover(context.Background(), r, nil)
		if !errors.Is(err, queue.ErrLinkClosed) {
			t.Errorf("expected ErrLinkClosed, got %v", err)
		}
		if len(r.sent) != 2 {
			t.Errorf("discovery continued after link failure: sent %v", r.sent)
		}
	})
}
