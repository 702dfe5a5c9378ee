package subs

import "testing"

func TestAddIsIdempotent(t *testing.T) {
	registry := NewRegistry()

	if !registry.Add("orderbook", "BTC-USD") {
		t.Error("first add should report newly added")
	}
	if registry.Add("orderbook", "BTC-USD") {
		t.Error("second add should report already present")
	}
	if registry.Len() != 1 {
		t.Errorf("Len() = %d, want 1", registry.Len())
	}
}

func TestRemove(t *testing.T) {
	registry := NewRegistry()
	registry.Add("trades", "BTC-USD")

	if !registry.Remove("trades", "BTC-USD") {
		t.Error("remove of present subscription should return true")
	}
	if registry.Remove("trades", "BTC-USD") {
		t.Error("remove of absent subscription should return false")
	}

	for _, sub := range registry.Snapshot() {
		if sub.Channel == "trades" && sub.Symbol == "BTC-USD" {
			t.Error("snapshot still contains removed subscription")
		}
	}
}

func TestKeyDistinguishesSymbolless(t *testing.T) {
	registry := NewRegistry()

	if !registry.Add("stats", "") {
		t.Error("channel-only subscription should be added")
	}
	if !registry.Add("stats", "BTC-USD") {
		t.Error("channel+symbol should be distinct from channel-only")
	}
	if registry.Len() != 2 {
		t.Errorf("Len() = %d, want 2", registry.Len())
	}
}

func TestSnapshotStableAndDetached(t *testing.T) {
	registry := NewRegistry()
	registry.Add("ticker", "ETH-USD")
	registry.Add("orderbook", "BTC-USD")

	first := registry.Snapshot()
	second := registry.Snapshot()
	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("snapshot lengths = %d, %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Error("snapshot order is not stable")
		}
	}

	// mutating a snapshot must not affect the registry
	first[0] = Subscription{Channel: "mutated"}
	if !registry.Contains("orderbook", "BTC-USD") {
		t.Error("snapshot mutation leaked into registry")
	}
}
