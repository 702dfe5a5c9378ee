// Package subs tracks the desired set of live-data subscriptions.
package subs

import (
	"sort"
	"sync"
)

// Subscription is an immutable (channel, optional symbol) pair.
type Subscription struct {
	Channel string
	Symbol  string
}

// Key returns the registry key: "channel" or "channel:symbol".
func (s Subscription) Key() string {
	if s.Symbol == "" {
		return s.Channel
	}
	return s.Channel + ":" + s.Symbol
}

// Registry owns the desired-subscription set. It has no network side effects;
// the session replays the snapshot after every successful (re)connect.
type Registry struct {
	mu     sync.Mutex
	wanted map[string]Subscription
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	registry := new(Registry)
	registry.wanted = make(map[string]Subscription)
	return registry
}

// Add inserts the subscription if absent and reports whether it was newly
// added. Adding an existing subscription is a no-op returning false.
func (r *Registry) Add(channel, symbol string) bool {
	sub := Subscription{Channel: channel, Symbol: symbol}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.wanted[sub.Key()]; exists {
		return false
	}
	r.wanted[sub.Key()] = sub
	return true
}

// Remove deletes the subscription and reports whether it was present.
func (r *Registry) Remove(channel, symbol string) bool {
	sub := Subscription{Channel: channel, Symbol: symbol}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.wanted[sub.Key()]; !exists {
		return false
	}
	delete(r.wanted, sub.Key())
	return true
}

// Contains reports whether the subscription is currently desired.
func (r *Registry) Contains(channel, symbol string) bool {
	sub := Subscription{Channel: channel, Symbol: symbol}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.wanted[sub.Key()]
	return exists
}

// Snapshot returns the current desired set in a stable order for replay.
func (r *Registry) Snapshot() []Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Subscription, 0, len(r.wanted))
	for _, sub := range r.wanted {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Len reports the number of desired subscriptions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.wanted)
}
