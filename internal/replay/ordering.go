package replay

import (
	"sort"

	"sniper-core/internal/domain"
)

// SortEvents orders events by (timestamp ASC, type ASC, venue ASC,
// instrument ASC, signal id ASC). The order depends only on event content,
// never on load order.
func SortEvents(events []*Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return compareEvents(events[i], events[j]) < 0
	})
}

// MergeEvents combines book snapshots and signals into one sorted stream.
func MergeEvents(books []*domain.PriceState, signals []*domain.Signal) []*Event {
	events := make([]*Event, 0, len(books)+len(signals))

	for _, b := range books {
		events = append(events, &Event{
			Type:        EventTypeBook,
			TimestampMs: b.TimestampMs,
			Book:        b,
		})
	}

	for _, s := range signals {
		events = append(events, &Event{
			Type:        EventTypeSignal,
			TimestampMs: s.TimestampMs,
			Signal:      s,
		})
	}

	SortEvents(events)
	return events
}

// IsOrdered reports whether events are already in replay order.
func IsOrdered(events []*Event) bool {
	for i := 1; i < len(events); i++ {
		if compareEvents(events[i-1], events[i]) > 0 {
			return false
		}
	}
	return true
}

// compareEvents returns:
//   - negative if a < b
//   - zero if a == b
//   - positive if a > b
//
// EventType order: "book" < "signal" (alphabetically)
func compareEvents(a, b *Event) int {
	if a.TimestampMs != b.TimestampMs {
		if a.TimestampMs < b.TimestampMs {
			return -1
		}
		return 1
	}
	if a.Type != b.Type {
		if a.Type < b.Type {
			return -1
		}
		return 1
	}
	switch a.Type {
	case EventTypeBook:
		if domain.PriceStateLess(a.Book, b.Book) {
			return -1
		}
		if domain.PriceStateLess(b.Book, a.Book) {
			return 1
		}
	case EventTypeSignal:
		if domain.SignalLess(a.Signal, b.Signal) {
			return -1
		}
		if domain.SignalLess(b.Signal, a.Signal) {
			return 1
		}
	}
	return 0
}
