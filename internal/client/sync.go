// Package client is the consumer half of the realtime layer: a connection
// manager with reconnect policy, a subscription registry that survives
// disconnects, a presence tracker, and the state synchronizer that folds
// broadcast events into local application state.
package client

import (
	"fmt"

	"github.com/jondeardeuff/lifeos-sub003/internal/realtime"
)

// Strategy names how an incoming item set reconciles into current state.
type Strategy string

const (
	StrategyReplace Strategy = "replace"
	StrategyMerge   Strategy = "merge"
	StrategyUpsert  Strategy = "upsert"
	StrategyRemove  Strategy = "remove"
)

// Item is one unit of reconciled state. Every item must carry a non-empty
// identity under the "id" key.
type Item map[string]any

// ID returns the item's identity key.
func (i Item) ID() (string, bool) {
	value, ok := i["id"].(string)
	if !ok || value == "" {
		return "", false
	}
	return value, true
}

func (i Item) clone() Item {
	copied := make(Item, len(i))
	for key, value := range i {
		copied[key] = value
	}
	return copied
}

// Reconcile folds incoming items into current state using the named strategy.
// It is pure: current is never mutated, and any malformed input yields a
// ReconciliationError with the prior state returned untouched.
func Reconcile(current []Item, incoming []Item, strategy Strategy) ([]Item, error) {
	switch strategy {
	case StrategyReplace:
		return cloneItems(incoming), nil
	case StrategyMerge:
		merged := cloneItems(current)
		return append(merged, cloneItems(incoming)...), nil
	case StrategyUpsert:
		return upsert(current, incoming)
	case StrategyRemove:
		return remove(current, incoming)
	default:
		return current, &realtime.ReconciliationError{
			Strategy: string(strategy),
			Reason:   "unknown strategy",
		}
	}
}

// upsert replaces each current entry whose identity matches an incoming item
// and appends the rest, preserving current order. Applying the same item
// twice leaves exactly one entry.
func upsert(current []Item, incoming []Item) ([]Item, error) {
	byID := make(map[string]Item, len(incoming))
	order := make([]string, 0, len(incoming))
	for index, item := range incoming {
		id, ok := item.ID()
		if !ok {
			return current, &realtime.ReconciliationError{
				Strategy: string(StrategyUpsert),
				Reason:   fmt.Sprintf("incoming item %d has no identity", index),
			}
		}
		if _, seen := byID[id]; !seen {
			order = append(order, id)
		}
		byID[id] = item
	}

	result := make([]Item, 0, len(current)+len(incoming))
	replaced := make(map[string]struct{}, len(incoming))
	for _, item := range current {
		id, ok := item.ID()
		if !ok {
			return current, &realtime.ReconciliationError{
				Strategy: string(StrategyUpsert),
				Reason:   "current state contains an item without identity",
			}
		}
		if replacement, match := byID[id]; match {
			result = append(result, replacement.clone())
			replaced[id] = struct{}{}
			continue
		}
		result = append(result, item.clone())
	}
	for _, id := range order {
		if _, already := replaced[id]; already {
			continue
		}
		result = append(result, byID[id].clone())
	}
	return result, nil
}

// remove deletes current entries whose identity is in the incoming id set.
// Removing an absent id is a no-op, so a second application changes nothing.
func remove(current []Item, incoming []Item) ([]Item, error) {
	victims := make(map[string]struct{}, len(incoming))
	for index, item := range incoming {
		id, ok := item.ID()
		if !ok {
			return current, &realtime.ReconciliationError{
				Strategy: string(StrategyRemove),
				Reason:   fmt.Sprintf("incoming item %d has no identity", index),
			}
		}
		victims[id] = struct{}{}
	}

	result := make([]Item, 0, len(current))
	for _, item := range current {
		id, ok := item.ID()
		if ok {
			if _, doomed := victims[id]; doomed {
				continue
			}
		}
		result = append(result, item.clone())
	}
	return result, nil
}

// MergeFields shallow-merges incoming scalar fields over current ones,
// returning a new map. Neither input is mutated.
func MergeFields(current, incoming map[string]any) map[string]any {
	merged := make(map[string]any, len(current)+len(incoming))
	for key, value := range current {
		merged[key] = value
	}
	for key, value := range incoming {
		merged[key] = value
	}
	return merged
}

func cloneItems(items []Item) []Item {
	cloned := make([]Item, 0, len(items))
	for _, item := range items {
		cloned = append(cloned, item.clone())
	}
	return cloned
}
