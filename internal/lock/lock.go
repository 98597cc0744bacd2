// Package lock provides keyed mutual exclusion used to scope units of work to
// the smallest set of keys that needs isolation (a user, a therapist's day).
package lock

import (
	"context"
	"sort"
)

// Locker acquires a set of keys together. The returned release function must
// be called exactly once, even when Lock fails it is a no-op then.
type Locker interface {
	Lock(ctx context.Context, keys ...string) (func(), error)
}

// normalize sorts and deduplicates keys so every caller acquires them in the
// same order.
func normalize(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
