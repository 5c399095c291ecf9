// Package banlist implements the IP admission filter of the peer layer.
package banlist

import (
	"sync"
	"time"
)

// MaxPatternLength is the longest accepted pattern ("255.255.255.255").
const MaxPatternLength = 15

// Entry is a banned IP pattern. A trailing '*' matches the remainder of
// an address. A zero Expires means the ban is permanent.
type Entry struct {
	IP      string    `json:"ip"`
	Expires time.Time `json:"expires,omitempty"`
}

// Permanent reports whether the entry never expires.
func (e Entry) Permanent() bool {
	return e.Expires.IsZero()
}

// List is a linear list of banned patterns, safe for concurrent use.
type List struct {
	mu      sync.Mutex
	entries []Entry
}

// New returns an empty ban list.
func New() *List {
	return &List{}
}

// Add bans ip for timeout. A timeout of zero bans permanently. Adding an
// existing pattern refreshes its expiry instead of adding a duplicate.
func (l *List) Add(ip string, timeout time.Duration, now time.Time) {
	var expires time.Time
	if timeout > 0 {
		expires = now.Add(timeout)
	}
	l.put(Entry{IP: ip, Expires: expires})
}

func (l *List) put(e Entry) {
	if e.IP == "" || len(e.IP) > MaxPatternLength {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.entries {
		if l.entries[i].IP == e.IP {
			l.entries[i].Expires = e.Expires
			return
		}
	}
	l.entries = append(l.entries, e)
}

// Restore inserts entries as they are, e.g. after loading them from disk.
// Entries already expired at now are skipped.
func (l *List) Restore(entries []Entry, now time.Time) {
	for _, e := range entries {
		if e.expired(now) {
			continue
		}
		l.put(e)
	}
}

// expired reports whether a timed entry ended before now. A ban still holds
// at exactly its expiry time.
func (e Entry) expired(now time.Time) bool {
	return !e.Permanent() && e.Expires.Before(now)
}

// Remove deletes the exact pattern ip. Order is not preserved.
func (l *List) Remove(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.entries {
		if l.entries[i].IP == ip {
			last := len(l.entries) - 1
			l.entries[i] = l.entries[last]
			l.entries = l.entries[:last]
			return
		}
	}
}

// IsBanned reports whether ip matches a live entry. Expired entries met
// during the scan are evicted.
func (l *List) IsBanned(ip string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	i := 0
	for i < len(l.entries) {
		e := l.entries[i]
		if e.expired(now) {
			last := len(l.entries) - 1
			l.entries[i] = l.entries[last]
			l.entries = l.entries[:last]
			continue
		}
		if Match(e.IP, ip) {
			return true
		}
		i++
	}
	return false
}

// Clear removes every entry.
func (l *List) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}

// Len returns the number of stored entries, expired or not.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Entries returns a snapshot of the stored entries.
func (l *List) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Match compares ip to pattern character by character; '*' in the pattern
// matches the rest of ip unconditionally.
func Match(pattern, ip string) bool {
	for i := 0; i < len(pattern); i++ {
		if pattern[i] == '*' {
			return true
		}
		if i >= len(ip) || pattern[i] != ip[i] {
			return false
		}
	}
	return len(pattern) == len(ip)
}
