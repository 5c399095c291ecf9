package banlist

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern string
		ip      string
		want    bool
	}{
		{"1.2.3.*", "1.2.3.4", true},
		{"1.2.3.*", "1.2.3.255", true},
		{"1.2.3.*", "1.2.4.1", false},
		{"1.2.3.4", "1.2.3.4", true},
		{"1.2.3.4", "1.2.3.45", false},
		{"1.2.3.45", "1.2.3.4", false},
		{"*", "8.8.8.8", true},
		{"10.*", "10.0.0.1", true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"_"+tt.ip, func(t *testing.T) {
			if got := Match(tt.pattern, tt.ip); got != tt.want {
				t.Errorf("Match(%q, %q) = %v, want %v", tt.pattern, tt.ip, got, tt.want)
			}
		})
	}
}

func TestPermanentBanNeverExpires(t *testing.T) {
	now := time.Unix(5000, 0)
	l := New()
	l.Add("1.2.3.*", 0, now)

	assert.True(t, l.IsBanned("1.2.3.4", now))
	assert.True(t, l.IsBanned("1.2.3.255", now.Add(365*24*time.Hour)))
	assert.False(t, l.IsBanned("1.2.4.1", now))
}

func TestTimedBanStopsStrictlyAfterExpiry(t *testing.T) {
	now := time.Unix(5000, 0)
	l := New()
	l.Add("9.9.9.9", 10*time.Second, now)

	expiry := now.Add(10 * time.Second)
	assert.True(t, l.IsBanned("9.9.9.9", expiry), "still banned at exactly T")
	assert.False(t, l.IsBanned("9.9.9.9", expiry.Add(time.Millisecond)))
	assert.Equal(t, 0, l.Len(), "expired entry is evicted lazily")
}

func TestAddRefreshesExistingEntry(t *testing.T) {
	now := time.Unix(5000, 0)
	l := New()
	l.Add("9.9.9.9", 10*time.Second, now)
	l.Add("9.9.9.9", 60*time.Second, now.Add(5*time.Second))

	assert.Equal(t, 1, l.Len())
	assert.True(t, l.IsBanned("9.9.9.9", now.Add(30*time.Second)))

	// Refreshing with zero makes the ban permanent.
	l.Add("9.9.9.9", 0, now)
	assert.True(t, l.Entries()[0].Permanent())
}

func TestAddIgnoresOverlongPatterns(t *testing.T) {
	l := New()
	l.Add("1234.1234.1234.1234", 0, time.Now())
	l.Add("", 0, time.Now())
	assert.Equal(t, 0, l.Len())
}

func TestRemoveAndClear(t *testing.T) {
	now := time.Unix(5000, 0)
	l := New()
	l.Add("1.1.1.1", 0, now)
	l.Add("2.2.2.2", 0, now)
	l.Add("3.3.3.3", 0, now)

	l.Remove("1.1.1.1")
	assert.False(t, l.IsBanned("1.1.1.1", now))
	assert.True(t, l.IsBanned("2.2.2.2", now))
	assert.True(t, l.IsBanned("3.3.3.3", now))

	l.Remove("not-present")
	assert.Equal(t, 2, l.Len())

	l.Clear()
	assert.Equal(t, 0, l.Len())
}

func TestRestoreSkipsExpired(t *testing.T) {
	now := time.Unix(5000, 0)
	l := New()
	l.Restore([]Entry{
		{IP: "1.1.1.1"},
		{IP: "2.2.2.2", Expires: now.Add(-time.Second)},
		{IP: "3.3.3.3", Expires: now.Add(time.Minute)},
	}, now)

	assert.Equal(t, 2, l.Len())
	assert.True(t, l.IsBanned("1.1.1.1", now))
	assert.False(t, l.IsBanned("2.2.2.2", now))
	assert.True(t, l.IsBanned("3.3.3.3", now.Add(59*time.Second)))
}

func TestRestoreKeepsBanExpiringNow(t *testing.T) {
	now := time.Unix(5000, 0)
	l := New()
	l.Restore([]Entry{{IP: "4.4.4.4", Expires: now}}, now)

	require.Equal(t, 1, l.Len())
	assert.False(t, l.Entries()[0].Permanent())
	assert.True(t, l.IsBanned("4.4.4.4", now))
	assert.False(t, l.IsBanned("4.4.4.4", now.Add(time.Millisecond)))
}
