package crypto

import (
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"time"
)

// CookieSize is the length of a SYN cookie.
const CookieSize = sha1.Size

// DefaultCookieRotation is how long a random secret stays current.
const DefaultCookieRotation = 5 * time.Second

var ErrCookieMismatch = errors.New("syn cookie mismatch")

// CookieJar issues and verifies SYN cookies, SHA1(ip || port || secret).
// The secret rotates every period; the previous secret is still accepted, so a
// cookie stays valid across one rotation and fails after two.
//
// A CookieJar is not safe for concurrent use.
type CookieJar struct {
	current   [CookieSize]byte
	previous  [CookieSize]byte
	rotatedAt time.Time
	period    time.Duration
}

// NewCookieJar creates a jar whose first secret is fresh at now.
func NewCookieJar(period time.Duration, now time.Time) *CookieJar {
	if period <= 0 {
		period = DefaultCookieRotation
	}
	j := &CookieJar{period: period}
	rand.Read(j.current[:])
	rand.Read(j.previous[:])
	j.rotatedAt = now
	return j
}

// Rotate moves the current secret to previous and draws a new one.
func (j *CookieJar) Rotate(now time.Time) {
	j.previous = j.current
	rand.Read(j.current[:])
	j.rotatedAt = now
}

func (j *CookieJar) advance(now time.Time) {
	elapsed := now.Sub(j.rotatedAt)
	if elapsed < j.period {
		return
	}
	j.Rotate(now)
	if elapsed >= 2*j.period {
		j.Rotate(now)
	}
}

// Issue returns the cookie for ip:port under the current secret.
func (j *CookieJar) Issue(ip [4]byte, port uint16, now time.Time) [CookieSize]byte {
	j.advance(now)
	return cookie(ip, port, &j.current)
}

// Verify checks c against the current and previous secret. current reports
// whether the current secret matched.
func (j *CookieJar) Verify(ip [4]byte, port uint16, c [CookieSize]byte, now time.Time) (current bool, err error) {
	j.advance(now)
	want := cookie(ip, port, &j.current)
	if subtle.ConstantTimeCompare(want[:], c[:]) == 1 {
		return true, nil
	}
	want = cookie(ip, port, &j.previous)
	if subtle.ConstantTimeCompare(want[:], c[:]) == 1 {
		return false, nil
	}
	return false, ErrCookieMismatch
}

func cookie(ip [4]byte, port uint16, secret *[CookieSize]byte) [CookieSize]byte {
	var buf [4 + 2 + CookieSize]byte
	copy(buf[0:4], ip[:])
	binary.BigEndian.PutUint16(buf[4:6], port)
	copy(buf[6:], secret[:])
	return sha1.Sum(buf[:])
}

// XORKey derives the AES session key from a cookie and the initiator's random
// contribution: key[i] = cookie[i] ^ random[i].
func XORKey(c [CookieSize]byte, random []byte) ([16]byte, error) {
	var key [16]byte
	if len(random) < len(key) {
		return key, ErrInvalidKey
	}
	for i := range key {
		key[i] = c[i] ^ random[i]
	}
	return key, nil
}
