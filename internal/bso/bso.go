// Package bso defines the basic storage object, the versioned record unit held
// by the collection store, together with its timestamp and identifier rules.
package bso

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Timestamp is a server time in milliseconds since the epoch. Values assigned
// by the store are always multiples of Resolution.
type Timestamp int64

// Resolution is the smallest step between two assigned timestamps.
const Resolution Timestamp = 10

var ErrInvalidTimestamp = errors.New("invalid timestamp")

// FromTime truncates t to Resolution.
func FromTime(t time.Time) Timestamp {
	ms := t.UnixMilli()
	return Timestamp(ms - ms%int64(Resolution))
}

// Next returns the timestamp for a write that follows prev at wall time now.
// The result is strictly greater than prev.
func Next(prev Timestamp, now time.Time) Timestamp {
	candidate := FromTime(now)
	if candidate <= prev {
		candidate = prev - prev%Resolution + Resolution
	}
	return candidate
}

// Time converts the timestamp back to a wall clock time.
func (t Timestamp) Time() time.Time {
	return time.UnixMilli(int64(t)).UTC()
}

// Seconds returns the timestamp as fractional seconds.
func (t Timestamp) Seconds() float64 {
	return float64(t) / 1000
}

// String renders the wire form: decimal seconds with two fractional digits.
func (t Timestamp) String() string {
	sign := ""
	v := int64(t)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/1000, (v%1000)/10)
}

// ParseTimestamp parses the wire form. Integers and any number of fractional
// digits are accepted; precision beyond a millisecond is rounded.
func ParseTimestamp(raw string) (Timestamp, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, ErrInvalidTimestamp
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimestamp, raw)
	}
	return Timestamp(math.Round(f * 1000)), nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)
	if raw == "null" {
		*t = 0
		return nil
	}
	parsed, err := ParseTimestamp(raw)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// BSO is a single stored record. Deleted records stay addressable by id but
// carry no payload and are hidden from reads.
type BSO struct {
	ID        string    `json:"id"`
	Modified  Timestamp `json:"modified"`
	Payload   string    `json:"payload"`
	SortIndex *int      `json:"sortindex,omitempty"`
	TTL       *int      `json:"ttl,omitempty"`
	Deleted   bool      `json:"-"`
}

// Expired reports whether the record's ttl has elapsed at now.
func (b BSO) Expired(now time.Time) bool {
	if b.TTL == nil || *b.TTL <= 0 {
		return false
	}
	expiresAt := int64(b.Modified) + int64(*b.TTL)*1000
	return now.UnixMilli() >= expiresAt
}

// Visible reports whether reads should return the record.
func (b BSO) Visible(now time.Time) bool {
	return !b.Deleted && !b.Expired(now)
}

var (
	collectionNameRE = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,32}$`)
	idRE             = regexp.MustCompile(`^[\x21-\x2e\x30-\x7e]{1,64}$`)
)

// ValidCollectionName reports whether name may be used as a collection name.
func ValidCollectionName(name string) bool {
	return collectionNameRE.MatchString(name)
}

// ValidID reports whether id may be used as a record id: 1 to 64 printable
// ASCII characters, without slashes or spaces.
func ValidID(id string) bool {
	return idRE.MatchString(id)
}
