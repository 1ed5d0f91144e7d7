package domain

import (
	"time"
)

// Paste is the sole persistent entity: one content blob plus three
// metadata facets, addressed by a short case-sensitive id.
type Paste struct {
	ID           string       `json:"id"`
	Content      []byte       `json:"-"`
	Uploader     UploaderInfo `json:"uploader"`
	Counters     Counters     `json:"counters"`
	System       SystemInfo   `json:"system"`
	CreatedAt    int64        `json:"created_at"`
	ExpiresAt    int64        `json:"expires_at"`
	LastAccessAt int64        `json:"last_access_at,omitempty"`
}

// UploaderInfo is written once at creation and never mutated.
type UploaderInfo struct {
	Addr      string `json:"addr,omitempty"`
	UserAgent string `json:"ua,omitempty"`
	Country   string `json:"country,omitempty"`
}

// Counters holds informational, monotonically non-decreasing counts.
// Lost updates under concurrent reads of the same id are accepted.
type Counters struct {
	Views int64 `json:"views"`
}

// SystemInfo is written once at creation. Width/Height are zero for
// non-image content. TokenDigest is the blake2b-256 digest of the
// delete token; the token itself is never persisted.
type SystemInfo struct {
	MIME        string `json:"mime"`
	Extension   string `json:"ext,omitempty"`
	TokenDigest string `json:"token,omitempty"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
}

// Expired reports whether the paste's lifetime has elapsed at now.
// Expired pastes are classified Gone and never served, regardless of
// how many times they are queried before reclamation.
func (p *Paste) Expired(now time.Time) bool {
	return now.Unix() >= p.ExpiresAt
}

// Remaining returns the paste's remaining lifetime at now, floored at
// zero. It drives the client-visible cache max-age.
func (p *Paste) Remaining(now time.Time) time.Duration {
	d := time.Duration(p.ExpiresAt-now.Unix()) * time.Second
	if d < 0 {
		return 0
	}
	return d
}

// NextExpiry computes the expiry stamp for a paste created at now.
// TTL is fixed at creation; reads never extend it.
func NextExpiry(now time.Time, ttl time.Duration) int64 {
	return now.Add(ttl).Unix()
}

// HasDimensions reports whether the sniffer recorded pixel dimensions.
func (s SystemInfo) HasDimensions() bool {
	return s.Width > 0 && s.Height > 0
}
