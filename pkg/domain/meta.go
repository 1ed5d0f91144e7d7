package domain

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// The three metadata facets are persisted as JSON envelopes alongside
// the content blob. Encoding is deterministic for a given facet value;
// decoding is defensive: an empty envelope or unknown fields decode to
// defaults, but a malformed envelope written by us is an invariant
// violation and surfaces as a server-side fault, never a 4xx.

func EncodeUploader(u UploaderInfo) (string, error) {
	return encodeEnvelope(u, "uploader")
}

func EncodeCounters(c Counters) (string, error) {
	return encodeEnvelope(c, "counters")
}

func EncodeSystem(s SystemInfo) (string, error) {
	return encodeEnvelope(s, "system")
}

func DecodeUploader(raw string) (UploaderInfo, error) {
	var u UploaderInfo
	err := decodeEnvelope(raw, &u, "uploader")
	return u, err
}

func DecodeCounters(raw string) (Counters, error) {
	var c Counters
	err := decodeEnvelope(raw, &c, "counters")
	return c, err
}

func DecodeSystem(raw string) (SystemInfo, error) {
	var s SystemInfo
	err := decodeEnvelope(raw, &s, "system")
	return s, err
}

func encodeEnvelope(v interface{}, facet string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", errors.Wrapf(ErrInternal, "encode %s envelope: %v", facet, err)
	}
	return string(b), nil
}

func decodeEnvelope(raw string, v interface{}, facet string) error {
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return errors.Wrapf(ErrInternal, "decode %s envelope: %v", facet, err)
	}
	return nil
}
