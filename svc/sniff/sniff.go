// Package sniff classifies raw bytes into a MIME type, a file
// extension, and, for recognized image formats, pixel dimensions. It
// inspects magic bytes and bounded header structures only; it never
// fails and never reads past the buffer.
package sniff

import (
	"bytes"
	"encoding/binary"
)

// Result is the sniffer's classification of a byte buffer. Width and
// Height are zero when dimensions could not be determined.
type Result struct {
	MIME      string
	Extension string
	Width     int
	Height    int
}

var (
	pngSig  = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
	gifSig  = []byte("GIF8")
	jpegSig = []byte{0xFF, 0xD8, 0xFF}
	riffSig = []byte("RIFF")
	webpSig = []byte("WEBP")
)

// Detect classifies b. A buffer shorter than a format's full header
// still yields that format's MIME type when the magic prefix matches;
// anything unrecognized defaults to text/plain.
func Detect(b []byte) Result {
	switch {
	case bytes.HasPrefix(b, pngSig):
		return detectPNG(b)
	case bytes.HasPrefix(b, gifSig):
		return detectGIF(b)
	case bytes.HasPrefix(b, jpegSig):
		return detectJPEG(b)
	case isWEBP(b):
		return detectWEBP(b)
	default:
		return Result{MIME: "text/plain"}
	}
}

// PNG: 8-byte signature, then the IHDR chunk (4-byte length, "IHDR"),
// with big-endian 32-bit width at offset 16 and height at offset 20.
func detectPNG(b []byte) Result {
	r := Result{MIME: "image/png", Extension: "png"}
	if len(b) < 24 {
		return r
	}
	r.Width = int(binary.BigEndian.Uint32(b[16:20]))
	r.Height = int(binary.BigEndian.Uint32(b[20:24]))
	return r
}

// GIF: "GIF8" prefix, little-endian 16-bit logical screen width at
// offset 6 and height at offset 8.
func detectGIF(b []byte) Result {
	r := Result{MIME: "image/gif", Extension: "gif"}
	if len(b) < 10 {
		return r
	}
	r.Width = int(binary.LittleEndian.Uint16(b[6:8]))
	r.Height = int(binary.LittleEndian.Uint16(b[8:10]))
	return r
}

// JPEG: walk the marker stream until a Start-Of-Frame segment. Each
// marker is 0xFF + code; all except the standalone markers carry a
// 2-byte big-endian segment length that includes the length bytes.
// A SOF payload is 1 byte precision, then big-endian height and width.
func detectJPEG(b []byte) Result {
	r := Result{MIME: "image/jpeg", Extension: "jpg"}
	i := 2
	for i+1 < len(b) {
		if b[i] != 0xFF {
			i++
			continue
		}
		marker := b[i+1]
		if marker == 0xFF {
			// fill byte before the real marker
			i++
			continue
		}
		i += 2
		if standaloneMarker(marker) {
			continue
		}
		if i+1 >= len(b) {
			return r
		}
		segLen := int(binary.BigEndian.Uint16(b[i : i+2]))
		if segLen < 2 {
			return r
		}
		if isSOF(marker) {
			// precision(1) + height(2) + width(2)
			if i+7 > len(b) {
				return r
			}
			r.Height = int(binary.BigEndian.Uint16(b[i+3 : i+5]))
			r.Width = int(binary.BigEndian.Uint16(b[i+5 : i+7]))
			return r
		}
		i += segLen
	}
	return r
}

func isSOF(marker byte) bool {
	if marker < 0xC0 || marker > 0xCF {
		return false
	}
	switch marker {
	case 0xC4, 0xC8, 0xCC:
		return false
	}
	return true
}

func standaloneMarker(marker byte) bool {
	// SOI, EOI, RST0-RST7 and TEM carry no payload
	if marker >= 0xD0 && marker <= 0xD9 {
		return true
	}
	return marker == 0x01
}

func isWEBP(b []byte) bool {
	return len(b) >= 12 && bytes.HasPrefix(b, riffSig) && bytes.Equal(b[8:12], webpSig)
}

// WEBP: "RIFF" + size + "WEBP", then one of three sub-chunk layouts.
// An unknown sub-chunk tag still yields the WEBP MIME type.
func detectWEBP(b []byte) Result {
	r := Result{MIME: "image/webp", Extension: "webp"}
	if len(b) < 16 {
		return r
	}
	switch string(b[12:16]) {
	case "VP8 ":
		// lossy: 3-byte frame tag, 3-byte sync code, then 14-bit
		// little-endian width and height fields
		if len(b) < 30 {
			return r
		}
		r.Width = int(binary.LittleEndian.Uint16(b[26:28]) & 0x3FFF)
		r.Height = int(binary.LittleEndian.Uint16(b[28:30]) & 0x3FFF)
	case "VP8L":
		// lossless: signature byte 0x2F, then width-1 and height-1 as
		// 14-bit fields packed into a little-endian 32-bit word
		if len(b) < 25 || b[20] != 0x2F {
			return r
		}
		word := binary.LittleEndian.Uint32(b[21:25])
		r.Width = int(word&0x3FFF) + 1
		r.Height = int((word>>14)&0x3FFF) + 1
	case "VP8X":
		// extended: 4 bytes of flags, then width-1 and height-1 as
		// little-endian 24-bit fields
		if len(b) < 30 {
			return r
		}
		r.Width = int(uint32(b[24])|uint32(b[25])<<8|uint32(b[26])<<16) + 1
		r.Height = int(uint32(b[27])|uint32(b[28])<<8|uint32(b[29])<<16) + 1
	}
	return r
}
