// Package audio provides container format detection and per-chunk quality
// analysis for speaker audio.
//
// The broker never re-encodes audio: detection is advisory. The recognition
// engine accepts the wire bytes as-is, so the only transformation performed
// here is stripping a WAV header when the payload is already LINEAR16 mono
// at the target rate. Everything else passes through untouched.
package audio

import (
	"bytes"
	"encoding/binary"
)

// Format identifies the container format of an audio chunk.
type Format string

const (
	FormatWebM    Format = "webm"
	FormatWAV     Format = "wav"
	FormatOGG     Format = "ogg"
	FormatMP4     Format = "mp4"
	FormatUnknown Format = "unknown"
)

// Magic byte signatures for supported containers.
var (
	webmEBMLHeader = []byte{0x1a, 0x45, 0xdf, 0xa3}
	webmSegment    = []byte{0x18, 0x53, 0x80, 0x67}
	webmCluster    = []byte{0x1f, 0x43, 0xb6, 0x75}
	wavRIFF        = []byte("RIFF")
	wavWAVE        = []byte("WAVE")
	oggCapture     = []byte("OggS")
	mp4FtypBox     = []byte("ftyp")
)

// Analysis holds the detection and quality result for a single chunk.
type Analysis struct {
	// Format is the detected container format, FormatUnknown when no
	// signature matched.
	Format Format

	// Confidence of the detection, 0.0–1.0.
	Confidence float64

	// SampleRate and Channels when the container declares them (WAV) or the
	// capture pipeline implies them (browser MediaRecorder: 16 kHz mono).
	// Zero when undetermined.
	SampleRate int
	Channels   int

	// Complete reports whether the chunk looks like a self-contained unit
	// the engine can decode on its own.
	Complete bool

	// Quality is a structural quality estimate, 0.0–1.0. Low values are
	// treated as probable silence by the buffering layer.
	Quality float64
}

// DetectFormat sniffs the container format from the chunk's leading bytes.
func DetectFormat(chunk []byte) Format {
	return Analyze(chunk).Format
}

// Analyze runs every detector over the chunk and returns the highest
// confidence result.
func Analyze(chunk []byte) Analysis {
	best := Analysis{Format: FormatUnknown}
	for _, detect := range detectors {
		if a := detect(chunk); a.Confidence > best.Confidence {
			best = a
		}
	}
	return best
}

type detectFunc func([]byte) Analysis

var detectors = []detectFunc{
	detectWebM,
	detectWAV,
	detectOGG,
	detectMP4,
}

func detectWebM(chunk []byte) Analysis {
	if len(chunk) < 16 {
		return Analysis{Format: FormatUnknown}
	}

	confidence := 0.0
	head := chunk
	if len(head) > 64 {
		head = head[:64]
	}
	switch {
	case bytes.HasPrefix(chunk, webmEBMLHeader),
		bytes.HasPrefix(chunk, webmSegment),
		bytes.HasPrefix(chunk, webmCluster):
		confidence = 0.95
	case bytes.Contains(head, webmEBMLHeader),
		bytes.Contains(head, webmSegment),
		bytes.Contains(head, webmCluster):
		confidence = 0.7
	}
	if confidence == 0 {
		return Analysis{Format: FormatUnknown}
	}

	return Analysis{
		Format:     FormatWebM,
		Confidence: confidence,
		SampleRate: 16000,
		Channels:   1,
		Complete:   webmComplete(chunk),
		Quality:    webmQuality(chunk),
	}
}

// webmQuality scores a WebM chunk by its structure: size, repeated EBML
// elements and the presence of block data.
func webmQuality(chunk []byte) float64 {
	q := 0.0
	switch {
	case len(chunk) > 10000:
		q += 0.4
	case len(chunk) > 5000:
		q += 0.2
	}
	if bytes.Count(chunk, []byte{0x1a, 0x45}) > 1 {
		q += 0.3
	}
	if bytes.IndexByte(chunk, 0xa3) >= 0 || bytes.IndexByte(chunk, 0xa1) >= 0 {
		q += 0.3
	}
	return min(q, 1.0)
}

func webmComplete(chunk []byte) bool {
	hasHeader := bytes.HasPrefix(chunk, webmEBMLHeader)
	hasSegment := bytes.Contains(chunk, webmSegment)
	hasCluster := bytes.Contains(chunk, webmCluster)
	hasBlocks := bytes.IndexByte(chunk, 0xa3) >= 0 || bytes.IndexByte(chunk, 0xa1) >= 0
	return hasHeader && hasSegment && (hasCluster || hasBlocks)
}

func detectWAV(chunk []byte) Analysis {
	if len(chunk) < 12 || !bytes.HasPrefix(chunk, wavRIFF) || !bytes.Equal(chunk[8:12], wavWAVE) {
		return Analysis{Format: FormatUnknown}
	}

	a := Analysis{
		Format:     FormatWAV,
		Confidence: 0.98,
		Complete:   len(chunk) > wavHeaderSize,
		Quality:    0.5,
	}
	if len(chunk) >= wavHeaderSize {
		a.Channels = int(binary.LittleEndian.Uint16(chunk[22:24]))
		a.SampleRate = int(binary.LittleEndian.Uint32(chunk[24:28]))

		q := 0.6
		if a.SampleRate >= 16000 {
			q += 0.2
		}
		if a.SampleRate >= 44100 {
			q += 0.1
		}
		if a.Channels == 1 {
			q += 0.1
		}
		a.Quality = q
	}
	return a
}

func detectOGG(chunk []byte) Analysis {
	if len(chunk) < 4 || !bytes.HasPrefix(chunk, oggCapture) {
		return Analysis{Format: FormatUnknown}
	}
	return Analysis{
		Format:     FormatOGG,
		Confidence: 0.95,
		SampleRate: 16000,
		Channels:   1,
		Complete:   len(chunk) > 100,
		Quality:    0.8,
	}
}

func detectMP4(chunk []byte) Analysis {
	if len(chunk) < 8 || !bytes.Equal(chunk[4:8], mp4FtypBox) {
		return Analysis{Format: FormatUnknown}
	}
	return Analysis{
		Format:     FormatMP4,
		Confidence: 0.9,
		SampleRate: 16000,
		Channels:   1,
		Complete:   len(chunk) > 64,
		Quality:    0.7,
	}
}
