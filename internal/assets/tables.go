// Package assets embeds the default worker-facing lookup tables.
package assets

import _ "embed"

//go:embed tables/quality_lookup.json
var qualityLookupJSON []byte

//go:embed tables/audio_codec_lookup.json
var audioCodecLookupJSON []byte

// DefaultQualityLookup returns the built-in quality/CRF lookup table: target
// CRF keyed by resolution bucket and bit depth. Served verbatim to workers;
// the master never interprets it.
func DefaultQualityLookup() []byte {
	return qualityLookupJSON
}

// DefaultAudioCodecLookup returns the built-in Opus-bitrate lookup table:
// target bitrate keyed by channel count. Served verbatim to workers.
func DefaultAudioCodecLookup() []byte {
	return audioCodecLookupJSON
}
