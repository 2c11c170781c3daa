// Package cachekey derives deterministic content-addressed keys and storage
// paths from edit payloads. Two payloads with the same quantized values must
// produce byte-identical canonical encodings, so the encoding is built by
// hand instead of going through a JSON marshaler.
package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"

	gojson "github.com/goccy/go-json"

	"github.com/visagelab/visage/pkg/face"
)

// Version namespaces every stored artifact. Bumping it invalidates all
// previously cached entries without touching them.
const Version = "v1"

var sanitizeRe = regexp.MustCompile(`[^a-zA-Z0-9]`)

// Canonical renders the payload as compact JSON with keys in ascending
// order, every number formatted with exactly two decimals, and absent axes
// omitted. The output feeds the SHA-256 key, so it must never depend on map
// iteration order or marshaler defaults.
func Canonical(p face.Payload) []byte {
	entries := make([]entry, 0, 16)
	entries = append(entries,
		stringEntry("image", p.Image),
		numberEntry("crop_factor", p.CropFactor),
		numberEntry("src_ratio", p.SrcRatio),
		numberEntry("sample_ratio", p.SampleRatio),
		stringEntry("output_format", p.OutputFormat),
		numberEntry("output_quality", float64(p.OutputQuality)),
	)
	if p.Model != "" {
		entries = append(entries, stringEntry("model", p.Model))
	}
	for _, a := range face.Axes() {
		if v, ok := a.Value(&p.Parameters); ok {
			entries = append(entries, numberEntry(a.Name, v))
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })

	var sb strings.Builder
	sb.WriteByte('{')
	for i, e := range entries {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteByte('"')
		sb.WriteString(e.key)
		sb.WriteString(`":`)
		sb.WriteString(e.value)
	}
	sb.WriteByte('}')
	return []byte(sb.String())
}

// Key returns the lowercase hex SHA-256 of the canonical payload encoding.
func Key(p face.Payload) string {
	sum := sha256.Sum256(Canonical(p))
	return hex.EncodeToString(sum[:])
}

// Path builds the storage path for a key:
// cache/<version>/<sanitized model id>/<key>. Every character of the model
// identifier outside [a-zA-Z0-9] becomes an underscore.
func Path(version, modelID, key string) string {
	if version == "" {
		version = Version
	}
	return "cache/" + version + "/" + SanitizeModelID(modelID) + "/" + key
}

// SanitizeModelID maps a model identifier to a path-safe segment.
func SanitizeModelID(modelID string) string {
	return sanitizeRe.ReplaceAllString(modelID, "_")
}

type entry struct {
	key   string
	value string
}

func numberEntry(key string, v float64) entry {
	return entry{key: key, value: face.FormatValue(v)}
}

func stringEntry(key, v string) entry {
	b, err := gojson.Marshal(v)
	if err != nil {
		// Marshaling a plain string cannot fail; keep a raw wrap as the
		// unreachable fallback.
		return entry{key: key, value: `"` + v + `"`}
	}
	return entry{key: key, value: string(b)}
}
