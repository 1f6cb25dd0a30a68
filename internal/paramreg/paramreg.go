// Package paramreg implements the sentinel-NaN string registry used to
// carry non-numeric strategy parameter values through the f64-only
// parameter map. A string value is encoded as a quiet NaN whose mantissa
// bits index a process-wide table of the original strings, mirroring the
// reference engine's encode_string_parameter/decode_string_parameter
// convention (see original_source/engine/src/optimizer.rs).
package paramreg

import (
	"math"
	"sync"
)

// quietNaNTag sets the exponent and quiet bits; an encoded value is this
// quiet NaN with the registry id in its low mantissa bits. Decode accepts
// any quiet NaN whose low bits hold a registered id, so an ordinary NaN
// with the same bits (math.NaN() carries payload 1) decodes as well.
const quietNaNTag = uint64(0x7FF8000000000000)

var (
	mu       sync.RWMutex
	strings_ []string
	index    = make(map[string]int)
)

// Encode returns a quiet-NaN float64 that indexes s in the process-wide
// registry, registering s if it hasn't been seen before. Encoding the same
// string twice returns bit-identical results.
func Encode(s string) float64 {
	mu.Lock()
	defer mu.Unlock()

	id, ok := index[s]
	if !ok {
		id = len(strings_)
		strings_ = append(strings_, s)
		index[s] = id
	}
	return math.Float64frombits(quietNaNTag | uint64(id))
}

// Decode reports whether f is a registry-encoded sentinel NaN and, if so,
// returns the original string.
func Decode(f float64) (string, bool) {
	if !math.IsNaN(f) {
		return "", false
	}
	bits := math.Float64bits(f)
	if bits&quietNaNTag != quietNaNTag {
		return "", false
	}
	id := int(bits &^ quietNaNTag)

	mu.RLock()
	defer mu.RUnlock()
	if id < 0 || id >= len(strings_) {
		return "", false
	}
	return strings_[id], true
}

// IsEncoded reports whether f carries a registry-encoded string payload.
func IsEncoded(f float64) bool {
	_, ok := Decode(f)
	return ok
}
