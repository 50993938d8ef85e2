// Package identity implements deterministic subset identity: classifying
// REAL key specials, quantizing REAL keys, building the frozen identity-tuple
// byte encoding, and deriving subset_uuid from it (spec §3, §4.2).
package identity

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/datamgr/datamgr/internal/dmerr"
	"github.com/datamgr/datamgr/internal/numeric"
	"github.com/datamgr/datamgr/internal/schema"
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/text/unicode/norm"
)

// Specials classifies a REAL key value the way a float column's equality
// semantics require: NaN and the two infinities cannot be quantized and
// compare only to their own kind.
type Specials uint8

const (
	SpecialsNormal Specials = 0
	SpecialsNaN    Specials = 1
	SpecialsPosInf Specials = 2
	SpecialsNegInf Specials = 3
)

// ClassifySpecials reports which Specials bucket v falls into.
func ClassifySpecials(v float64) Specials {
	switch {
	case math.IsNaN(v):
		return SpecialsNaN
	case math.IsInf(v, 1):
		return SpecialsPosInf
	case math.IsInf(v, -1):
		return SpecialsNegInf
	default:
		return SpecialsNormal
	}
}

// Quantize computes round_half_away_from_zero(v*scale) for a Normal-class
// REAL key, failing if the scaled value overflows int64.
func Quantize(op, key string, v, scale float64) (int64, error) {
	scaled := v * scale
	if !numeric.FitsInt64(scaled) {
		return 0, dmerr.InvalidKeyValue(op, key, fmt.Errorf("quantized value %g overflows int64 at scale %g", scaled, scale))
	}
	return numeric.RoundHalfAwayFromZero(scaled), nil
}

// namespaceUUID is the fixed RFC 9562 namespace every subset_uuid is derived
// under. Frozen: changing this value changes every subset_uuid in existence.
var namespaceUUID = uuid.MustParse("c9c3f8e2-2f1b-4a9c-9a7f-7a9d7f9e7d3a")

const identityUUIDVersion = 8

// tag bytes for the frozen identity-tuple encoding (SPEC_FULL.md §4.2).
const (
	tagReal    byte = 0x01
	tagInteger byte = 0x02
	tagBoolean byte = 0x03
	tagText    byte = 0x04
)

// scaleFor resolves the quantization scale for a REAL key: its entry in
// scales if present, else defaultScale (spec §3's "quantization map", §9's
// "missing quantization scale... falls back to a configured default scale").
func scaleFor(scales map[string]float64, defaultScale float64, key string) float64 {
	if s, ok := scales[key]; ok {
		return s
	}
	return defaultScale
}

// BuildIdentityBytes encodes keys, in ks.Order, into the frozen identity-tuple
// byte layout:
//
//	per field: uint16_be(len(field_name)) ++ field_name ++
//	  REAL:    0x01 ++ uint8(specials) ++ int64_be(quantized)
//	  INTEGER: 0x02 ++ int64_be(value)
//	  BOOLEAN: 0x03 ++ uint8(0|1)
//	  TEXT:    0x04 ++ uint32_be(len(nfc_utf8)) ++ nfc_utf8
//
// scales maps a REAL key name to its quantization scale; a key absent from
// scales uses defaultScale.
func BuildIdentityBytes(op string, keys map[string]any, ks schema.KeySchema, scales map[string]float64, defaultScale float64) ([]byte, error) {
	if err := ks.Validate(op); err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 64*len(ks.Order))
	for _, name := range ks.Order {
		v, ok := keys[name]
		if !ok {
			return nil, dmerr.InvalidKeyValue(op, name, fmt.Errorf("missing key value"))
		}
		buf = appendFieldName(buf, name)

		switch ks.Types[name] {
		case schema.SQLReal:
			f, err := asFloat64(op, name, v)
			if err != nil {
				return nil, err
			}
			sp := ClassifySpecials(f)
			var q int64
			if sp == SpecialsNormal {
				q, err = Quantize(op, name, f, scaleFor(scales, defaultScale, name))
				if err != nil {
					return nil, err
				}
			}
			buf = append(buf, tagReal, byte(sp))
			buf = binary.BigEndian.AppendUint64(buf, uint64(q))

		case schema.SQLInteger:
			i, err := asInt64(op, name, v)
			if err != nil {
				return nil, err
			}
			buf = append(buf, tagInteger)
			buf = binary.BigEndian.AppendUint64(buf, uint64(i))

		case schema.SQLBoolean:
			b, ok := v.(bool)
			if !ok {
				return nil, dmerr.InvalidKeyValue(op, name, fmt.Errorf("expected bool, got %T", v))
			}
			flag := byte(0)
			if b {
				flag = 1
			}
			buf = append(buf, tagBoolean, flag)

		case schema.SQLText:
			s, ok := v.(string)
			if !ok {
				return nil, dmerr.InvalidKeyValue(op, name, fmt.Errorf("expected string, got %T", v))
			}
			nfc := norm.NFC.String(s)
			nb := []byte(nfc)
			buf = append(buf, tagText)
			buf = binary.BigEndian.AppendUint32(buf, uint32(len(nb)))
			buf = append(buf, nb...)

		default:
			return nil, dmerr.InvalidKeyValue(op, name, fmt.Errorf("unknown key type %q", ks.Types[name]))
		}
	}
	return buf, nil
}

func appendFieldName(buf []byte, name string) []byte {
	nb := []byte(name)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(nb)))
	return append(buf, nb...)
}

func asFloat64(op, key string, v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	default:
		return 0, dmerr.InvalidKeyValue(op, key, fmt.Errorf("expected float, got %T", v))
	}
}

func asInt64(op, key string, v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	default:
		return 0, dmerr.InvalidKeyValue(op, key, fmt.Errorf("expected int, got %T", v))
	}
}

// SubsetUUID derives a version-8 RFC 9562 custom-hash UUID from identity
// bytes via blake2b-128, the deterministic replacement for the original's
// ambiguous string-joined identity (SPEC_FULL.md §4.2, Open Question #1).
func SubsetUUID(op string, identityBytes []byte) (uuid.UUID, error) {
	h, err := blake2b.New(16, nil)
	if err != nil {
		return uuid.UUID{}, dmerr.DeterministicUUID(op, err)
	}
	u, err := uuid.NewHash(h, namespaceUUID, identityBytes, identityUUIDVersion)
	if err != nil {
		return uuid.UUID{}, dmerr.DeterministicUUID(op, err)
	}
	return u, nil
}

// DeriveSubsetUUID is the convenience composition BuildIdentityBytes+SubsetUUID.
func DeriveSubsetUUID(op string, keys map[string]any, ks schema.KeySchema, scales map[string]float64, defaultScale float64) (uuid.UUID, error) {
	b, err := BuildIdentityBytes(op, keys, ks, scales, defaultScale)
	if err != nil {
		return uuid.UUID{}, err
	}
	return SubsetUUID(op, b)
}

// EqualityPredicates expands keys into the column/value pairs a catalog
// lookup must match on. A REAL key widens into two columns, "{key}_s" (the
// Specials code) and "{key}_q" (the quantized value), since no single SQL
// comparison handles NaN/Inf equality and quantization together; every other
// key type maps directly to its own column (spec §4.5, "equality_predicates").
// scales maps a REAL key name to its quantization scale; a key absent from
// scales uses defaultScale.
func EqualityPredicates(op string, keys map[string]any, ks schema.KeySchema, scales map[string]float64, defaultScale float64) (map[string]any, error) {
	if err := ks.Validate(op); err != nil {
		return nil, err
	}
	out := make(map[string]any, len(ks.Order)+2)
	for _, name := range ks.Order {
		v, ok := keys[name]
		if !ok {
			return nil, dmerr.InvalidKeyValue(op, name, fmt.Errorf("missing key value"))
		}
		switch ks.Types[name] {
		case schema.SQLReal:
			f, err := asFloat64(op, name, v)
			if err != nil {
				return nil, err
			}
			sp := ClassifySpecials(f)
			out[name+"_s"] = int(sp)
			if sp == SpecialsNormal {
				q, err := Quantize(op, name, f, scaleFor(scales, defaultScale, name))
				if err != nil {
					return nil, err
				}
				out[name+"_q"] = q
			} else {
				out[name+"_q"] = nil
			}
		case schema.SQLInteger:
			i, err := asInt64(op, name, v)
			if err != nil {
				return nil, err
			}
			out[name] = i
		case schema.SQLBoolean:
			b, ok := v.(bool)
			if !ok {
				return nil, dmerr.InvalidKeyValue(op, name, fmt.Errorf("expected bool, got %T", v))
			}
			out[name] = b
		case schema.SQLText:
			s, ok := v.(string)
			if !ok {
				return nil, dmerr.InvalidKeyValue(op, name, fmt.Errorf("expected string, got %T", v))
			}
			out[name] = norm.NFC.String(s)
		default:
			return nil, dmerr.InvalidKeyValue(op, name, fmt.Errorf("unknown key type %q", ks.Types[name]))
		}
	}
	return out, nil
}
