// Package decoder parses the binary frames EcoFlow devices publish on the
// MQTT data topic when the payload is not a JSON document: an outer
// container of headers, each carrying an optionally XOR-obfuscated inner
// payload, dispatched by a (cmd_func, cmd_id) pair.
//
// No .proto schema for the container or its inner payloads ships with the
// vendor SDK, so this walks the wire format generically by field number
// (google.golang.org/protobuf/encoding/protowire) rather than through
// generated message types. Field names below are a best-effort table;
// numbers with no known name surface as "field_<n>".
package decoder

import (
	"encoding/base64"
	"fmt"
	"math"
	"unicode/utf8"

	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	targetCmdFunc = 254
	targetCmdID   = 21

	// maxDepth bounds the recursive submessage/sequence walk. Device
	// payloads are bounded and non-cyclic; this is a defensive cap only.
	maxDepth = 32
)

// Container (Send_Header_Msg) field numbers.
const (
	fieldContainerHeader = 1 // repeated header submessages
)

// Per-header field numbers.
const (
	headerFieldSrc      = 1
	headerFieldDest     = 2
	headerFieldDSrc     = 3
	headerFieldDDest    = 4
	headerFieldEncType  = 7
	headerFieldCheckType = 8
	headerFieldCmdFunc  = 9
	headerFieldCmdID    = 10
	headerFieldDataLen  = 11
	headerFieldSeq      = 16
	headerFieldPData    = 21
)

type frameHeader struct {
	cmdFunc int32
	cmdID   int32
	encType int32
	src     int32
	seq     int32
	pdata   []byte
}

// Decode runs the full §4.1 pipeline: optional base64 unwrap, container
// parse, per-header XOR deobfuscation, dispatch, and flatten. Any failure at
// any step is swallowed and yields an empty map; the error is logged with a
// hex dump of the bytes that failed to parse. Decode holds no state and is
// safe to call concurrently.
func Decode(raw []byte, log *zap.Logger) map[string]interface{} {
	if log == nil {
		log = zap.NewNop()
	}
	b := raw
	if dec, err := base64.StdEncoding.DecodeString(string(raw)); err == nil {
		b = dec
	}

	headers, err := parseContainer(b)
	if err != nil {
		log.Debug("frame decode: container parse failed",
			zap.String("hex", fmt.Sprintf("%x", raw)), zap.Error(err))
		return map[string]interface{}{}
	}

	out := map[string]interface{}{}
	for _, h := range headers {
		if h.cmdFunc != targetCmdFunc || h.cmdID != targetCmdID {
			log.Debug("frame decode: ignoring unrecognized payload",
				zap.Int32("cmd_func", h.cmdFunc), zap.Int32("cmd_id", h.cmdID))
			continue
		}
		pdata := h.pdata
		if h.encType == 1 && h.src != 32 {
			pdata = xorBytes(pdata, byte(h.seq&0xFF))
		}
		fields, err := decodeMessage(pdata, 0)
		if err != nil {
			log.Debug("frame decode: payload parse failed",
				zap.String("hex", fmt.Sprintf("%x", pdata)), zap.Error(err))
			return map[string]interface{}{}
		}
		flattenInto("", fields, out)
	}
	return out
}

// xorBytes XORs every byte of b with k. Its own inverse: xorBytes(xorBytes(b,
// k), k) == b for all b and k.
func xorBytes(b []byte, k byte) []byte {
	r := make([]byte, len(b))
	for i, c := range b {
		r[i] = c ^ k
	}
	return r
}

func parseContainer(b []byte) ([]frameHeader, error) {
	var hs []frameHeader
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		if num == fieldContainerHeader && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			h, err := parseHeader(v)
			if err != nil {
				return nil, err
			}
			hs = append(hs, h)
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
	}
	return hs, nil
}

func parseHeader(b []byte) (frameHeader, error) {
	var h frameHeader
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return h, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == headerFieldSrc && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return h, protowire.ParseError(n)
			}
			h.src = int32(v)
			b = b[n:]
		case num == headerFieldEncType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return h, protowire.ParseError(n)
			}
			h.encType = int32(v)
			b = b[n:]
		case num == headerFieldCmdFunc && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return h, protowire.ParseError(n)
			}
			h.cmdFunc = int32(v)
			b = b[n:]
		case num == headerFieldCmdID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return h, protowire.ParseError(n)
			}
			h.cmdID = int32(v)
			b = b[n:]
		case num == headerFieldSeq && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return h, protowire.ParseError(n)
			}
			h.seq = int32(v)
			b = b[n:]
		case num == headerFieldPData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return h, protowire.ParseError(n)
			}
			h.pdata = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return h, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return h, nil
}

// decodeMessage walks an unnamed protobuf message and returns a map from
// field number to decoded value. A field number seen more than once becomes
// a []interface{} in appearance order (a repeated field). Nested messages
// are represented as map[int]interface{} so callers can recurse.
func decodeMessage(b []byte, depth int) (map[int]interface{}, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("decoder: max nesting depth %d exceeded", maxDepth)
	}
	result := map[int]interface{}{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		var val interface{}
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			val = int64(v)
			b = b[n:]
		case protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			val = float64(math.Float32frombits(v))
			b = b[n:]
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			val = math.Float64frombits(v)
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			val = decodeBytesField(v, depth+1)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}

		key := int(num)
		if existing, ok := result[key]; ok {
			if seq, ok := existing.([]interface{}); ok {
				result[key] = append(seq, val)
			} else {
				result[key] = []interface{}{existing, val}
			}
		} else {
			result[key] = val
		}
	}
	return result, nil
}

// decodeBytesField decides whether a length-delimited field is a nested
// message, a UTF-8 string, or opaque bytes. Schema-less protobuf cannot
// distinguish these with certainty; a bytes value that happens to parse
// cleanly as a submessage is treated as one.
func decodeBytesField(v []byte, depth int) interface{} {
	if len(v) >= 2 && depth <= maxDepth {
		if m, err := decodeMessage(v, depth); err == nil && len(m) > 0 {
			return m
		}
	}
	if utf8.Valid(v) {
		return string(v)
	}
	return append([]byte(nil), v...)
}

// flattenInto converts a decoded message tree into dotted-key scalars and
// sequences per §4.1 item 5: nested (singular) submessages contribute
// "parent.child" keys; sequences are passed through unchanged at their key,
// not exploded (exploding per-index is the Metric Shaper's job at
// projection time).
func flattenInto(prefix string, m map[int]interface{}, out map[string]interface{}) {
	for num, val := range m {
		key := fieldName(num)
		if prefix != "" {
			key = prefix + "." + key
		}
		if nested, ok := val.(map[int]interface{}); ok {
			flattenInto(key, nested, out)
			continue
		}
		out[key] = toQuotaValue(val)
	}
}

// toQuotaValue converts the decoder's internal field-number-keyed
// representation into the string-keyed/scalar shape the rest of the system
// (QuotaMap, Metric Shaper) expects.
func toQuotaValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[int]interface{}:
		m := make(map[string]interface{}, len(t))
		for num, val := range t {
			m[fieldName(num)] = toQuotaValue(val)
		}
		return m
	case []interface{}:
		arr := make([]interface{}, len(t))
		for i, e := range t {
			arr[i] = toQuotaValue(e)
		}
		return arr
	default:
		return t
	}
}
