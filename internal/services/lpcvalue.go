package services

import (
	"strconv"

	"i3gateway/internal/lpc"
)

// toJSONable recursively converts a decoded LPC value into plain Go types
// suitable for json.Marshal: nil, int32, string, float64, []byte, []any,
// or map[string]any.
func toJSONable(v lpc.Value) any {
	switch {
	case v.IsNull():
		return nil
	case v.IsInt():
		return v.Int32()
	case v.IsString():
		return v.String()
	case v.Array() != nil:
		arr := v.Array()
		out := make([]any, len(arr))
		for i, e := range arr {
			out[i] = toJSONable(e)
		}
		return out
	case v.MappingValue() != nil:
		m := v.MappingValue()
		out := make(map[string]any, len(m))
		for _, entry := range m {
			out[keyString(entry.Key)] = toJSONable(entry.Value)
		}
		return out
	case v.Bytes() != nil:
		return v.Bytes()
	default:
		return v.Float64()
	}
}

func keyString(v lpc.Value) string {
	if v.IsString() {
		return v.String()
	}
	return strconv.Itoa(int(v.Int32()))
}

// anyToLPC converts a plain Go value (as produced by toJSONable, or built
// directly from map[string]any/[]any/string/int/float64/nil) back into an
// lpc.Value for outbound packet construction.
func anyToLPC(v any) lpc.Value {
	switch val := v.(type) {
	case nil:
		return lpc.Null
	case lpc.Value:
		return val
	case string:
		return lpc.Str(val)
	case int:
		return lpc.Int(int32(val))
	case int32:
		return lpc.Int(val)
	case int64:
		return lpc.Int(int32(val))
	case float64:
		return lpc.Float(val)
	case []byte:
		return lpc.Buf(val)
	case []any:
		out := make([]lpc.Value, len(val))
		for i, e := range val {
			out[i] = anyToLPC(e)
		}
		return lpc.Arr(out)
	case []map[string]any:
		out := make([]lpc.Value, len(val))
		for i, e := range val {
			out[i] = anyToLPC(e)
		}
		return lpc.Arr(out)
	case map[string]any:
		entries := make(lpc.Mapping, 0, len(val))
		for k, e := range val {
			entries = append(entries, lpc.MapEntry{Key: lpc.Str(k), Value: anyToLPC(e)})
		}
		return lpc.Map(entries)
	default:
		return lpc.Null
	}
}
