package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// OpenMap holds free-form members whose shape the bridge does not interpret.
// Values are kept as raw JSON so they round-trip unchanged.
type OpenMap map[string]json.RawMessage

// Value types shared by local and remote values.
const (
	ValueTypeUndefined   = "undefined"
	ValueTypeNull        = "null"
	ValueTypeString      = "string"
	ValueTypeNumber      = "number"
	ValueTypeBoolean     = "boolean"
	ValueTypeBigInt      = "bigint"
	ValueTypeArray       = "array"
	ValueTypeDate        = "date"
	ValueTypeMap         = "map"
	ValueTypeObject      = "object"
	ValueTypeRegExp      = "regexp"
	ValueTypeSet         = "set"
	ValueTypeSymbol      = "symbol"
	ValueTypeFunction    = "function"
	ValueTypeWeakMap     = "weakmap"
	ValueTypeWeakSet     = "weakset"
	ValueTypeIterator    = "iterator"
	ValueTypeGenerator   = "generator"
	ValueTypeProxy       = "proxy"
	ValueTypeError       = "error"
	ValueTypePromise     = "promise"
	ValueTypeTypedArray  = "typedarray"
	ValueTypeArrayBuffer = "arraybuffer"
	ValueTypeNode        = "node"
	ValueTypeWindow      = "window"
	ValueTypeChannel     = "channel"
)

// Special number encodings.
const (
	NumberNaN              = "NaN"
	NumberNegativeZero     = "-0"
	NumberPositiveInfinity = "+Infinity"
	NumberNegativeInfinity = "-Infinity"
)

type RemoteReference struct {
	ObjectID string `json:"objectId"`
}

// LocalValue is a client-supplied serialized value. Value keeps its raw JSON
// form; its shape depends on Type.
type LocalValue struct {
	Type     string          `json:"type,omitempty"`
	ObjectID string          `json:"objectId,omitempty"`
	Value    json.RawMessage `json:"value,omitempty"`
	Pattern  string          `json:"pattern,omitempty"`
	Flags    string          `json:"flags,omitempty"`
}

// RemoteValue is a serialized value produced by the browser side.
type RemoteValue struct {
	Type     string          `json:"type"`
	ObjectID string          `json:"objectId,omitempty"`
	Value    json.RawMessage `json:"value,omitempty"`
	Pattern  string          `json:"pattern,omitempty"`
	Flags    string          `json:"flags,omitempty"`
}

type NodeProperties struct {
	ObjectID       string        `json:"objectId,omitempty"`
	NodeType       int           `json:"nodeType"`
	NodeValue      string        `json:"nodeValue"`
	LocalName      string        `json:"localName,omitempty"`
	NamespaceURI   string        `json:"namespaceURI,omitempty"`
	ChildNodeCount int           `json:"childNodeCount"`
	Children       []RemoteValue `json:"children,omitempty"`
	Attributes     OpenMap       `json:"attributes,omitempty"`
	ShadowRoot     *RemoteValue  `json:"shadowRoot,omitempty"`
}

type ExceptionDetails struct {
	ColumnNumber int         `json:"columnNumber"`
	Exception    RemoteValue `json:"exception"`
	LineNumber   int         `json:"lineNumber"`
	StackTrace   StackTrace  `json:"stackTrace"`
	Text         string      `json:"text"`
}

type StackTrace struct {
	CallFrames []StackFrame `json:"callFrames"`
}

type StackFrame struct {
	URL          string `json:"url"`
	FunctionName string `json:"functionName"`
	LineNumber   int    `json:"lineNumber"`
	ColumnNumber int    `json:"columnNumber"`
}

func StringValue(s string) RemoteValue {
	return RemoteValue{Type: ValueTypeString, Value: mustRaw(s)}
}

func BooleanValue(b bool) RemoteValue {
	return RemoteValue{Type: ValueTypeBoolean, Value: mustRaw(b)}
}

func NullValue() RemoteValue {
	return RemoteValue{Type: ValueTypeNull}
}

func UndefinedValue() RemoteValue {
	return RemoteValue{Type: ValueTypeUndefined}
}

// NumberValue encodes f, using the special string forms where JSON has no
// representation.
func NumberValue(f float64) RemoteValue {
	switch {
	case math.IsNaN(f):
		return RemoteValue{Type: ValueTypeNumber, Value: mustRaw(NumberNaN)}
	case math.IsInf(f, 1):
		return RemoteValue{Type: ValueTypeNumber, Value: mustRaw(NumberPositiveInfinity)}
	case math.IsInf(f, -1):
		return RemoteValue{Type: ValueTypeNumber, Value: mustRaw(NumberNegativeInfinity)}
	case f == 0 && math.Signbit(f):
		return RemoteValue{Type: ValueTypeNumber, Value: mustRaw(NumberNegativeZero)}
	}
	return RemoteValue{Type: ValueTypeNumber, Value: json.RawMessage(strconv.FormatFloat(f, 'g', -1, 64))}
}

func ArrayValue(items []RemoteValue) RemoteValue {
	if items == nil {
		items = []RemoteValue{}
	}
	return RemoteValue{Type: ValueTypeArray, Value: mustRaw(items)}
}

// ObjectValue encodes an object as the ordered list of [key, value] pairs.
func ObjectValue(keys []string, values []RemoteValue) RemoteValue {
	pairs := make([][2]any, 0, len(keys))
	for i, k := range keys {
		pairs = append(pairs, [2]any{k, values[i]})
	}
	return RemoteValue{Type: ValueTypeObject, Value: mustRaw(pairs)}
}

// RemoteValueFromJSON converts a by-value JSON result into its remote value
// form. Object keys are emitted in sorted order since JSON objects carry none.
func RemoteValueFromJSON(raw json.RawMessage) (RemoteValue, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return UndefinedValue(), nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return RemoteValue{}, fmt.Errorf("protocol: decode by-value result: %w", err)
	}
	return remoteValueOf(v)
}

func remoteValueOf(v any) (RemoteValue, error) {
	switch t := v.(type) {
	case nil:
		return NullValue(), nil
	case bool:
		return BooleanValue(t), nil
	case string:
		return StringValue(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return RemoteValue{}, fmt.Errorf("protocol: invalid number %q: %w", t.String(), err)
		}
		return NumberValue(f), nil
	case []any:
		items := make([]RemoteValue, 0, len(t))
		for _, item := range t {
			rv, err := remoteValueOf(item)
			if err != nil {
				return RemoteValue{}, err
			}
			items = append(items, rv)
		}
		return ArrayValue(items), nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		values := make([]RemoteValue, 0, len(keys))
		for _, k := range keys {
			rv, err := remoteValueOf(t[k])
			if err != nil {
				return RemoteValue{}, err
			}
			values = append(values, rv)
		}
		return ObjectValue(keys, values), nil
	default:
		return RemoteValue{}, fmt.Errorf("protocol: unsupported by-value type %T", v)
	}
}

func mustRaw(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
