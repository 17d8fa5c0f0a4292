package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// ScalarKind discriminates the value types allowed in a request context map.
type ScalarKind uint8

// Scalar kinds in canonical tag order.
const (
	ScalarString ScalarKind = 0
	ScalarInt    ScalarKind = 1
	ScalarBool   ScalarKind = 2
)

// Scalar is a context value: string, int64 or bool. Nested structures and
// floating-point numbers are rejected at decode time so that the canonical
// encoding of a context map is always well-defined.
type Scalar struct {
	Kind ScalarKind
	Str  string
	Int  int64
	Bool bool
}

// StringScalar wraps s.
func StringScalar(s string) Scalar { return Scalar{Kind: ScalarString, Str: s} }

// IntScalar wraps i.
func IntScalar(i int64) Scalar { return Scalar{Kind: ScalarInt, Int: i} }

// BoolScalar wraps b.
func BoolScalar(b bool) Scalar { return Scalar{Kind: ScalarBool, Bool: b} }

// Equal reports exact kind-and-value equality.
func (s Scalar) Equal(o Scalar) bool {
	if s.Kind != o.Kind {
		return false
	}
	switch s.Kind {
	case ScalarString:
		return s.Str == o.Str
	case ScalarInt:
		return s.Int == o.Int
	case ScalarBool:
		return s.Bool == o.Bool
	}
	return false
}

// String renders the value for traces and logs.
func (s Scalar) String() string {
	switch s.Kind {
	case ScalarString:
		return s.Str
	case ScalarInt:
		return strconv.FormatInt(s.Int, 10)
	case ScalarBool:
		return strconv.FormatBool(s.Bool)
	}
	return ""
}

// MarshalJSON emits the underlying JSON scalar.
func (s Scalar) MarshalJSON() ([]byte, error) {
	switch s.Kind {
	case ScalarString:
		return json.Marshal(s.Str)
	case ScalarInt:
		return json.Marshal(s.Int)
	case ScalarBool:
		return json.Marshal(s.Bool)
	}
	return nil, fmt.Errorf("unknown scalar kind %d", s.Kind)
}

// UnmarshalJSON accepts a JSON string, integer or boolean. Floats, nulls,
// arrays and objects are rejected.
func (s *Scalar) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}
	switch t := v.(type) {
	case string:
		*s = StringScalar(t)
	case bool:
		*s = BoolScalar(t)
	case json.Number:
		i, err := strconv.ParseInt(t.String(), 10, 64)
		if err != nil {
			return fmt.Errorf("context value %q is not an integer", t.String())
		}
		*s = IntScalar(i)
	default:
		return fmt.Errorf("context value must be string, integer or bool")
	}
	return nil
}

// ContextMap is a flat string-to-scalar map carried on a request.
type ContextMap map[string]Scalar

// SortedKeys returns the keys in ascending byte order, the order used by the
// canonical encoding.
func (m ContextMap) SortedKeys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
