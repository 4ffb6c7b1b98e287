package configstore

import (
	"fmt"
	"strconv"
)

// Kind identifies which variant a ConfigValue holds.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindStringList
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindStringList:
		return "stringList"
	default:
		return "unknown"
	}
}

// Value is a closed tagged variant for leaf content: Null, Bool, Int,
// Float, String, or a list of strings. This is the entire set of scalar
// shapes a recipe parameter or runtime leaf may hold; there is
// deliberately no "any" escape hatch, so every consumer must go through
// one of the To* coercion helpers below.
type Value struct {
	kind   Kind
	b      bool
	i      int64
	f      float64
	s      string
	list   []string
}

func Null() Value                  { return Value{kind: KindNull} }
func Bool(b bool) Value            { return Value{kind: KindBool, b: b} }
func Int(i int64) Value            { return Value{kind: KindInt, i: i} }
func Float(f float64) Value        { return Value{kind: KindFloat, f: f} }
func String(s string) Value        { return Value{kind: KindString, s: s} }
func StringList(ss []string) Value {
	cp := make([]string, len(ss))
	copy(cp, ss)
	return Value{kind: KindStringList, list: cp}
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

// Equal reports whether two values hold the same kind and content.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == other.b
	case KindInt:
		return v.i == other.i
	case KindFloat:
		return v.f == other.f
	case KindString:
		return v.s == other.s
	case KindStringList:
		if len(v.list) != len(other.list) {
			return false
		}
		for i := range v.list {
			if v.list[i] != other.list[i] {
				return false
			}
		}
		return true
	}
	return false
}

func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "<null>"
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindString:
		return v.s
	case KindStringList:
		return fmt.Sprintf("%v", v.list)
	default:
		return "<unknown>"
	}
}

// ToBoolean coerces a value to bool. Ints/floats are truthy iff nonzero;
// strings "true"/"false" (case-sensitive-free via strconv) are accepted.
func (v Value) ToBoolean() (bool, error) {
	switch v.kind {
	case KindBool:
		return v.b, nil
	case KindInt:
		return v.i != 0, nil
	case KindFloat:
		return v.f != 0, nil
	case KindString:
		b, err := strconv.ParseBool(v.s)
		if err != nil {
			return false, fmt.Errorf("cannot coerce string %q to boolean: %w", v.s, err)
		}
		return b, nil
	default:
		return false, fmt.Errorf("cannot coerce %s to boolean", v.kind)
	}
}

// ToInt coerces a value to int64. Floats truncate toward zero.
func (v Value) ToInt() (int64, error) {
	switch v.kind {
	case KindInt:
		return v.i, nil
	case KindFloat:
		return int64(v.f), nil
	case KindBool:
		if v.b {
			return 1, nil
		}
		return 0, nil
	case KindString:
		i, err := strconv.ParseInt(v.s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("cannot coerce string %q to int: %w", v.s, err)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("cannot coerce %s to int", v.kind)
	}
}

// ToDouble coerces a value to float64.
func (v Value) ToDouble() (float64, error) {
	switch v.kind {
	case KindFloat:
		return v.f, nil
	case KindInt:
		return float64(v.i), nil
	case KindString:
		f, err := strconv.ParseFloat(v.s, 64)
		if err != nil {
			return 0, fmt.Errorf("cannot coerce string %q to double: %w", v.s, err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("cannot coerce %s to double", v.kind)
	}
}

// ToStringValue coerces a value to its string representation.
func (v Value) ToStringValue() (string, error) {
	if v.kind == KindNull {
		return "", fmt.Errorf("cannot coerce null to string")
	}
	return v.String(), nil
}

// ToEnum coerces a string value to one of the allowed values, case-sensitive,
// returning an error naming the allowed set on mismatch.
func (v Value) ToEnum(allowed ...string) (string, error) {
	s, err := v.ToStringValue()
	if err != nil {
		return "", err
	}
	for _, a := range allowed {
		if a == s {
			return s, nil
		}
	}
	return "", fmt.Errorf("value %q is not one of %v", s, allowed)
}

// ToStringArray coerces a value to a []string. A single String value is
// returned as a one-element slice for caller convenience.
func (v Value) ToStringArray() ([]string, error) {
	switch v.kind {
	case KindStringList:
		cp := make([]string, len(v.list))
		copy(cp, v.list)
		return cp, nil
	case KindString:
		return []string{v.s}, nil
	default:
		return nil, fmt.Errorf("cannot coerce %s to string array", v.kind)
	}
}
