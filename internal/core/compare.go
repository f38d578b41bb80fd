package core

import (
	"math"
	"reflect"
)

type numberKind uint8

const (
	kindNone numberKind = iota
	kindInt
	kindUint
	kindFloat
)

// number keeps integers exact so large ids do not collapse through float64.
type number struct {
	kind numberKind
	i    int64
	u    uint64
	f    float64
}

func toNumber(value any) number {
	switch n := value.(type) {
	case int:
		return number{kind: kindInt, i: int64(n)}
	case int8:
		return number{kind: kindInt, i: int64(n)}
	case int16:
		return number{kind: kindInt, i: int64(n)}
	case int32:
		return number{kind: kindInt, i: int64(n)}
	case int64:
		return number{kind: kindInt, i: n}
	case uint:
		return number{kind: kindUint, u: uint64(n)}
	case uint8:
		return number{kind: kindUint, u: uint64(n)}
	case uint16:
		return number{kind: kindUint, u: uint64(n)}
	case uint32:
		return number{kind: kindUint, u: uint64(n)}
	case uint64:
		return number{kind: kindUint, u: n}
	case float32:
		return number{kind: kindFloat, f: float64(n)}
	case float64:
		return number{kind: kindFloat, f: n}
	default:
		return number{}
	}
}

func valuesEqual(left any, right any) bool {
	l, r := toNumber(left), toNumber(right)
	if l.kind == kindNone || r.kind == kindNone {
		return reflect.DeepEqual(left, right)
	}
	if l.kind > r.kind {
		l, r = r, l
	}

	switch {
	case l.kind == kindInt && r.kind == kindInt:
		return l.i == r.i
	case l.kind == kindInt && r.kind == kindUint:
		return l.i >= 0 && uint64(l.i) == r.u
	case l.kind == kindInt && r.kind == kindFloat:
		return floatEqualsInt64(r.f, l.i)
	case l.kind == kindUint && r.kind == kindUint:
		return l.u == r.u
	case l.kind == kindUint && r.kind == kindFloat:
		return floatEqualsUint64(r.f, l.u)
	default:
		return l.f == r.f
	}
}

func floatEqualsInt64(value float64, want int64) bool {
	if !isWholeFinite(value) || value < math.MinInt64 || value > math.MaxInt64 {
		return false
	}
	converted := int64(value)
	return float64(converted) == value && converted == want
}

func floatEqualsUint64(value float64, want uint64) bool {
	if !isWholeFinite(value) || value < 0 || value > math.MaxUint64 {
		return false
	}
	converted := uint64(value)
	return float64(converted) == value && converted == want
}

func isWholeFinite(value float64) bool {
	return !math.IsNaN(value) && !math.IsInf(value, 0) && math.Trunc(value) == value
}
