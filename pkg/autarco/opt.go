package autarco

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
)

// Opt holds a value that the API may leave out. The zero value is absent.
type Opt[T any] struct {
	value T
	set   bool
}

func Some[T any](v T) Opt[T] {
	return Opt[T]{value: v, set: true}
}

func None[T any]() Opt[T] {
	return Opt[T]{}
}

func (o Opt[T]) Get() (T, bool) {
	return o.value, o.set
}

func (o Opt[T]) IsSet() bool {
	return o.set
}

func (o Opt[T]) OrElse(def T) T {
	if !o.set {
		return def
	}
	return o.value
}

func (o Opt[T]) String() string {
	if !o.set {
		return "<absent>"
	}
	return fmt.Sprintf("%v", o.value)
}

// UnmarshalJSON treats null as absent. Integer options accept numbers with a
// fractional part and round them; numbers outside the int64 range fail.
func (o *Opt[T]) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*o = Opt[T]{}
		return nil
	}
	var v T
	if p, ok := any(&v).(*int64); ok {
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		i, err := n.Int64()
		if err != nil {
			f, ferr := n.Float64()
			if ferr != nil {
				return ferr
			}
			f = math.Round(f)
			if math.IsNaN(f) || f < math.MinInt64 || f >= math.MaxInt64 {
				return fmt.Errorf("number %s out of int64 range", n)
			}
			i = int64(f)
		}
		*p = i
	} else if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*o = Some(v)
	return nil
}

func (o Opt[T]) MarshalJSON() ([]byte, error) {
	if !o.set {
		return []byte("null"), nil
	}
	return json.Marshal(o.value)
}
