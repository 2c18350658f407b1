// Package atomiccount provides a lock-free counter used for transfer
// statistics (bytes sent/received, chunks completed, errors seen).
package atomiccount

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"sync/atomic"
)

// Count is an int64 counter safe for concurrent use without external
// locking. The zero value is a counter at 0.
type Count struct {
	n int64
}

var _ fmt.Stringer = (*Count)(nil)

func (c *Count) Add(n int64) {
	atomic.AddInt64(&c.n, n)
}

func (c *Count) Int64() int64 {
	return atomic.LoadInt64(&c.n)
}

func (c *Count) String() string {
	return strconv.FormatInt(c.Int64(), 10)
}

func (c *Count) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.n)
}

// Snapshot returns a copy of a stats struct whose fields are all Count,
// with each field's current value added into the destination, so one
// stats struct can be merged into another without naming every field by
// hand.
func Snapshot[T any](src *T) (dst T) {
	srcValue := reflect.ValueOf(src).Elem()
	dstValue := reflect.ValueOf(&dst).Elem()
	for i := 0; i < reflect.TypeFor[T]().NumField(); i++ {
		n := srcValue.Field(i).Addr().Interface().(*Count).Int64()
		dstValue.Field(i).Addr().Interface().(*Count).Add(n)
	}
	return
}
