package reconcile

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Key is the natural-key identity of a sub-entity. Two records are the same
// logical entity exactly when their keys are equal.
type Key string

const keySep = '\x1f'

// KeyOf builds the key from the listed fields of rec, in field order.
// Absent fields and nulls encode the same way. Values are compared as
// given: no case folding, no whitespace trimming. Each value carries a type
// tag, so the string "1" and the number 1 produce different keys.
func KeyOf(rec Record, fields []string) Key {
	var b strings.Builder
	for i, f := range fields {
		if i > 0 {
			b.WriteByte(keySep)
		}
		encodeKeyValue(&b, rec[f])
	}
	return Key(b.String())
}

// keyHasNull reports whether any listed field is absent or null.
func keyHasNull(rec Record, fields []string) bool {
	for _, f := range fields {
		if rec[f] == nil {
			return true
		}
	}
	return false
}

func encodeKeyValue(b *strings.Builder, v any) {
	switch x := v.(type) {
	case nil:
		b.WriteString("n")
	case string:
		b.WriteString("s")
		b.WriteString(strconv.Quote(x))
	case bool:
		b.WriteString("b")
		b.WriteString(strconv.FormatBool(x))
	case int64:
		b.WriteString("i")
		b.WriteString(strconv.FormatInt(x, 10))
	case int:
		b.WriteString("i")
		b.WriteString(strconv.Itoa(x))
	case float64:
		if x == float64(int64(x)) {
			b.WriteString("i")
			b.WriteString(strconv.FormatInt(int64(x), 10))
			return
		}
		b.WriteString("f")
		b.WriteString(strconv.FormatFloat(x, 'g', -1, 64))
	case json.Number:
		if i, err := x.Int64(); err == nil {
			b.WriteString("i")
			b.WriteString(strconv.FormatInt(i, 10))
			return
		}
		b.WriteString("f")
		b.WriteString(x.String())
	case time.Time:
		b.WriteString("t")
		b.WriteString(x.UTC().Format(time.RFC3339Nano))
	default:
		b.WriteString("x")
		b.WriteString(strconv.Quote(fmt.Sprintf("%v", x)))
	}
}
