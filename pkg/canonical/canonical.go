// Package canonical provides an order-independent, injective string encoding
// of a record's fields. It feeds the audit integrity hasher: two field maps
// produce the same encoding if and only if they contain the same keys and
// values, regardless of insertion order. Keeping the encoding in a dedicated
// package ensures the write path and every later verification recompute the
// digest over byte-identical input.
package canonical

import (
	"sort"
	"strings"
)

// escaper rewrites the three structural characters so that no key or value can
// forge a separator. Percent must be escaped first conceptually; Replacer
// applies all rules in a single pass so "%7C" in the input stays distinct from
// an escaped "|".
var escaper = strings.NewReplacer(
	"%", "%25",
	"|", "%7C",
	"=", "%3D",
)

// Encode serializes fields as sorted, escaped "key=value" pairs joined by "|".
// Empty values are kept: an empty field and an absent field encode differently,
// so adding or clearing a field always changes the digest.
func Encode(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(escaper.Replace(k))
		b.WriteByte('=')
		b.WriteString(escaper.Replace(fields[k]))
	}
	return b.String()
}
