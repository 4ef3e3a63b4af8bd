// Package transform decodes one upstream CDC record into a canonical
// rowset.Row. Two dialects are supported — github.com/hashdata/bireme/internal/transform/debezium
// for the topic-per-table convention and
// github.com/hashdata/bireme/internal/transform/envelope for the
// partitioned single-topic convention — both built on the shared field
// decoders in this package.
package transform

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hashdata/bireme/internal/rowset"
)

// Transformer decodes one upstream record — identified by its topic and
// opaque byte payload — into row. It returns false for a benign skip (a
// tombstone or an empty/absent payload), which is not an error: the row
// contributes nothing to the LoadTask but its sibling callback still fires.
type Transformer interface {
	Transform(ctx context.Context, topic string, payload []byte, row *rowset.Row) (ok bool, err error)
}

// Error reports a malformed upstream record. It is always non-fatal to the
// pipeline: the record is skipped and logged, and its sibling callback
// still fires.
type Error struct {
	Topic string
	Field string
	Cause error
}

func (e *Error) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("transform: topic %s: %v", e.Topic, e.Cause)
	}
	return fmt.Sprintf("transform: topic %s: field %q: %v", e.Topic, e.Field, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// EncodeColumns renders the named columns of fields (a decoded JSON object
// keyed by column name) into one COPY-format tuple, in table's column
// order, looking up each column's wire type/scale/precision from table so
// numeric, bit, and temporal values decode correctly. Both dialects share
// this: Debezium's after/before images and the partitioned envelope's
// after/before images are both "JSON object keyed by column name" once
// unmarshalled, and both resolve types the same way.
func EncodeColumns(fields map[string]json.RawMessage, table *rowset.Table, names []string) (string, error) {
	encoded := make([]string, len(names))
	for i, name := range names {
		raw, present := fields[name]
		isNull := !present || string(raw) == "null"

		oid, scale, precision, _ := table.ColumnMeta(name)

		var text string
		if !isNull {
			var err error
			text, err = decodeField(raw, KindForOID(oid), scale, precision)
			if err != nil {
				return "", fmt.Errorf("field %q: %w", name, err)
			}
		}
		encoded[i] = rowset.EncodeField(text, isNull)
	}
	return rowset.EncodeRow(encoded), nil
}

func decodeField(raw json.RawMessage, kind ColumnKind, scale, precision int) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		// Not a JSON string (e.g. a bare number or bool) — use its literal
		// textual form unchanged.
		return strings.Trim(string(raw), `"`), nil
	}

	switch kind {
	case KindNumeric:
		return DecodeNumeric(s, scale)
	case KindBit:
		return DecodeBit(s, precision)
	case KindBinary:
		return DecodeBinary(s)
	case KindDate, KindTime, KindTimestamp:
		return DecodeTemporal(s, kind)
	default:
		return s, nil
	}
}
