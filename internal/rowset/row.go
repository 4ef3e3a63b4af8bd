// Package rowset holds the canonical in-memory representation of one
// change event (Row) and of a merged per-table batch (LoadTask), along with
// the target's bulk-load text encoding and the commit-callback bookkeeping
// that ties a LoadTask back to an upstream offset.
package rowset

import (
	"strings"
)

// RowType identifies the kind of change a Row represents.
type RowType int

const (
	// Insert marks a newly created row.
	Insert RowType = iota
	// Update marks a modified row. If the primary key changed, Row.OldKeys
	// carries the pre-image key encoding.
	Update
	// Delete marks a removed row. Row.Tuple is always empty for a Delete.
	Delete
)

// String implements fmt.Stringer for logging.
func (t RowType) String() string {
	switch t {
	case Insert:
		return "INSERT"
	case Update:
		return "UPDATE"
	case Delete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// Row is one change event in canonical form, as produced by a Transformer.
type Row struct {
	Type RowType

	// ProduceTimeMillis is the upstream event timestamp, monotonic per
	// source (e.g. Debezium's ts_ms).
	ProduceTimeMillis int64

	// OriginTable is the upstream identifier (e.g. the Kafka topic or the
	// source-side fully-qualified table name).
	OriginTable string

	// MappedTable is the fully-qualified target identifier resolved via
	// the user-supplied table mapping.
	MappedTable string

	// Keys is the target bulk-load text encoding of the primary-key
	// tuple. Never empty.
	Keys string

	// OldKeys holds the pre-image key encoding when Type is Update and the
	// primary key changed as part of the update. Empty otherwise.
	OldKeys string

	// Tuple is the target bulk-load text encoding of the full row. Present
	// iff Type != Delete.
	Tuple string

	// Callback acknowledges, once fired, that the upstream batch this Row
	// belongs to has one fewer outstanding table to commit.
	Callback *CommitCallback
}

// KeyChanged reports whether this is an Update whose primary key differs
// from its pre-image, which the merger must split into a delete of the old
// key followed by an insert of the new one.
func (r *Row) KeyChanged() bool {
	return r.Type == Update && r.OldKeys != "" && r.OldKeys != r.Keys
}

const (
	fieldDelimiter = '|'
	quoteChar      = '"'
	escapeChar     = '\\'
)

// EncodeField renders one column value in the target's bulk-load text
// format: delimiter '|', NULL as an empty (unquoted) field, CSV-style
// quoting with '"', and '\' as the escape character for embedded quotes,
// embedded escapes, delimiters and newlines.
func EncodeField(value string, isNull bool) string {
	if isNull {
		return ""
	}
	if !needsQuoting(value) {
		return value
	}

	var b strings.Builder
	b.Grow(len(value) + 2)
	b.WriteByte(quoteChar)
	for _, r := range value {
		switch r {
		case quoteChar, escapeChar:
			b.WriteByte(escapeChar)
		}
		b.WriteRune(r)
	}
	b.WriteByte(quoteChar)
	return b.String()
}

func needsQuoting(value string) bool {
	if value == "" {
		// An empty string must be distinguished from NULL, which is also
		// rendered as an empty field; quote it so the two never collide.
		return true
	}
	return strings.ContainsAny(value, string([]byte{fieldDelimiter, quoteChar, escapeChar, '\n', '\r'}))
}

// EncodeRow joins already-encoded field values with the target's field
// delimiter, producing one complete line suitable for a COPY-from-STDIN
// stream (without the trailing newline).
func EncodeRow(fields []string) string {
	return strings.Join(fields, string(fieldDelimiter))
}
