// Package envelope implements the partitioned single-topic CDC dialect
// (Dialect B): every record carries its own source-table identity in the
// record envelope rather than relying on the topic name, since many
// source tables share one topic and are split across partitions instead.
package envelope

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hashdata/bireme/internal/rowset"
	"github.com/hashdata/bireme/internal/transform"
)

// TableResolver maps the envelope's Source identity to the target's
// canonical Table metadata and mapped name.
type TableResolver interface {
	Resolve(sourceName string) (mappedTable string, table *rowset.Table, ok bool)
}

// Transformer decodes partitioned-topic envelopes.
type Transformer struct {
	Tables TableResolver
}

var _ transform.Transformer = (*Transformer)(nil)

type record struct {
	Source string          `json:"source"`
	Op     string          `json:"op"`
	TsMs   int64           `json:"ts_ms"`
	Before json.RawMessage `json:"before"`
	After  json.RawMessage `json:"after"`
}

// Transform implements transform.Transformer.
func (t *Transformer) Transform(_ context.Context, topic string, raw []byte, row *rowset.Row) (bool, error) {
	if len(raw) == 0 {
		return false, nil
	}

	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return false, &transform.Error{Topic: topic, Cause: err}
	}
	if rec.Source == "" {
		return false, nil // benign skip, e.g. a resolved-timestamp marker record
	}

	var rowType rowset.RowType
	var body json.RawMessage
	switch rec.Op {
	case "r", "c":
		rowType = rowset.Insert
		body = rec.After
	case "u":
		rowType = rowset.Update
		body = rec.After
	case "d":
		rowType = rowset.Delete
		body = rec.Before
	default:
		return false, &transform.Error{Topic: topic, Cause: fmt.Errorf("unrecognized op %q", rec.Op)}
	}
	if len(body) == 0 || string(body) == "null" {
		return false, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return false, &transform.Error{Topic: topic, Cause: err}
	}

	mappedTable, table, ok := t.Tables.Resolve(rec.Source)
	if !ok {
		return false, &transform.Error{Topic: topic, Cause: fmt.Errorf("no mapping for %q", rec.Source)}
	}

	row.Type = rowType
	row.ProduceTimeMillis = rec.TsMs
	row.OriginTable = rec.Source
	row.MappedTable = mappedTable

	keys, err := transform.EncodeColumns(fields, table, table.KeyNames)
	if err != nil {
		return false, &transform.Error{Topic: topic, Cause: err}
	}
	row.Keys = keys

	if rowType != rowset.Delete {
		tuple, err := transform.EncodeColumns(fields, table, table.ColumnName)
		if err != nil {
			return false, &transform.Error{Topic: topic, Cause: err}
		}
		row.Tuple = tuple
	}

	if rowType == rowset.Update && len(rec.Before) > 0 && string(rec.Before) != "null" {
		var before map[string]json.RawMessage
		if err := json.Unmarshal(rec.Before, &before); err != nil {
			return false, &transform.Error{Topic: topic, Cause: err}
		}
		oldKeys, err := transform.EncodeColumns(before, table, table.KeyNames)
		if err != nil {
			return false, &transform.Error{Topic: topic, Cause: err}
		}
		if oldKeys != row.Keys {
			row.OldKeys = oldKeys
		}
	}

	return true, nil
}
