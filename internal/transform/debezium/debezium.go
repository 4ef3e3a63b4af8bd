// Package debezium implements the topic-per-table CDC dialect (Dialect A):
// one Kafka topic per source table, record values shaped as a Debezium
// envelope {"payload": {"op", "ts_ms", "before", "after"}}.
package debezium

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hashdata/bireme/internal/rowset"
	"github.com/hashdata/bireme/internal/transform"
)

// TableResolver maps the Debezium envelope's source identity — derived from
// the Kafka topic — to the target's canonical Table metadata and mapped
// name. sourceName is "<source-config-name>.<schema>.<table>" in the same
// shape as the key side of the user's table-mapping configuration.
type TableResolver interface {
	Resolve(sourceName string) (mappedTable string, table *rowset.Table, ok bool)
}

// Transformer decodes Debezium envelopes for one upstream source config.
type Transformer struct {
	// SourceName is the configured name of the upstream source (e.g. a
	// connector name), prefixed onto the topic's table suffix to build the
	// sourceName passed to Tables.Resolve.
	SourceName string
	Tables     TableResolver
}

var _ transform.Transformer = (*Transformer)(nil)

type envelope struct {
	Payload *payload `json:"payload"`
}

type payload struct {
	Op     string          `json:"op"`
	TsMs   int64           `json:"ts_ms"`
	Before json.RawMessage `json:"before"`
	After  json.RawMessage `json:"after"`
}

// Transform implements transform.Transformer.
func (t *Transformer) Transform(_ context.Context, topic string, raw []byte, row *rowset.Row) (bool, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return false, &transform.Error{Topic: topic, Cause: err}
	}
	if env.Payload == nil {
		return false, nil // benign skip: tombstone or empty payload
	}
	p := env.Payload

	var rowType rowset.RowType
	var body json.RawMessage
	switch p.Op {
	case "r", "c":
		rowType = rowset.Insert
		body = p.After
	case "u":
		rowType = rowset.Update
		body = p.After
	case "d":
		rowType = rowset.Delete
		body = p.Before
	default:
		return false, &transform.Error{Topic: topic, Cause: fmt.Errorf("unrecognized op %q", p.Op)}
	}
	if len(body) == 0 || string(body) == "null" {
		return false, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return false, &transform.Error{Topic: topic, Cause: err}
	}

	sourceName := t.SourceName + tableSuffix(topic)
	mappedTable, table, ok := t.Tables.Resolve(sourceName)
	if !ok {
		return false, &transform.Error{Topic: topic, Cause: fmt.Errorf("no mapping for %q", sourceName)}
	}

	row.Type = rowType
	row.ProduceTimeMillis = p.TsMs
	row.OriginTable = topic
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

	if rowType == rowset.Update && len(p.Before) > 0 && string(p.Before) != "null" {
		var before map[string]json.RawMessage
		if err := json.Unmarshal(p.Before, &before); err != nil {
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

// tableSuffix returns everything in the topic name after the first '.',
// matching Debezium's "<connector>.<schema>.<table>" convention.
func tableSuffix(topic string) string {
	if i := strings.Index(topic, "."); i >= 0 {
		return topic[i:]
	}
	return "." + topic
}
