package load

import (
	"fmt"
	"io"
	"strings"
)

// copySQL builds a COPY-from-STDIN statement using the target's bulk-load
// text format: delimiter '|', NULL as an empty field, CSV quoting with
// '"', and '\' as the escape character.
func copySQL(table string, columns []string) string {
	return fmt.Sprintf(
		"COPY %s (%s) FROM STDIN WITH DELIMITER '|' NULL '' CSV QUOTE '\"' ESCAPE E'\\\\';",
		table, strings.Join(columns, ","),
	)
}

// deleteExistsSQL builds the DELETE ... WHERE EXISTS anti-join against the
// key-populated temp table, ANDing every key column.
func deleteExistsSQL(table, tempTable string, keyNames []string) string {
	conds := make([]string, len(keyNames))
	for i, k := range keyNames {
		conds[i] = fmt.Sprintf("%s.%s = %s.%s", table, k, tempTable, k)
	}
	return fmt.Sprintf(
		"DELETE FROM %s WHERE EXISTS (SELECT 1 FROM %s WHERE %s);",
		table, tempTable, strings.Join(conds, " AND "),
	)
}

// linesFromSet streams one line per key in keys, already in the target's
// bulk-load encoding, honoring stopping between writes since this is the
// backpressure point from the target back to the upstream consumer.
func linesFromSet(stopping <-chan struct{}, keys map[string]struct{}) func(io.Writer) error {
	return func(w io.Writer) error {
		for k := range keys {
			select {
			case <-stopping:
				return nil
			default:
			}
			if _, err := io.WriteString(w, k+"\n"); err != nil {
				return err
			}
		}
		return nil
	}
}

// linesFromValues streams one line per value in insert, in the target's
// bulk-load encoding.
func linesFromValues(stopping <-chan struct{}, insert map[string]string) func(io.Writer) error {
	return func(w io.Writer) error {
		for _, v := range insert {
			select {
			case <-stopping:
				return nil
			default:
			}
			if _, err := io.WriteString(w, v+"\n"); err != nil {
				return err
			}
		}
		return nil
	}
}
