package transform

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/apd"
	"github.com/jackc/pgx/v5/pgtype"
)

// ColumnKind classifies a target column for the purposes of upstream value
// decoding. Kinds with no special handling fall through as KindOther and
// the payload's textual value is used verbatim.
type ColumnKind int

const (
	KindOther ColumnKind = iota
	KindNumeric
	KindDate
	KindTime
	KindTimestamp
	KindBit
	KindBinary
)

// KindForOID classifies a target column OID, as discovered by
// internal/catalog, into the decoding strategy the transformer should use.
func KindForOID(oid uint32) ColumnKind {
	switch oid {
	case pgtype.NumericOID:
		return KindNumeric
	case pgtype.DateOID:
		return KindDate
	case pgtype.TimeOID:
		return KindTime
	case pgtype.TimestampOID, pgtype.TimestamptzOID:
		return KindTimestamp
	case pgtype.BitOID, pgtype.VarbitOID:
		return KindBit
	case pgtype.ByteaOID:
		return KindBinary
	default:
		return KindOther
	}
}

var epoch1970 = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)

// DecodeNumeric converts a base64-encoded big-endian two's-complement
// integer, scaled by precision decimal digits, into its fixed-point text
// representation — the encoding Debezium uses for decimal/numeric columns.
// The coefficient/exponent pair is handed to apd, the arbitrary-precision
// decimal library the target-apply boundary already depends on for exact
// DECIMAL text rendering, rather than slicing digits by hand.
func DecodeNumeric(b64 string, scale int) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("decode numeric: %w", err)
	}
	unscaled := new(big.Int).SetBytes(raw)
	if len(raw) > 0 && raw[0]&0x80 != 0 {
		// Two's complement negative value: subtract 2^(8*len).
		bias := new(big.Int).Lsh(big.NewInt(1), uint(8*len(raw)))
		unscaled.Sub(unscaled, bias)
	}
	return apd.NewWithBigInt(unscaled, -int32(scale)).Text('f'), nil
}

// DecodeBit converts a base64-encoded little-endian bit string into its
// textual bit representation, right-trimmed to the declared precision, as
// Debezium encodes BIT/VARBIT columns.
func DecodeBit(b64 string, precision int) (string, error) {
	switch b64 {
	case "true":
		return "1", nil
	case "false":
		return "0", nil
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("decode bit: %w", err)
	}
	var b strings.Builder
	for i := len(raw) - 1; i >= 0; i-- {
		b.WriteString(fmt.Sprintf("%08b", raw[i]))
	}
	bits := b.String()
	if precision <= 0 || precision > len(bits) {
		return bits, nil
	}
	return bits[len(bits)-precision:], nil
}

// DecodeBinary converts a base64-encoded byte string into the target's
// bulk-load-safe text escape form for binary data: Postgres bytea hex
// format ("\x<hex>"). The leading backslash is the escape character, so
// rowset.EncodeField quotes the field and escapes that backslash.
func DecodeBinary(b64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("decode binary: %w", err)
	}
	return `\x` + hex.EncodeToString(raw), nil
}

// DecodeTemporal converts Debezium's epoch-based encoding for a
// TIME/TIMESTAMP/DATE column into the target's textual form. If data
// already carries a zone marker ('Z'), it is assumed to be in the target's
// native format already and is returned unchanged.
func DecodeTemporal(data string, kind ColumnKind) (string, error) {
	if strings.Contains(data, "Z") {
		return data, nil
	}

	switch kind {
	case KindTime, KindTimestamp:
		// Debezium emits milliseconds since the epoch (or since midnight,
		// for TIME).
		millis, err := strconv.ParseInt(data, 10, 64)
		if err != nil {
			return "", fmt.Errorf("decode temporal: %w", err)
		}
		sec := millis / 1000
		fracMillis := millis % 1000
		if fracMillis < 0 {
			fracMillis += 1000
			sec--
		}
		t := time.Unix(sec, 0).UTC()
		layout := "2006-01-02 15:04:05"
		if kind == KindTime {
			layout = "15:04:05"
		}
		return fmt.Sprintf("%s.%03d", t.Format(layout), fracMillis), nil

	case KindDate:
		days, err := strconv.ParseInt(data, 10, 64)
		if err != nil {
			return "", fmt.Errorf("decode temporal: %w", err)
		}
		t := epoch1970.AddDate(0, 0, int(days))
		return t.Format("2006-01-02"), nil

	default:
		return data, nil
	}
}
