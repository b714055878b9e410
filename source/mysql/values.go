package mysql

import (
	"strconv"
	"time"
)

// normalizeValue converts values from either client into the canonical Go
// types events carry: int64, uint64, float64, string, []byte or time.Time.
// The snapshot (text protocol) and the binlog disagree on representation,
// and a row must look the same whichever path produced it.
func normalizeValue(c column, v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case []byte:
		return normalizeText(c, x)
	case string:
		return normalizeText(c, []byte(x))
	case int8:
		return normalizeInt(c, int64(x), 8)
	case int16:
		return normalizeInt(c, int64(x), 16)
	case int32:
		if c.dataType == "mediumint" {
			return normalizeInt(c, int64(x), 24)
		}
		return normalizeInt(c, int64(x), 32)
	case int64:
		return normalizeInt(c, x, 64)
	case int:
		return normalizeInt(c, int64(x), 64)
	case uint8, uint16, uint32, uint64:
		return toUint64(x)
	case float32:
		return float64(x)
	case time.Time:
		return x.UTC()
	}
	return v
}

// normalizeInt undoes the sign the binlog puts on unsigned columns
func normalizeInt(c column, n int64, bits uint) any {
	if !c.unsigned {
		return n
	}
	if n < 0 && bits < 64 {
		return uint64(n + (1 << bits))
	}
	return uint64(n)
}

func normalizeText(c column, b []byte) any {
	s := string(b)
	switch c.dataType {
	case "tinyint", "smallint", "mediumint", "int", "integer", "bigint", "year":
		if c.unsigned {
			if u, err := strconv.ParseUint(s, 10, 64); err == nil {
				return u
			}
		} else if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
	case "float", "double", "real":
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	case "binary", "varbinary", "tinyblob", "blob", "mediumblob", "longblob", "bit":
		return append([]byte(nil), b...)
	}
	return s
}

func toUint64(v any) uint64 {
	switch x := v.(type) {
	case uint8:
		return uint64(x)
	case uint16:
		return uint64(x)
	case uint32:
		return uint64(x)
	case uint64:
		return x
	}
	return 0
}
