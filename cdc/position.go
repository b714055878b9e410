package cdc

import (
	"fmt"
	"strconv"
	"strings"
)

// Position is a totally ordered token locating an event in the upstream log.
//
// Streaming events carry the log coordinates (File, Offset) of the change.
// Snapshot rows carry the cut-over coordinates of the scan plus the row
// ordinal, with Snapshot set; at equal coordinates snapshot rows sort before
// streamed changes.
type Position struct {
	File     string `msgpack:"f"`
	Offset   uint64 `msgpack:"o"`
	Snapshot bool   `msgpack:"s"`
	Row      uint64 `msgpack:"r"`
}

// IsZero reports whether p is the zero position (nothing read yet).
func (p Position) IsZero() bool {
	return p.File == "" && p.Offset == 0 && !p.Snapshot && p.Row == 0
}

// Compare returns -1, 0 or 1 when p sorts before, equal to or after q.
func (p Position) Compare(q Position) int {
	if c := compareLogFiles(p.File, q.File); c != 0 {
		return c
	}
	if p.Offset != q.Offset {
		if p.Offset < q.Offset {
			return -1
		}
		return 1
	}
	if p.Snapshot != q.Snapshot {
		if p.Snapshot {
			return -1
		}
		return 1
	}
	switch {
	case p.Row < q.Row:
		return -1
	case p.Row > q.Row:
		return 1
	}
	return 0
}

// Less reports whether p sorts strictly before q.
func (p Position) Less(q Position) bool {
	return p.Compare(q) < 0
}

// String renders p as "file:offset", "file:offset#rROW" for a row inside a
// streamed transaction or "file:offset#sROW" for snapshot rows.
// ParsePosition reverses it.
func (p Position) String() string {
	switch {
	case p.Snapshot:
		return fmt.Sprintf("%s:%d#s%d", p.File, p.Offset, p.Row)
	case p.Row > 0:
		return fmt.Sprintf("%s:%d#r%d", p.File, p.Offset, p.Row)
	}
	return fmt.Sprintf("%s:%d", p.File, p.Offset)
}

// ParsePosition parses the text form produced by Position.String.
func ParsePosition(s string) (Position, error) {
	var p Position

	body := s
	if idx := strings.LastIndex(s, "#"); idx >= 0 && idx+1 < len(s) && (s[idx+1] == 's' || s[idx+1] == 'r') {
		row, err := strconv.ParseUint(s[idx+2:], 10, 64)
		if err != nil {
			return Position{}, fmt.Errorf("invalid row in position %q: %w", s, err)
		}
		p.Snapshot = s[idx+1] == 's'
		p.Row = row
		body = s[:idx]
	}

	idx := strings.LastIndex(body, ":")
	if idx < 0 {
		return Position{}, fmt.Errorf("invalid position %q: missing offset", s)
	}
	offset, err := strconv.ParseUint(body[idx+1:], 10, 64)
	if err != nil {
		return Position{}, fmt.Errorf("invalid offset in position %q: %w", s, err)
	}
	p.File = body[:idx]
	p.Offset = offset
	return p, nil
}

// compareLogFiles orders binlog style names ("mysql-bin.000012") by base name
// and then numerically by extension, so rotation past 999999 stays ordered.
func compareLogFiles(a, b string) int {
	if a == b {
		return 0
	}
	aBase, aSeq, aOK := splitLogFile(a)
	bBase, bSeq, bOK := splitLogFile(b)
	if aOK && bOK && aBase == bBase {
		switch {
		case aSeq < bSeq:
			return -1
		case aSeq > bSeq:
			return 1
		}
		return 0
	}
	return strings.Compare(a, b)
}

func splitLogFile(name string) (string, uint64, bool) {
	idx := strings.LastIndex(name, ".")
	if idx < 0 || idx == len(name)-1 {
		return name, 0, false
	}
	seq, err := strconv.ParseUint(name[idx+1:], 10, 64)
	if err != nil {
		return name, 0, false
	}
	return name[:idx], seq, true
}
