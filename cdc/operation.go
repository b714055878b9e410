package cdc

import "fmt"

// Operation is the kind of row mutation a ChangeEvent carries.
type Operation uint8

const (
	// OpSync is a row observed while scanning existing table contents.
	OpSync Operation = iota
	OpInsert
	OpUpdate
	OpDelete
)

func (o Operation) String() string {
	switch o {
	case OpSync:
		return "SYNC"
	case OpInsert:
		return "INSERT"
	case OpUpdate:
		return "UPDATE"
	case OpDelete:
		return "DELETE"
	default:
		return fmt.Sprintf("Operation(%d)", uint8(o))
	}
}

// Effective returns the operation a fold should treat the event as.
// SYNC rows fold exactly like inserts.
func (o Operation) Effective() Operation {
	if o == OpSync {
		return OpInsert
	}
	return o
}

// ParseOperation parses the textual form produced by String.
func ParseOperation(s string) (Operation, error) {
	switch s {
	case "SYNC":
		return OpSync, nil
	case "INSERT":
		return OpInsert, nil
	case "UPDATE":
		return OpUpdate, nil
	case "DELETE":
		return OpDelete, nil
	}
	return 0, fmt.Errorf("unknown operation %q", s)
}
