package checkpoint

import "fmt"

// Open creates the store named by storeType ("pebble", "sqlite" or
// "memory"). path is ignored for the memory store.
func Open(storeType, path string, compress bool) (Store, error) {
	switch storeType {
	case "pebble":
		return NewPebbleStore(path, compress)
	case "sqlite":
		return NewSQLiteStore(path, compress)
	case "memory":
		return NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown checkpoint store %q", storeType)
}
