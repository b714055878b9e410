package sink

import "errors"

// ErrClosed is returned by Put on a closed sink
var ErrClosed = errors.New("sink closed")
