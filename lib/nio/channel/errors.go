package channel

import (
	"errors"
	"fmt"
	"github.com/ValentinKolb/dNIO/lib/nio/buffer"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("nio/channel")

var (
	// ErrClosed is returned when channel-side operations are attempted on a
	// closed Input, Output or DataChannel
	ErrClosed = errors.New("channel closed")
)

// invariant panics with a buffer.InvariantError. Protocol code that reads
// without checking ReadableBytes, or flips modes out of order, ends up here.
func invariant(op, format string, args ...interface{}) {
	panic(&buffer.InvariantError{Op: op, Msg: fmt.Sprintf(format, args...)})
}
