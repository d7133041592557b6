package channel

// AsyncIO tells the endpoint what a DataChannel needs before an incomplete
// read, write, flush or close can make progress
type AsyncIO int

const (
	// RetryNow means the operation can be retried immediately
	RetryNow AsyncIO = iota
	// WaitForChannelRead means the socket has to become readable first
	WaitForChannelRead
	// WaitForChannelWriteThenFlush means the socket has to become writable,
	// then pending channel data has to be flushed
	WaitForChannelWriteThenFlush
	// WaitForTasksExecution means delegated tasks (handshake or cipher work)
	// have to complete first. They are obtained with DataChannel.Tasks.
	WaitForTasksExecution
	// AppRead means the channel holds decoded application data that can be
	// read without waiting for the socket
	AppRead
)

func (a AsyncIO) String() string {
	switch a {
	case RetryNow:
		return "RETRY_NOW"
	case WaitForChannelRead:
		return "WAIT_FOR_CHNL_READ"
	case WaitForChannelWriteThenFlush:
		return "WAIT_FOR_CHNL_WRITE_THEN_FLUSH"
	case WaitForTasksExecution:
		return "WAIT_FOR_TASKS_EXECUTION"
	case AppRead:
		return "APP_READ"
	default:
		return "UNKNOWN"
	}
}

// IDataChannel is the byte-level capability an endpoint drives. It is either a
// plain socket or a wrapper (such as a TLS engine) around one. All methods
// are non-blocking and are called from the executor goroutine only.
type IDataChannel interface {
	// FD returns the file descriptor registered with the executor
	FD() int

	// Read performs a scattering read into dsts. A return of (0, nil) means
	// the read could not make progress, AsyncIOAction tells why. io.EOF is
	// returned once the remote side closed the stream.
	Read(dsts [][]byte) (int64, error)

	// Write performs a gathering write of srcs. A short write means the
	// write could not complete, AsyncIOAction tells why.
	Write(srcs [][]byte) (int64, error)

	// Flush pushes data buffered inside the channel to the socket. Returns
	// true once nothing is left.
	Flush() (bool, error)

	// CloseAsync advances a graceful close. Returns true once the channel is
	// closed, false if the close is incomplete (see AsyncIOAction).
	CloseAsync() (bool, error)

	// CloseForcefully closes the channel immediately
	CloseForcefully() error

	// AsyncIOAction returns the continuation for the last incomplete operation
	AsyncIOAction() AsyncIO

	// Tasks returns and clears the delegated tasks announced by
	// WaitForTasksExecution. The tasks may block and must not run on the
	// executor goroutine.
	Tasks() []func()
}
