// Package executor implements the event loops that drive all socket I/O of
// dNIO. Every executor is one goroutine, locked to its OS thread, that waits
// on an OS readiness multiplexer (epoll on Linux) and runs submitted tasks in
// between.
//
// Core Functionality:
//   - Registration of non-blocking descriptors with accept, connect, read and
//     write callbacks
//   - Immediate, delayed and periodic tasks, all executed on the loop
//   - Graceful and forced shutdown, and self termination after a quiescent
//     window without any activity
//   - A pool handing out executors round-robin and replacing stopped ones
//   - A bounded backup scheduler for blocking work
//
// Implementation Approach:
//
//	Submissions from other goroutines are pushed to lock-free queues first.
//	Afterwards the submitter increments an event counter that shares one
//	atomic word with the run state, and the increment only succeeds if the
//	state still allows the submission. A failed increment rejects the
//	submission unless the loop already took it from the queue.
//
//	The quiescence check samples the counter, verifies that nothing is
//	registered or queued and only stops the executor if the counter did not
//	move for the whole window. The final transition is a compare-and-swap
//	on the same word, so a submission is never accepted by an executor that
//	is about to stop without being run.
//
//	Errors returned by callbacks cancel the handler. Remote closes, socket
//	errors and rejections by stopping executors are expected. Everything
//	else, including panics and listener failures, goes to the FaultHandler
//	and stops the executor.
//
// Thread Safety:
//
//	Executor, Pool, Backup, Task and PerfTracker are safe for concurrent use.
//	Handlers are only ever called on the executor goroutine they are
//	registered with.
package executor
