// Package buffer provides the pooled byte storage used by the non-blocking
// transport.
//
// Key Components:
//
//   - SlicePool: A fixed arena of equally sized buffers with a lock-free free
//     list. Any goroutine may acquire or release. When allowed, the pool falls
//     back to heap storage once the arena is exhausted.
//
//   - BufferSlice: A cursor-bearing view over pooled storage. Fork hands out a
//     second view on the same bytes without copying; the storage returns to the
//     pool once every view was freed with MarkFree.
//
//   - SliceList: An intrusive FIFO of slices. A slice is linked into at most
//     one list at a time.
//
//   - Packed longs: A variable length encoding of int64 values (1 to 9 bytes)
//     used for frame headers.
//
// Accounting violations (double free, use after free, over-long fork) are
// programming errors and panic with *InvariantError.
package buffer
