// Package cmd implements the command-line interface of dNIO.
//
// The package is organized into several subpackages:
//
//   - serve: Starts an echo server on the nio transport
//   - ping: Sends frames to a server and prints a latency summary
//   - util: Shared flags and configuration handling (internal use)
//
// Flags can also be set as environment variables (DNIO_<flag>, with dashes
// replaced by underscores) or in a .env file.
//
// See dnio -help for a list of all commands.
package cmd
