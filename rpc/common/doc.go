// Package common provides the configuration structures, the logger factory
// and the errors shared by the rpc packages of dNIO.
//
// Key Components:
//
//   - ServerConfig: Configuration of the server transport, including the listen
//     address, accept parameters, socket options, connection limits and the
//     executor pool settings.
//
//   - ClientConfig: Configuration for client components, controlling endpoints,
//     connection count, timeouts and retry behavior.
//
//   - ConnectionConf: Parameters of a single connection (magic, frame limit,
//     buffer pool sizing, close and cleanup retries), used by both sides.
//
//   - Logger: Custom logging implementation that integrates with Dragonboat's
//     logger package and formats the output of all dNIO loggers alike.
package common
