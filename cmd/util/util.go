package util

import (
	"strings"
	"time"

	"github.com/ValentinKolb/dNIO/lib/nio/executor"
	"github.com/ValentinKolb/dNIO/rpc/common"
	"github.com/joho/godotenv"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50

	// EnvPrefix is the prefix of all environment variables (DNIO_<flag>)
	EnvPrefix = "dnio"
)

var Logger = logger.GetLogger("cmd")

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		// Add space before word (if not first word on line)
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// InitConfig loads the .env files and binds the environment variables
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// --------------------------------------------------------------------------
// Shared flags
// --------------------------------------------------------------------------

// SetupSocketFlags adds the socket, connection and executor flags used by
// both the server and the client
func SetupSocketFlags(cmd *cobra.Command, executors int) {
	conn := common.DefaultConnectionConf()
	exec := executor.DefaultConfig()

	key := "write-buffer"
	cmd.PersistentFlags().Int(key, 0, WrapString("The kernel send buffer size in KB (0 keeps the OS default)"))

	key = "read-buffer"
	cmd.PersistentFlags().Int(key, 0, WrapString("The kernel receive buffer size in KB (0 keeps the OS default)"))

	key = "tcp-nodelay"
	cmd.PersistentFlags().Bool(key, true, WrapString("Whether to enable TCP_NODELAY"))

	key = "tcp-keepalive"
	cmd.PersistentFlags().Int(key, 0, WrapString("The keepalive interval in seconds (0 disables keepalive probes)"))

	key = "tcp-linger"
	cmd.PersistentFlags().Int(key, -1, WrapString("The linger time in seconds (negative keeps the OS default)"))

	key = "magic"
	cmd.PersistentFlags().String(key, conn.Magic, WrapString("The preamble every connection starts with. Connections with another preamble are closed by the server"))

	key = "max-frame-size"
	cmd.PersistentFlags().Int(key, conn.MaxFrameSize>>10, WrapString("The largest accepted frame payload in KB"))

	key = "slice-size"
	cmd.PersistentFlags().Int(key, conn.SliceSize>>10, WrapString("The size of the pooled buffer slices in KB"))

	key = "pool-slices"
	cmd.PersistentFlags().Int(key, conn.PoolSlices, WrapString("The number of pooled buffer slices, the pool allocates from the heap once they are used up"))

	key = "close-timeout"
	cmd.PersistentFlags().Duration(key, conn.CloseTimeout, WrapString("How long a graceful close may take before the connection is closed forcefully (0 waits for the peer)"))

	key = "executors"
	cmd.PersistentFlags().Int(key, executors, WrapString("The number of executors (event loop goroutines)"))

	key = "io-ratio"
	cmd.PersistentFlags().Int(key, exec.IORatio, WrapString("The share (1..100) of loop time spent on I/O, the rest runs tasks"))

	key = "quiescent-window"
	cmd.PersistentFlags().Duration(key, exec.QuiescentWindow, WrapString("How long an executor has to be idle before it stops itself (0 disables quiescence)"))

	key = "heartbeat"
	cmd.PersistentFlags().Duration(key, exec.HeartbeatInterval, WrapString("How often executor liveness is checked (0 disables the heartbeat)"))
}

// socketConfig reads the flags of SetupSocketFlags from viper
func socketConfig() (common.SocketConf, common.TCPConf, common.ConnectionConf, executor.Config) {
	socket := common.SocketConf{
		WriteBufferSize: viper.GetInt("write-buffer") * 1024,
		ReadBufferSize:  viper.GetInt("read-buffer") * 1024,
	}
	tcp := common.TCPConf{
		TCPNoDelay:      viper.GetBool("tcp-nodelay"),
		TCPKeepAliveSec: viper.GetInt("tcp-keepalive"),
		TCPLingerSec:    viper.GetInt("tcp-linger"),
	}

	conn := common.DefaultConnectionConf()
	conn.Magic = viper.GetString("magic")
	conn.MaxFrameSize = viper.GetInt("max-frame-size") * 1024
	conn.SliceSize = viper.GetInt("slice-size") * 1024
	conn.PoolSlices = viper.GetInt("pool-slices")
	conn.CloseTimeout = viper.GetDuration("close-timeout")

	exec := executor.DefaultConfig()
	exec.Executors = viper.GetInt("executors")
	exec.IORatio = viper.GetInt("io-ratio")
	exec.QuiescentWindow = viper.GetDuration("quiescent-window")
	exec.HeartbeatInterval = viper.GetDuration("heartbeat")

	return socket, tcp, conn, exec
}

// --------------------------------------------------------------------------
// Server flags
// --------------------------------------------------------------------------

// SetupServerFlags adds the server flags to a command
func SetupServerFlags(cmd *cobra.Command) {
	def := common.DefaultServerConfig()

	key := "endpoint"
	cmd.PersistentFlags().String(key, def.Endpoint, WrapString("The address on which the server will listen. The port may be a range (e.g. 0.0.0.0:7000-7010), the first free port is used"))

	key = "backlog"
	cmd.PersistentFlags().Int(key, def.Backlog, WrapString("The length of the accept queue"))

	key = "accept-batch"
	cmd.PersistentFlags().Int(key, def.AcceptBatch, WrapString("The maximum number of connections accepted per readiness event"))

	key = "backlog-clear-interval"
	cmd.PersistentFlags().Duration(key, def.BacklogClearInterval, WrapString("How often queued connections are dropped while the server does not accept"))

	key = "workers-per-conn"
	cmd.PersistentFlags().Int(key, def.MaxWorkersPerConn, WrapString("The maximum number of requests handled concurrently per connection"))

	key = "timeout"
	cmd.PersistentFlags().Int64(key, def.TimeoutSecond, WrapString("Timeout of the graceful shutdown in seconds"))

	key = "log-level"
	cmd.PersistentFlags().String(key, def.LogLevel, WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))

	SetupSocketFlags(cmd, def.Executor.Executors)
}

// GetServerConfig reads the server configuration from viper
func GetServerConfig() common.ServerConfig {
	conf := common.DefaultServerConfig()
	conf.Endpoint = viper.GetString("endpoint")
	conf.Backlog = viper.GetInt("backlog")
	conf.AcceptBatch = viper.GetInt("accept-batch")
	conf.BacklogClearInterval = viper.GetDuration("backlog-clear-interval")
	conf.MaxWorkersPerConn = viper.GetInt("workers-per-conn")
	conf.TimeoutSecond = viper.GetInt64("timeout")
	conf.LogLevel = viper.GetString("log-level")
	conf.Socket, conf.TCP, conf.Connection, conf.Executor = socketConfig()
	return conf
}

// --------------------------------------------------------------------------
// Client flags
// --------------------------------------------------------------------------

// SetupRPCClientFlags adds common RPC connection flags to a command
func SetupRPCClientFlags(cmd *cobra.Command) {
	def := common.DefaultClientConfig()

	key := "timeout"
	cmd.PersistentFlags().Int(key, def.TimeoutSecond, WrapString("The timeout in seconds of the client"))

	key = "endpoints"
	cmd.PersistentFlags().String(key, strings.Join(def.Endpoints, ","), WrapString("The address of the dNIO server. Multiple endpoints can be specified as a comma-separated list"))

	key = "conn-per-endpoint"
	cmd.PersistentFlags().Int(key, def.ConnectionsPerEndpoint, WrapString("Simultaneous connections per endpoint"))

	key = "retries"
	cmd.PersistentFlags().Int(key, def.RetryCount, WrapString("How many times to retry the request"))

	key = "log-level"
	cmd.PersistentFlags().String(key, "warn", WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))

	SetupSocketFlags(cmd, def.Executor.Executors)
}

// GetClientConfig reads client configuration from viper
func GetClientConfig() common.ClientConfig {
	conf := common.DefaultClientConfig()
	conf.TimeoutSecond = viper.GetInt("timeout")
	conf.RetryCount = viper.GetInt("retries")
	conf.Endpoints = strings.Split(viper.GetString("endpoints"), ",")
	conf.ConnectionsPerEndpoint = viper.GetInt("conn-per-endpoint")
	conf.Socket, conf.TCP, conf.Connection, conf.Executor = socketConfig()
	return conf
}

// ShutdownTimeout returns the configured timeout as duration
func ShutdownTimeout() time.Duration {
	return time.Duration(viper.GetInt64("timeout")) * time.Second
}
