package serve

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	cmdUtil "github.com/ValentinKolb/dNIO/cmd/util"
	"github.com/ValentinKolb/dNIO/rpc/common"
	"github.com/ValentinKolb/dNIO/rpc/transport/nio"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sys/unix"
)

var (
	serveCmdConfig = common.DefaultServerConfig()
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start the dNIO echo server",
		Long:    `Start the dNIO echo server with the specified configuration. Every frame is answered with its own payload. The configuration can be set via command line flags or environment variables. The format of the environment variables is DNIO_<flag> (e.g. DNIO_TIMEOUT=15)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(cmdUtil.InitConfig)

	// add flags
	cmdUtil.SetupServerFlags(ServeCmd)

	key := "handoff-reply"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Text sent to connections with an unknown preamble before they are closed (empty closes them right away)"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	serveCmdConfig = cmdUtil.GetServerConfig()
	if serveCmdConfig.Connection.MaxFrameSize <= 0 {
		return fmt.Errorf("max-frame-size must be positive")
	}
	if serveCmdConfig.Connection.SliceSize <= 0 {
		return fmt.Errorf("slice-size must be positive")
	}
	return common.InitLoggers(serveCmdConfig.LogLevel)
}

// run starts the server and blocks until SIGINT or SIGTERM
func run(_ *cobra.Command, _ []string) error {
	fmt.Println(serveCmdConfig.String())

	var prepared nio.SocketPreparedFunc
	if reply := viper.GetString("handoff-reply"); reply != "" {
		prepared = func(fd int, peeked []byte) {
			cmdUtil.Logger.Debugf("unknown preamble %q on fd %d", peeked, fd)
			_, _ = unix.Write(fd, []byte(reply))
			_ = unix.Close(fd)
		}
	}

	t := nio.NewNIOServerTransport(prepared)
	t.RegisterHandler(func(_ uint64, req []byte) []byte { return req })

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- t.Listen(serveCmdConfig) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	cmdUtil.Logger.Infof("shutting down")
	go func() { _ = t.Shutdown() }()

	// Shutdown forces the executors after the timeout, the second timeout
	// only guards against a hanging process
	timeout := 2*cmdUtil.ShutdownTimeout() + time.Second
	select {
	case err := <-errCh:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("shutdown did not complete within %s", timeout)
	}
}
