package ping

import (
	"bytes"
	"fmt"
	"time"

	"github.com/ValentinKolb/dNIO/cmd/util"
	"github.com/ValentinKolb/dNIO/rpc/common"
	"github.com/ValentinKolb/dNIO/rpc/transport/nio"
	"github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var (
	clientConfig = common.DefaultClientConfig()

	// PingCmd sends frames to a dNIO server and reports the round trip latency
	PingCmd = &cobra.Command{
		Use:     "ping",
		Short:   "Measure the round trip latency to a dNIO server",
		Long:    `Send frames to a dNIO echo server and print a latency summary. The configuration can be set via command line flags or environment variables (DNIO_<flag>).`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitConfig)

	util.SetupRPCClientFlags(PingCmd)

	key := "count"
	PingCmd.Flags().IntP(key, "n", 100, util.WrapString("Number of frames to send"))
	key = "size"
	PingCmd.Flags().Int(key, 64, util.WrapString("Payload size of each frame in bytes"))
	key = "threads"
	PingCmd.Flags().Int(key, 1, util.WrapString("Number of goroutines sending concurrently"))
	key = "shard"
	PingCmd.Flags().Uint64(key, 1, util.WrapString("Shard ID written into every frame"))
	key = "verbose"
	PingCmd.Flags().BoolP(key, "v", false, util.WrapString("Print the configuration before sending"))
}

func processConfig(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}
	clientConfig = util.GetClientConfig()
	if viper.GetInt("count") <= 0 || viper.GetInt("threads") <= 0 {
		return fmt.Errorf("count and threads must be positive")
	}
	return common.InitLoggers(viper.GetString("log-level"))
}

func run(_ *cobra.Command, _ []string) error {
	count := viper.GetInt("count")
	threads := min(viper.GetInt("threads"), count)
	shard := viper.GetUint64("shard")

	if viper.GetBool("verbose") {
		fmt.Println(clientConfig.String())
	}

	client := nio.NewNIOClientTransport()
	if err := client.Connect(clientConfig); err != nil {
		return err
	}
	defer client.Close()

	payload := bytes.Repeat([]byte{'x'}, viper.GetInt("size"))
	latency := metrics.NewHistogram(metrics.NewUniformSample(count))
	failures := metrics.NewCounter()

	fmt.Printf("PING %v: %d frames of %d bytes\n", clientConfig.Endpoints, count, len(payload))
	start := time.Now()

	var g errgroup.Group
	for w := 0; w < threads; w++ {
		n := count / threads
		if w < count%threads {
			n++
		}
		g.Go(func() error {
			for i := 0; i < n; i++ {
				sent := time.Now()
				resp, err := client.Send(shard, payload)
				if err != nil {
					failures.Inc(1)
					util.Logger.Warningf("request failed: %v", err)
					continue
				}
				if !bytes.Equal(resp, payload) {
					return fmt.Errorf("server returned %d bytes that differ from the payload", len(resp))
				}
				latency.Update(int64(time.Since(sent)))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	printSummary(latency.Snapshot(), failures.Count(), time.Since(start))
	if failures.Count() == int64(count) {
		return fmt.Errorf("all %d requests failed", count)
	}
	return nil
}

func printSummary(h metrics.Histogram, failed int64, elapsed time.Duration) {
	ps := h.Percentiles([]float64{0.5, 0.9, 0.99})
	d := func(v float64) time.Duration { return time.Duration(v).Round(time.Microsecond) }

	fmt.Println()
	fmt.Printf("--- ping statistics ---\n")
	fmt.Printf("%d frames answered, %d failed, %s total, %.0f frames/s\n",
		h.Count(), failed, elapsed.Round(time.Millisecond), float64(h.Count())/elapsed.Seconds())
	if h.Count() == 0 {
		return
	}
	fmt.Printf("rtt min/avg/max = %s/%s/%s\n", d(float64(h.Min())), d(h.Mean()), d(float64(h.Max())))
	fmt.Printf("rtt p50/p90/p99 = %s/%s/%s\n", d(ps[0]), d(ps[1]), d(ps[2]))
}
