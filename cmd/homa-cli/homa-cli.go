// Command homa-cli sends one message to a homa-node and waits for the
// echoed response.
package main

import (
	"log"
	"time"

	"github.com/spf13/cobra"

	"github.com/homanet/homa/pkg/driver"
	"github.com/homanet/homa/pkg/homa"
)

var (
	listenAddr string
	mtu        int
	bandwidth  uint64
	timeout    time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "homa-cli [node-address] [message]",
	Short: "Send a message over the Homa transport",
	Args:  cobra.MinimumNArgs(2),
	Run: func(_ *cobra.Command, args []string) {
		drv, err := driver.NewUDPDriver(driver.UDPConfig{
			ListenAddr:   listenAddr,
			MTU:          mtu,
			BandwidthBPS: bandwidth,
			PoolSize:     512,
		})
		if err != nil {
			log.Fatal("Failed to start UDP driver: ", err)
		}

		t, err := homa.New(drv, homa.DefaultConfig(), nil)
		if err != nil {
			log.Fatal("Failed to start transport: ", err)
		}

		dest, err := drv.ParseAddress(args[0])
		if err != nil {
			log.Fatalf("Bad node address %q: %s", args[0], err)
		}

		out := t.Alloc()
		if err := out.Append([]byte(args[1])); err != nil {
			log.Fatal(err)
		}
		if err := out.Send(dest, homa.SendExpectResponse); err != nil {
			log.Fatal(err)
		}

		deadline := time.Now().Add(timeout)
		for time.Now().Before(deadline) {
			t.Poll()

			if in := t.Receive(); in != nil {
				body := make([]byte, in.Length())
				in.Get(0, body)
				log.Printf("response from %s: %s", in.Address(), body)
				in.Release()
				out.Release()
				return
			}
			if st := out.Status(); st == homa.StatusFailed || st == homa.StatusCanceled {
				log.Fatalf("send ended with status %s", st)
			}
			time.Sleep(50 * time.Microsecond)
		}
		log.Fatal("timed out waiting for response")
	},
}

func init() {
	rootCmd.Flags().StringVar(&listenAddr, "listen", ":0", "local address to bind")
	rootCmd.Flags().IntVar(&mtu, "mtu", 1500, "packet MTU")
	rootCmd.Flags().Uint64Var(&bandwidth, "bandwidth", 10e9, "modeled link bandwidth, bits per second")
	rootCmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "how long to wait for the response")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
