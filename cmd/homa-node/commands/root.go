package commands

import (
	"bufio"
	"encoding/json"
	"io"
	"log"
	"log/syslog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	logrus_syslog "github.com/sirupsen/logrus/hooks/syslog"
	"github.com/skycoin/skycoin/src/util/logging"
	"github.com/spf13/cobra"

	"github.com/homanet/homa/internal/metrics"
	"github.com/homanet/homa/pkg/driver"
	"github.com/homanet/homa/pkg/homa"
)

var (
	metricsAddr  string
	syslogAddr   string
	tag          string
	cfgFromStdin bool
	pollInterval time.Duration
)

// Config is a homa-node config
type Config struct {
	ListenAddress string `json:"listen_address"`
	MTU           int    `json:"mtu"`
	BandwidthBPS  uint64 `json:"bandwidth_bps"`
	PoolSize      int    `json:"pool_size"`
	TrafficLog    string `json:"traffic_log"`
	LogLevel      string `json:"log_level"`

	Transport homa.Config `json:"transport"`
}

var rootCmd = &cobra.Command{
	Use:   "homa-node [config.json]",
	Short: "Homa transport node",
	Run: func(_ *cobra.Command, args []string) {
		// Config
		configFile := "config.json"
		if len(args) > 0 {
			configFile = args[0]
		}
		conf := parseConfig(configFile)

		// Logger
		logger := logging.MustGetLogger(tag)
		logLevel, err := logging.LevelFromString(conf.LogLevel)
		if err != nil {
			log.Fatal("Failed to parse LogLevel: ", err)
		}
		logging.SetLevel(logLevel)

		if syslogAddr != "" {
			hook, err := logrus_syslog.NewSyslogHook("udp", syslogAddr, syslog.LOG_INFO, tag)
			if err != nil {
				logger.Fatalf("Unable to connect to syslog daemon on %v", syslogAddr)
			}
			logging.AddHook(hook)
		}

		// Metrics
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(metricsAddr, nil); err != nil {
				logger.Println("Failed to start metrics API:", err)
			}
		}()

		// Driver
		drv, err := driver.NewUDPDriver(driver.UDPConfig{
			ListenAddr:   conf.ListenAddress,
			MTU:          conf.MTU,
			BandwidthBPS: conf.BandwidthBPS,
			PoolSize:     conf.PoolSize,
		})
		if err != nil {
			logger.Fatal("Failed to start UDP driver: ", err)
		}

		// Transport
		tcfg := conf.Transport
		if conf.TrafficLog != "" {
			ls, err := homa.BoltLogStore(conf.TrafficLog)
			if err != nil {
				logger.Fatal("Failed to open traffic log: ", err)
			}
			tcfg.LogStore = ls
		}
		t, err := homa.New(drv, tcfg, metrics.NewPrometheus("homa"))
		if err != nil {
			logger.Fatal("Failed to start transport: ", err)
		}
		logger.Infof("listening on %s", drv.FormatAddress(drv.LocalAddress()))

		serve(t, logger)
	},
}

// serve runs the poll loop with a trivial echo application: every
// received message is acknowledged and answered back to its sender.
func serve(t *homa.Transport, logger *logging.Logger) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for range ticker.C {
		t.Poll()

		for {
			in := t.Receive()
			if in == nil {
				break
			}
			body := make([]byte, in.Length())
			in.Get(0, body)
			logger.Infof("received %d bytes from %s", in.Length(), in.Address())
			in.Acknowledge()

			out := t.Alloc()
			if err := out.Append(body); err != nil {
				logger.WithError(err).Error("echo append failed")
			} else if err := out.Send(in.Address(), homa.SendDetached); err != nil {
				logger.WithError(err).Error("echo send failed")
			}
			in.Release()
		}
	}
}

func init() {
	rootCmd.Flags().StringVarP(&metricsAddr, "metrics", "m", ":2121", "address to bind metrics API to")
	rootCmd.Flags().StringVar(&syslogAddr, "syslog", "", "syslog server address. E.g. localhost:514")
	rootCmd.Flags().StringVar(&tag, "tag", "homa-node", "logging tag")
	rootCmd.Flags().BoolVarP(&cfgFromStdin, "stdin", "i", false, "read configuration from STDIN")
	rootCmd.Flags().DurationVar(&pollInterval, "poll-interval", 50*time.Microsecond, "transport poll period")
}

func parseConfig(configFile string) *Config {
	var rdr io.Reader
	var err error
	if !cfgFromStdin {
		rdr, err = os.Open(configFile)
		if err != nil {
			log.Fatalf("Failed to open config: %s", err)
		}
	} else {
		rdr = bufio.NewReader(os.Stdin)
	}

	conf := &Config{}
	if err := json.NewDecoder(rdr).Decode(&conf); err != nil {
		log.Fatalf("Failed to decode %s: %s", rdr, err)
	}

	return conf
}

// Execute executes root CLI command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
