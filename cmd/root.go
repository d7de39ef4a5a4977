package cmd

import (
	"context"
	"fmt"
	"io"
	u "net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	grabhttp "github.com/tanq16/grabber/internal/downloaders/http"
	"github.com/tanq16/grabber/internal/output"
	"github.com/tanq16/grabber/internal/scheduler"
	"github.com/tanq16/grabber/internal/utils"
)

var (
	outputPath        string
	workers           int
	timeout           time.Duration
	kaTimeout         time.Duration
	probeTimeout      time.Duration
	inactivityTimeout time.Duration
	rateLimit         string
	userAgent         string
	proxyURL          string
	proxyUsername     string
	proxyPassword     string
	bearerToken       string
	headers           []string
	s3Profile         string
	debug             bool
	logFile           string
	showStats         bool

	logCloser io.Closer
	registry  = metrics.NewRegistry()
)

var GrabberVersion = "dev"

var rootCmd = &cobra.Command{
	Use:     "grabber [URL]",
	Short:   "grabber streams single files over HTTP with live progress",
	Version: GrabberVersion,
	Args:    cobra.MaximumNArgs(1),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		closer, err := utils.InitLogger(debug, logFile)
		if err != nil {
			return fmt.Errorf("error opening log file: %v", err)
		}
		logCloser = closer
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			logCloser.Close()
		}
	},
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) == 0 {
			cmd.Help()
			return
		}
		runDownloads([]utils.DownloadEntry{{URL: args[0], OutputPath: outputPath}})
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path or s3://bucket/key (inferred from the server if not provided)")

	flags := rootCmd.PersistentFlags()
	flags.IntVarP(&workers, "workers", "w", 1, "Number of links to download in parallel")
	flags.DurationVarP(&timeout, "timeout", "t", 0, "Overall request timeout, 0 disables it (eg. 5s, 10m)")
	flags.DurationVarP(&kaTimeout, "keep-alive-timeout", "k", 90*time.Second, "Keep-alive timeout for client (eg. 10s, 1m, 80s)")
	flags.DurationVar(&probeTimeout, "probe-timeout", grabhttp.DefaultProbeTimeout, "Deadline for HEAD file-info requests")
	flags.DurationVar(&inactivityTimeout, "inactivity-timeout", time.Minute, "Abort a download when no data arrives for this long, 0 disables it")
	flags.StringVarP(&rateLimit, "limit-rate", "r", "", "Maximum download rate per transfer (eg. 500KB, 2MB)")
	flags.StringVarP(&userAgent, "user-agent", "a", utils.ToolUserAgent, "User agent (\"randomize\" picks a browser agent)")
	flags.StringVarP(&proxyURL, "proxy", "p", "", "HTTP/HTTPS proxy URL (e.g., proxy.example.com:8080)")
	flags.StringVar(&proxyUsername, "proxy-username", "", "Proxy username (if not provided in proxy URL)")
	flags.StringVar(&proxyPassword, "proxy-password", "", "Proxy password (if not provided in proxy URL)")
	flags.StringVar(&bearerToken, "token", "", "Bearer token sent with every request")
	flags.StringArrayVarP(&headers, "header", "H", []string{}, "Custom headers (like 'Authorization: Basic dXNlcjpwYXNz'); can be specified multiple times")
	flags.StringVar(&s3Profile, "s3-profile", "", "AWS profile used for s3:// outputs")
	flags.BoolVar(&showStats, "stats", false, "Print transfer statistics when done")
	flags.BoolVar(&debug, "debug", false, "Enable debug logging")
	flags.StringVar(&logFile, "log-file", "", "Also write logs to this file")

	rootCmd.AddCommand(newGetCmd())
	rootCmd.AddCommand(newInfoCmd())
	rootCmd.AddCommand(newBatchCmd())
}

func httpClientConfig() utils.HTTPClientConfig {
	agent := userAgent
	if agent == "randomize" {
		agent = utils.GetRandomUserAgent()
	}
	pURL, pUser, pPass := proxyURL, proxyUsername, proxyPassword
	// Credentials embedded in the proxy URL win unless given explicitly
	parsedProxy, err := u.Parse(pURL)
	if err == nil && parsedProxy.User != nil && pUser == "" {
		pUser = parsedProxy.User.Username()
		if password, set := parsedProxy.User.Password(); set {
			pPass = password
		}
		parsedProxy.User = nil
		pURL = parsedProxy.String()
	}
	return utils.HTTPClientConfig{
		Timeout:       timeout,
		KATimeout:     kaTimeout,
		ProxyURL:      pURL,
		ProxyUsername: pUser,
		ProxyPassword: pPass,
		UserAgent:     agent,
		Headers:       utils.ParseHeaderArgs(headers),
		BearerToken:   bearerToken,
	}
}

func sessionOptions() ([]grabhttp.Option, error) {
	limit, err := utils.ParseBytes(rateLimit)
	if err != nil {
		return nil, err
	}
	return []grabhttp.Option{
		grabhttp.WithInactivityTimeout(inactivityTimeout),
		grabhttp.WithRateLimit(limit),
		grabhttp.WithRegistry(registry),
	}, nil
}

func runDownloads(entries []utils.DownloadEntry) {
	opts, err := sessionOptions()
	if err != nil {
		output.PrintError(fmt.Sprintf("Invalid rate limit: %v", err))
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := scheduler.Config{
		Client:         utils.NewClient(httpClientConfig()),
		Workers:        workers,
		ProbeTimeout:   probeTimeout,
		SessionOptions: opts,
		S3Profile:      s3Profile,
	}
	err = scheduler.Run(ctx, entries, cfg, output.NewManager())
	if showStats {
		printStats()
	}
	if err != nil {
		output.PrintError("Encountered failed download(s)")
		os.Exit(1)
	}
}

func printStats() {
	started := metrics.GetOrRegisterCounter("transfers.started", registry).Count()
	succeeded := metrics.GetOrRegisterCounter("transfers.succeeded", registry).Count()
	failed := metrics.GetOrRegisterCounter("transfers.failed", registry).Count()
	aborted := metrics.GetOrRegisterCounter("transfers.aborted", registry).Count()
	bytes := metrics.GetOrRegisterMeter("transfer.bytes", registry).Snapshot()
	duration := metrics.GetOrRegisterTimer("transfer.duration", registry).Snapshot()

	output.PrintDetail("Transfers:", fmt.Sprintf("%d started, %d succeeded, %d failed, %d aborted", started, succeeded, failed, aborted))
	output.PrintDetail("Received:", utils.FormatBytes(bytes.Count()))
	output.PrintDetail("Average rate:", utils.FormatSpeed(bytes.RateMean()))
	if duration.Count() > 0 {
		output.PrintDetail("Mean duration:", time.Duration(duration.Mean()).Round(time.Millisecond).String())
	}
}
