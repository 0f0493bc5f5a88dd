// gfetch 并发下载一组 URL，所有传输共享一个事件循环。
package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/legamerdc/gfetch"
)

var (
	configFile  string
	timeout     time.Duration
	connTimeout time.Duration
	noFollow    bool
	compressed  bool
	outputDir   string
	logLevel    string
	maxJobs     int
	noColor     bool
)

var (
	colorOK    = color.New(color.FgGreen).SprintFunc()
	colorFail  = color.New(color.FgRed).SprintFunc()
	colorWarn  = color.New(color.FgYellow).SprintFunc()
	colorFaint = color.New(color.Faint).SprintFunc()
)

var rootCmd = &cobra.Command{
	Use:   "gfetch [flags] URL...",
	Short: "Fetch many URLs concurrently over one event loop",
	Long: `gfetch submits every URL to a single transfer engine and reports
each result as it completes. Bodies are written to --output-dir when set,
otherwise only the status line is printed.

Press Ctrl-C once to abort unfinished transfers.`,
	Args:          cobra.MinimumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&configFile, "config", "c", "", "YAML config file")
	f.DurationVarP(&timeout, "timeout", "m", 0, "Maximum time for each transfer (0 = none)")
	f.DurationVar(&connTimeout, "connect-timeout", 0, "Maximum time to connect (0 = config default)")
	f.BoolVar(&noFollow, "no-follow", false, "Do not follow redirects")
	f.BoolVar(&compressed, "compressed", false, "Request a compressed response and decode it")
	f.StringVarP(&outputDir, "output-dir", "o", "", "Directory to write response bodies to")
	f.StringVar(&logLevel, "log-level", "", "Log level: debug/info/warn/error")
	f.IntVarP(&maxJobs, "max-transfers", "j", 0, "Maximum concurrent transfers (0 = config default)")
	f.BoolVar(&noColor, "no-color", false, "Disable colored output")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, colorFail("error:"), err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (gfetch.Config, error) {
	cfg := gfetch.DefaultConfig()
	if configFile != "" {
		c, err := gfetch.LoadConfig(configFile)
		if err != nil {
			return cfg, err
		}
		cfg = c
	}
	flags := cmd.Flags()
	if flags.Changed("timeout") {
		cfg.Timeout = timeout
	}
	if flags.Changed("connect-timeout") {
		cfg.ConnectTimeout = connTimeout
	}
	if noFollow {
		cfg.FollowRedirects = false
	}
	if compressed {
		cfg.AcceptEncoding = true
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("max-transfers") {
		cfg.MaxTransfers = maxJobs
	}
	return cfg, cfg.Validate()
}

func run(cmd *cobra.Command, args []string) error {
	color.NoColor = color.NoColor || noColor
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if outputDir != "" {
		if err := os.MkdirAll(outputDir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}
	e, err := gfetch.New(cfg)
	if err != nil {
		return err
	}

	var (
		mu     sync.Mutex
		failed int
	)
	start := time.Now()
	for i, raw := range args {
		name := outputName(i, raw)
		_, err := e.Submit(raw, func(data []byte, err error) {
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				fmt.Printf("%s %s %s\n", colorFail("FAIL"), raw, colorFaint(err))
				return
			}
			fmt.Printf("%s %s %s\n", colorOK("DONE"), raw, colorFaint(fmt.Sprintf("%d bytes", len(data))))
			if outputDir == "" {
				return
			}
			if werr := os.WriteFile(filepath.Join(outputDir, name), data, 0o644); werr != nil {
				failed++
				fmt.Printf("%s %s %s\n", colorFail("FAIL"), raw, colorFaint(werr))
			}
		})
		if err != nil {
			mu.Lock()
			failed++
			fmt.Printf("%s %s %s\n", colorFail("FAIL"), raw, colorFaint(err))
			mu.Unlock()
		}
	}

	// 第一次中断强制结束未完成的传输
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := e.Shutdown(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			return err
		}
		fmt.Println(colorWarn("interrupted, unfinished transfers aborted"))
	}

	mu.Lock()
	defer mu.Unlock()
	fmt.Printf("%d transfers, %d failed, %s\n", len(args), failed, time.Since(start).Round(time.Millisecond))
	if failed > 0 {
		return fmt.Errorf("%d of %d transfers failed", failed, len(args))
	}
	return nil
}

// outputName 以 URL 路径的最后一段命名，加序号避免重名
func outputName(i int, raw string) string {
	base := "index.html"
	if u, err := url.Parse(raw); err == nil {
		if b := path.Base(u.Path); b != "." && b != "/" && b != "" {
			base = b
		}
	}
	return fmt.Sprintf("%03d-%s", i, base)
}
