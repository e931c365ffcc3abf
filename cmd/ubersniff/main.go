package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Uberschutz/UberSniff/internal/capture"
	"github.com/Uberschutz/UberSniff/internal/config"
	"github.com/Uberschutz/UberSniff/internal/exporter"
	"github.com/Uberschutz/UberSniff/internal/logger"
	"github.com/Uberschutz/UberSniff/internal/monitor"
	"github.com/Uberschutz/UberSniff/internal/types"
)

// 收到停止信号后等待收尾的最长时间
const stopTimeout = 5 * time.Second

// flags 命令行参数，非零值覆盖配置文件
type flags struct {
	configFile string
	cmd        config.Config
	promisc    bool
	dump       bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}

	root := &cobra.Command{
		Use:          "ubersniff",
		Short:        "Capture HTTP traffic and collect the text and images seen by the user",
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&f.configFile, "config", "c", "", "config file (default: ubersniff.toml or config.toml)")
	pf.BoolVarP(&f.cmd.Verbose, "verbose", "v", false, "verbose output")
	pf.StringVar(&f.cmd.Log.Level, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&f.cmd.Log.File, "log-file", "", "also write logs to this file, rotated")
	pf.BoolVar(&f.cmd.Log.Pretty, "pretty", false, "human readable console logs")
	pf.IntSliceVarP(&f.cmd.Ports, "ports", "p", nil, "HTTP server ports (default 80)")
	pf.StringVar(&f.cmd.Filter, "filter", "", "custom BPF filter")
	pf.StringVar(&f.cmd.Scheme, "scheme", "", "scheme prepended to reconstructed URIs")
	pf.IntVar(&f.cmd.Reassembly.MaxBodySize, "max-body", 0, "maximum captured body size in bytes")
	pf.StringVar(&f.cmd.Export.Sink, "sink", "", "export sink: uberback, s3, sqlite, stdout, none")
	pf.StringVar(&f.cmd.Export.Format, "format", "", "export format: form, json")

	root.AddCommand(newRunCmd(f), newReplayCmd(f), newInterfacesCmd())
	return root
}

func newRunCmd(f *flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Capture live traffic on a network interface",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("promisc") {
				f.cmd.Promisc = &f.promisc
			}
			cfg, closer, err := setup(f)
			if err != nil {
				return err
			}
			if closer != nil {
				defer closer.Close()
			}

			var opts []monitor.Option
			if f.dump {
				opts = append(opts, monitor.WithDump(os.Stdout))
			}
			return run(cfg, opts...)
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.cmd.Interface, "interface", "i", "", "network interface (default: follow the default interface)")
	fl.IntVar(&f.cmd.SnapLen, "snaplen", 0, "capture snapshot length")
	fl.BoolVar(&f.promisc, "promisc", true, "promiscuous mode")
	fl.Var(&durationFlag{&f.cmd.Timeout}, "timeout", "pcap read timeout")
	fl.Var(&durationFlag{&f.cmd.PollInterval}, "poll", "collector poll interval when idle")
	fl.BoolVar(&f.dump, "dump", false, "print collected batches before exporting them")
	return cmd
}

func newReplayCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <file.pcap>",
		Short: "Run a capture file through the pipeline, then export and print the batches",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closer, err := setup(f)
			if err != nil {
				return err
			}
			if closer != nil {
				defer closer.Close()
			}
			return run(cfg, monitor.WithReplay(args[0]), monitor.WithDump(os.Stdout))
		},
	}
}

func newInterfacesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "interfaces",
		Short: "List capture interfaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			ifaces, err := capture.ListInterfaces()
			if err != nil {
				return err
			}
			def, _ := capture.DefaultInterface()
			out := cmd.OutOrStdout()
			for _, iface := range ifaces {
				mark := " "
				if iface.Name == def {
					mark = "*"
				}
				fmt.Fprintf(out, "%s %-16s %-40s %v\n", mark, iface.Name, iface.Description, iface.Addresses)
			}
			return nil
		},
	}
}

// setup 加载配置、合并命令行参数并初始化日志
func setup(f *flags) (*config.Config, io.Closer, error) {
	cfg, path, err := config.LoadConfigWithFallback(f.configFile)
	if err != nil {
		return nil, nil, err
	}
	cfg.MergeWithCmdLineArgs(&f.cmd)
	cfg.SetDefaults()

	closer := logger.Init(cfg.Log, cfg.Verbose)
	if path != "" {
		zlog.Info().Str("file", path).Msg("config loaded")
	}
	if err := cfg.Validate(); err != nil {
		if closer != nil {
			closer.Close()
		}
		return nil, nil, fmt.Errorf("配置无效: %w", err)
	}
	return cfg, closer, nil
}

// run 运行监控器直到回放结束或收到 SIGINT/SIGTERM
func run(cfg *config.Config, opts ...monitor.Option) error {
	log := logger.Component("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stats := types.NewStats()
	exp, err := exporter.NewFromConfig(ctx, cfg.Export,
		exporter.WithStats(stats),
		exporter.WithLogger(logger.Component("exporter")),
	)
	if err != nil {
		return fmt.Errorf("创建导出器失败: %w", err)
	}

	mon := monitor.New(cfg, exp, append(opts, monitor.WithStats(stats))...)
	log.Info().
		Str("filter", cfg.BuildBPFFilter()).
		Ints("ports", cfg.Ports).
		Str("sink", cfg.Export.Sink).
		Msg("starting ubersniff")

	runErr := make(chan error, 1)
	go func() { runErr <- mon.Run(ctx) }()

	select {
	case err = <-runErr:
	case <-ctx.Done():
		log.Info().Msg("stop signal received, shutting down")
		select {
		case err = <-runErr:
		case <-time.After(stopTimeout):
			return errors.New("停止超时，强制退出")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if serr := exp.Shutdown(shutdownCtx); serr != nil {
		log.Warn().Err(serr).Msg("exporter shutdown incomplete")
	}

	if cfg.Verbose {
		fmt.Fprint(os.Stderr, mon.Stats().String())
	}
	if err != nil {
		log.Error().Err(err).Msg("monitor stopped with error")
	}
	return err
}

// durationFlag 让 config.Duration 可以作为命令行参数
type durationFlag struct {
	d *config.Duration
}

func (f *durationFlag) String() string {
	if f.d == nil {
		return ""
	}
	return f.d.Duration.String()
}

func (f *durationFlag) Set(s string) error {
	return f.d.UnmarshalText([]byte(s))
}

func (f *durationFlag) Type() string {
	return "duration"
}
