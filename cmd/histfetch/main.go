package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"histfetch/internal/app"
	"histfetch/internal/config"
	"histfetch/internal/logger"
	"histfetch/internal/market"

	"github.com/spf13/pflag"
)

const usage = `histfetch 分块抓取 1 分钟历史 bar，断点续传。

用法:
  histfetch <command> [flags]

命令:
  run       执行一次完整抓取
  reset     删除进度文件（下次运行从头开始）
  stats     打印进度统计
  pending   列出未完成的实体
  merge     合并所有实体的 CSV 输出并给出质量报告
  serve     启动 HTTP API 与定时调度

同一个进度文件只能由一个进程使用。
`

type options struct {
	configPath string
	entities   string
	logLevel   string
	outDir     string
}

func main() {
	if len(os.Args) < 2 || os.Args[1] == "-h" || os.Args[1] == "--help" || os.Args[1] == "help" {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cmd := os.Args[1]
	fs := pflag.NewFlagSet(cmd, pflag.ExitOnError)
	var opts options
	fs.StringVarP(&opts.configPath, "config", "c", "", "配置文件路径（默认读取 $"+config.EnvConfigPath+" 或 "+config.DefaultConfigPath+"）")
	fs.StringVar(&opts.entities, "entities", "", "实体文件路径，覆盖 entities.file")
	fs.StringVar(&opts.logLevel, "log-level", "", "日志级别 debug|info|warn|error")
	if cmd == "merge" {
		fs.StringVarP(&opts.outDir, "out", "o", "", "合并输出目录（默认 storage.data_dir）")
	}
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fmt.Fprintf(os.Stderr, "\n%s flags:\n", cmd)
		fs.PrintDefaults()
	}
	_ = fs.Parse(os.Args[2:])

	if err := run(cmd, opts); err != nil {
		log.Fatalf("%s 失败: %v", cmd, err)
	}
}

func run(cmd string, opts options) error {
	cfgPath := config.ResolvePath(opts.configPath)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("读取配置失败: %w", err)
	}
	if opts.entities != "" {
		cfg.Entities.File = opts.entities
	}
	if opts.logLevel != "" {
		cfg.App.LogLevel = opts.logLevel
	}
	logFile, err := setupLogOutput(cfg.App.LogPath)
	if err != nil {
		return fmt.Errorf("初始化日志文件失败: %w", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	logger.SetFormat(cfg.App.LogFormat)
	logger.SetLevel(cfg.App.LogLevel)
	logger.Infof("[main] 配置加载成功（环境=%s，文件=%s）", cfg.App.Env, cfgPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cmd == "reset" {
		if err := app.ResetProgress(cfg); err != nil {
			return err
		}
		fmt.Printf("已删除进度文件 %s\n", cfg.Storage.ProgressFile)
		return nil
	}

	a, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("初始化应用失败: %w", err)
	}
	defer a.Close()
	a.ConfigPath = cfgPath

	switch cmd {
	case "run":
		a.PrintSummary(os.Stdout)
		stats, err := a.RunOnce(ctx)
		fmt.Println(stats.Summary())
		if errors.Is(err, context.Canceled) {
			logger.Warnf("[main] 运行被中断，进度已保存")
			return nil
		}
		return err
	case "stats":
		st := a.Service().Statistics()
		fmt.Printf("实体总数: %d\n已完成:   %d\n未完成:   %d\n不可抓取: %d\n总记录数: %d\n",
			st.TotalEntities, st.Completed, st.Pending, st.Unfetchable, st.TotalRecords)
		if last, ok, err := a.Service().LastRun(ctx); err == nil && ok {
			fmt.Printf("最近运行: %s (%s, %s)\n", last.RunID, last.Status, last.StartedAt.Local().Format(time.DateTime))
		}
		return nil
	case "pending":
		printPending(os.Stdout, a, cfg)
		return nil
	case "merge":
		rep, err := a.Merge(ctx, opts.outDir)
		if err != nil {
			return err
		}
		fmt.Printf("合并 %d 个文件 -> %s\n读取 %d 行，去重 %d 行，输出 %d 行\n%s\n",
			rep.Files, rep.Path, rep.RowsRead, rep.Duplicates, rep.RowsOut, rep.Quality)
		return nil
	case "serve":
		a.PrintSummary(os.Stdout)
		return a.Serve(ctx)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("未知命令 %q", cmd)
	}
}

func printPending(w io.Writer, a *app.App, cfg *config.Config) {
	pending := a.Service().PendingEntities()
	if len(pending) == 0 {
		fmt.Fprintln(w, "没有未完成的实体")
		return
	}
	loc := cfg.Fetch.Location()
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tLABEL\tPOINTER\tTARGET\tREMAINING\tRECORDS\tLAST ERROR")
	for _, p := range pending {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			p.EntityID, p.Label,
			market.FormatCivil(p.LastFetchedPointer, loc),
			market.FormatCivil(p.TargetStartPointer, loc),
			p.Remaining().Round(time.Hour), p.TotalRecords, p.LastError)
	}
	_ = tw.Flush()
}

func setupLogOutput(path string) (*os.File, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	dir := filepath.Dir(trimmed)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.OpenFile(trimmed, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	mw := io.MultiWriter(os.Stdout, file)
	log.SetOutput(mw)
	logger.SetOutput(mw)
	return file, nil
}
