package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"spendscan/backend/internal/auth"
	"spendscan/backend/internal/cache"
	"spendscan/backend/internal/config"
	"spendscan/backend/internal/domain"
	"spendscan/backend/internal/extract"
	"spendscan/backend/internal/fetch"
	"spendscan/backend/internal/job"
	"spendscan/backend/internal/logger"
	"spendscan/backend/internal/mailclient"
	"spendscan/backend/internal/merge"
	"spendscan/backend/internal/storage/memory"
)

// main 在前台执行一次完整扫描并把结果快照打印到标准输出。
//
// 这是一个本地调试工具：不连数据库、不开 HTTP 端口，
// 直接用内存存储跑一遍 抓取 → 提取 → 合并 流水线，
// 便于验证邮箱凭据和提取规则。
func main() {
	userID := flag.String("user", "local", "结果归属的用户标识")
	timeout := flag.Duration("timeout", 5*time.Minute, "整体超时")
	printToken := flag.Bool("print-token", false, "只为 -user 签发一枚调试令牌并退出")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if *printToken {
		mgr := auth.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer, 24*time.Hour)
		token, err := mgr.GenerateToken(*userID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to generate token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	log := logger.NewDevelopmentLogger()
	defer log.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client, err := mailclient.NewGmailClient(ctx, cfg.Mail, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize mail client: %v\n", err)
		os.Exit(1)
	}

	local := cache.NewLocalCache(cfg.Cache.LocalMaxSize)
	tiered := cache.NewTiered(local, cache.NewLocalCache(cfg.Cache.LocalMaxSize), nil, log)

	orchestrator := job.NewOrchestrator(
		client,
		fetch.NewFetcher(client, cfg.Scan.FetchConcurrency, cfg.Scan.FetchTimeout, cfg.Scan.RatePerSecond, log),
		extract.NewExtractor(log),
		merge.NewMerger(log),
		tiered,
		memory.NewStore(),
		cfg.Scan,
		cfg.Cache.SnapshotTTL,
		job.Options{Logger: log},
	)

	status := orchestrator.StartScan(*userID)
	log.Info("scan started", zap.String("user", *userID), zap.String("state", string(status.Status)))

	// 前台轮询直到任务落到终态
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "scan timed out")
			os.Exit(1)
		case <-ticker.C:
		}

		status = orchestrator.GetStatus(*userID)
		if status.Status != domain.JobSyncing {
			break
		}
		log.Info("scanning",
			zap.Int("progress", status.Progress),
			zap.Int("documents_found", status.DocumentsFound),
		)
	}

	if status.Status == domain.JobError {
		fmt.Fprintf(os.Stderr, "scan failed: %s\n", status.Message)
		os.Exit(1)
	}

	snapshot, found := orchestrator.GetCollection(ctx, *userID)
	if !found {
		fmt.Fprintln(os.Stderr, "scan finished but no snapshot available")
		os.Exit(1)
	}

	out, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode snapshot: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
}
