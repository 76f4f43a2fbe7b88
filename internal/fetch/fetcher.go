package fetch

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"spendscan/backend/internal/domain"
	"spendscan/backend/internal/mailclient"
)

// Fetcher 以受限并发从邮箱服务批量抓取邮件。
//
// ID 列表被切成不超过并发宽度的块，块内并发抓取、块间顺序执行，
// 以尊重邮箱服务的隐式速率限制。单封失败只产生 FetchFailure 条目，
// 不会中止整批。
type Fetcher struct {
	client      mailclient.Client
	concurrency int
	timeout     time.Duration
	limiter     *rate.Limiter
	log         *zap.Logger
}

// NewFetcher 创建批量抓取器
//
// 参数:
//   - concurrency: 单块内的并发抓取数
//   - timeout: 单封邮件的抓取超时上限
//   - ratePerSecond: 对邮箱服务的调用速率上限
func NewFetcher(client mailclient.Client, concurrency int, timeout time.Duration, ratePerSecond float64, log *zap.Logger) *Fetcher {
	if concurrency <= 0 {
		concurrency = 5
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if ratePerSecond <= 0 {
		ratePerSecond = 10
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Fetcher{
		client:      client,
		concurrency: concurrency,
		timeout:     timeout,
		limiter:     rate.NewLimiter(rate.Limit(ratePerSecond), concurrency),
		log:         log,
	}
}

// FetchBatch 抓取一组邮件 ID，返回与输入等长的结果序列。
//
// 块内抓取顺序不保证，但结果按输入 ID 顺序排列。
func (f *Fetcher) FetchBatch(ctx context.Context, ids []string) []domain.FetchOutcome {
	outcomes := make([]domain.FetchOutcome, len(ids))

	for start := 0; start < len(ids); start += f.concurrency {
		end := start + f.concurrency
		if end > len(ids) {
			end = len(ids)
		}

		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			i := i
			g.Go(func() error {
				outcomes[i] = f.fetchOne(gctx, ids[i])
				// 单项失败留在结果里，不让 errgroup 取消兄弟任务
				return nil
			})
		}
		// 等整块完成再开下一块
		_ = g.Wait()
	}

	return outcomes
}

// fetchOne 抓取单封邮件，并为符合条件的 PDF 附件懒加载字节。
func (f *Fetcher) fetchOne(ctx context.Context, id string) domain.FetchOutcome {
	fctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	if err := f.limiter.Wait(fctx); err != nil {
		return failure(id, err)
	}

	msg, err := f.client.FetchMessage(fctx, id)
	if err != nil {
		if errors.Is(err, mailclient.ErrMessageNotFound) {
			f.log.Info("message vanished between listing and fetch",
				zap.String("message_id", id),
			)
		} else {
			f.log.Warn("message fetch failed",
				zap.String("message_id", id),
				zap.Error(err),
			)
		}
		return failure(id, err)
	}

	// 只为 PDF 附件抓取内容；其余附件保留元数据即可。
	// 附件抓取失败不影响邮件本身，退化为仅基于正文的提取。
	for _, att := range msg.Attachments {
		if !att.IsPDF() {
			continue
		}
		if err := f.limiter.Wait(fctx); err != nil {
			break
		}
		data, err := f.client.FetchAttachment(fctx, id, att.ID)
		if err != nil {
			f.log.Warn("attachment fetch failed",
				zap.String("message_id", id),
				zap.String("attachment_id", att.ID),
				zap.Error(err),
			)
			continue
		}
		att.Data = data
	}

	return domain.FetchOutcome{Message: msg}
}

func failure(id string, err error) domain.FetchOutcome {
	return domain.FetchOutcome{
		Failure: &domain.FetchFailure{
			MessageID: id,
			Reason:    err.Error(),
			NotFound:  errors.Is(err, mailclient.ErrMessageNotFound),
		},
	}
}
