package sqsqueue

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"blast/internal/domain"
)

type Consumer struct {
	SQS      API
	QueueURL string

	WaitTimeSeconds   int32
	MaxMessages       int32
	VisibilityTimeout int32
	// ReceiveBackoff is the pause after a failed receive; defaults to 500ms.
	ReceiveBackoff time.Duration
}

type Handler func(ctx context.Context, ev domain.CampaignEvent) error

type delivery struct {
	msg types.Message
	ev  domain.CampaignEvent
}

// Poll handles events one at a time until ctx is cancelled.
func (c *Consumer) Poll(ctx context.Context, handler Handler) error {
	return c.PollConcurrent(ctx, 1, handler)
}

// PollConcurrent fans events out to workers keyed by campaign id, so events of one
// campaign are handled in receive order while different campaigns run in parallel.
// A message is deleted only after its handler succeeds.
func (c *Consumer) PollConcurrent(ctx context.Context, workers int, handler Handler) error {
	if workers < 1 {
		workers = 1
	}
	lanes := make([]chan delivery, workers)
	var wg sync.WaitGroup
	for i := range lanes {
		lanes[i] = make(chan delivery, 16)
		wg.Add(1)
		go func(in <-chan delivery) {
			defer wg.Done()
			for d := range in {
				c.handle(ctx, d, handler)
			}
		}(lanes[i])
	}
	defer func() {
		for _, l := range lanes {
			close(l)
		}
		wg.Wait()
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		out, err := c.receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("sqs receive message failed", "err", err)
			if !sleepCtx(ctx, c.backoff()) {
				return ctx.Err()
			}
			continue
		}
		for _, m := range out.Messages {
			ev, ok := c.decode(m)
			if !ok {
				continue
			}
			select {
			case lanes[lane(ev.CampaignID, workers)] <- delivery{msg: m, ev: ev}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (c *Consumer) receive(ctx context.Context) (*sqs.ReceiveMessageOutput, error) {
	return c.SQS.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            &c.QueueURL,
		MaxNumberOfMessages: c.MaxMessages,
		WaitTimeSeconds:     c.WaitTimeSeconds,
		VisibilityTimeout:   c.VisibilityTimeout,
	})
}

// decode deletes poison messages outright so they never loop through redrive.
func (c *Consumer) decode(m types.Message) (domain.CampaignEvent, bool) {
	var ev domain.CampaignEvent
	if m.Body == nil {
		c.delete(m)
		return ev, false
	}
	if err := json.Unmarshal([]byte(*m.Body), &ev); err != nil {
		slog.Warn("sqs dropping undecodable event", "err", err)
		c.delete(m)
		return ev, false
	}
	return ev, true
}

// handle leaves a failed event on the queue for redrive.
func (c *Consumer) handle(ctx context.Context, d delivery, handler Handler) {
	if err := handler(ctx, d.ev); err != nil {
		slog.Error("sqs event handler error", "err", err, "campaign_id", d.ev.CampaignID, "type", d.ev.Type)
		return
	}
	c.delete(d.msg)
}

// delete outlives the poll context so a handled event is not redelivered on shutdown.
func (c *Consumer) delete(m types.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.SQS.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      &c.QueueURL,
		ReceiptHandle: m.ReceiptHandle,
	}); err != nil {
		slog.Warn("sqs delete message failed", "err", err)
	}
}

func (c *Consumer) backoff() time.Duration {
	if c.ReceiveBackoff > 0 {
		return c.ReceiveBackoff
	}
	return 500 * time.Millisecond
}

func lane(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
