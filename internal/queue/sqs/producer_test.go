package sqsqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"blast/internal/domain"
)

type fakeSQS struct {
	mu       sync.Mutex
	sent     []*sqs.SendMessageInput
	inbox    []types.Message
	deleted  []string
	received chan struct{}
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	msgs := f.inbox
	f.inbox = nil
	f.mu.Unlock()
	if len(msgs) == 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
	return &sqs.ReceiveMessageOutput{Messages: msgs}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, *in.ReceiptHandle)
	return &sqs.DeleteMessageOutput{}, nil
}

func TestMessageGroupIDPerCampaign(t *testing.T) {
	ev := domain.CampaignEvent{CampaignID: "cmp_1", Type: domain.EventContact, Index: 3}
	if got := messageGroupID(ev); got != "campaign:cmp_1" {
		t.Fatalf("unexpected group id %q", got)
	}
	if got := messageGroupID(domain.CampaignEvent{}); got == "" {
		t.Fatalf("expected non-empty group id for events without campaign")
	}

	a := deduplicationID(ev)
	ev.Index = 4
	if a == deduplicationID(ev) {
		t.Fatalf("dedup id must differ per contact")
	}
}

func TestPublishSetsFIFOAttributes(t *testing.T) {
	api := &fakeSQS{}
	ev := domain.CampaignEvent{Type: domain.EventStarted, CampaignID: "cmp_1", Index: -1, At: time.Unix(10, 0)}

	p := &Producer{SQS: api, QueueURL: "http://localhost:4566/000000000000/blast-events.fifo"}
	if err := p.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	p.QueueURL = "http://localhost:4566/000000000000/blast-events"
	if err := p.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if api.sent[0].MessageGroupId == nil || api.sent[0].MessageDeduplicationId == nil {
		t.Fatalf("expected FIFO attributes on .fifo queue")
	}
	if api.sent[1].MessageGroupId != nil {
		t.Fatalf("standard queue must not carry a group id")
	}
	var got domain.CampaignEvent
	if err := json.Unmarshal([]byte(*api.sent[1].MessageBody), &got); err != nil || got.CampaignID != "cmp_1" {
		t.Fatalf("unexpected body: %v %+v", err, got)
	}
}

func TestConsumerDeletesHandledAndPoison(t *testing.T) {
	body, _ := json.Marshal(domain.CampaignEvent{Type: domain.EventCompleted, CampaignID: "ok"})
	failBody, _ := json.Marshal(domain.CampaignEvent{Type: domain.EventCompleted, CampaignID: "retry"})
	api := &fakeSQS{inbox: []types.Message{
		{Body: str(string(body)), ReceiptHandle: str("h-ok")},
		{Body: str("{not json"), ReceiptHandle: str("h-poison")},
		{Body: str(string(failBody)), ReceiptHandle: str("h-retry")},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	seen := 0
	c := &Consumer{SQS: api, QueueURL: "q"}
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.PollConcurrent(ctx, 2, func(_ context.Context, ev domain.CampaignEvent) error {
			mu.Lock()
			seen++
			done := seen == 2
			mu.Unlock()
			if done {
				defer cancel()
			}
			if ev.CampaignID == "retry" {
				return errors.New("store down")
			}
			return nil
		})
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("consumer did not stop")
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	deleted := map[string]bool{}
	for _, h := range api.deleted {
		deleted[h] = true
	}
	if !deleted["h-ok"] || !deleted["h-poison"] || deleted["h-retry"] {
		t.Fatalf("unexpected deletions: %v", api.deleted)
	}
}

func TestConsumerKeepsCampaignOrder(t *testing.T) {
	var msgs []types.Message
	for i := 0; i < 5; i++ {
		for _, id := range []string{"a", "b"} {
			body, _ := json.Marshal(domain.CampaignEvent{Type: domain.EventContact, CampaignID: id, Index: i})
			msgs = append(msgs, types.Message{Body: str(string(body)), ReceiptHandle: str(id)})
		}
	}
	api := &fakeSQS{inbox: msgs}

	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	got := map[string][]int{}
	total := 0
	c := &Consumer{SQS: api, QueueURL: "q"}
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.PollConcurrent(ctx, 3, func(_ context.Context, ev domain.CampaignEvent) error {
			mu.Lock()
			defer mu.Unlock()
			got[ev.CampaignID] = append(got[ev.CampaignID], ev.Index)
			total++
			if total == len(msgs) {
				cancel()
			}
			return nil
		})
	}()

	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("consumer did not stop")
	}
	mu.Lock()
	defer mu.Unlock()
	for _, id := range []string{"a", "b"} {
		if len(got[id]) != 5 {
			t.Fatalf("campaign %s: expected 5 events, got %v", id, got[id])
		}
		for i, idx := range got[id] {
			if idx != i {
				t.Fatalf("campaign %s handled out of order: %v", id, got[id])
			}
		}
	}
}

func TestLaneIsStable(t *testing.T) {
	if lane("cmp_1", 4) != lane("cmp_1", 4) {
		t.Fatalf("lane must be deterministic")
	}
	if lane("anything", 1) != 0 {
		t.Fatalf("single worker must use lane 0")
	}
}
