package sqsqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"blast/internal/domain"
)

// API is the part of *sqs.Client the queue package uses.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Producer publishes campaign events. On a FIFO queue events of one campaign share a group.
type Producer struct {
	SQS      API
	QueueURL string
}

func (p *Producer) Publish(ctx context.Context, ev domain.CampaignEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	in := &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: str(string(body)),
	}
	if strings.HasSuffix(p.QueueURL, ".fifo") {
		in.MessageGroupId = str(messageGroupID(ev))
		in.MessageDeduplicationId = str(deduplicationID(ev))
	}
	_, err = p.SQS.SendMessage(ctx, in)
	return err
}

func messageGroupID(ev domain.CampaignEvent) string {
	if ev.CampaignID == "" {
		return "blast"
	}
	return "campaign:" + ev.CampaignID
}

func deduplicationID(ev domain.CampaignEvent) string {
	return fmt.Sprintf("%s:%s:%d:%d", ev.CampaignID, ev.Type, ev.Index, ev.At.UnixNano())
}

func str(s string) *string { return &s }
