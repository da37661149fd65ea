// Package awsutil builds the AWS clients used for the campaign event queue.
package awsutil

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	configv2 "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

type SQSOptions struct {
	Region string
	// Endpoint points at LocalStack (e.g. http://localhost:4566) and switches to static
	// dummy credentials.
	Endpoint string
	// MaxAttempts caps SDK retries per call; zero keeps the SDK default.
	MaxAttempts int
}

func NewSQSClient(ctx context.Context, opts SQSOptions) (*sqs.Client, error) {
	if opts.Region == "" {
		return nil, errors.New("aws region is required")
	}
	loadOpts := []func(*configv2.LoadOptions) error{
		configv2.WithRegion(opts.Region),
	}
	if opts.Endpoint != "" {
		loadOpts = append(loadOpts, configv2.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("test", "test", ""),
		))
	}
	if opts.MaxAttempts > 0 {
		loadOpts = append(loadOpts, configv2.WithRetryer(func() aws.Retryer {
			return retry.AddWithMaxAttempts(retry.NewStandard(), opts.MaxAttempts)
		}))
	}

	cfg, err := configv2.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}
	return sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	}), nil
}

type QueueAttributesAPI interface {
	GetQueueAttributes(ctx context.Context, in *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// QueueCheck is a readiness probe for queueURL.
func QueueCheck(api QueueAttributesAPI, queueURL string) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := api.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
			QueueUrl:       aws.String(queueURL),
			AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
		})
		return err
	}
}
