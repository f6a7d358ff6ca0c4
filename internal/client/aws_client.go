package client

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/connect"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"go.uber.org/zap"

	"outbound-rate-limiter/internal/config"
)

// LoadAWSConfig resolves credentials and region from the default chain.
// SDK retries are disabled: each store or Connect call is a single attempt bounded by
// its own timeout, and the caller decides what a failure means.
func LoadAWSConfig(ctx context.Context, cfg *config.Config, logger *zap.Logger) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRetryMaxAttempts(1),
	}
	if cfg.AWS.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.AWS.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("AWS config loaded", zap.String("region", awsCfg.Region))
	return awsCfg, nil
}

// NewDynamoDBClient builds a DynamoDB client, honouring a local endpoint override.
func NewDynamoDBClient(awsCfg aws.Config, cfg *config.Config) *dynamodb.Client {
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.DynamoDB.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.DynamoDB.Endpoint)
		}
	})
}

func NewConnectClient(awsCfg aws.Config) *connect.Client {
	return connect.NewFromConfig(awsCfg)
}
