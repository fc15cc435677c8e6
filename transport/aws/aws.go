// Package aws provides an AWS SNS/SQS transport for ella.
//
// Every topic is an SNS topic. Each node subscribes through its own SQS queue,
// named after the topic and the node id, so SNS fans broadcasts out to every
// node.
package aws

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	smithyendpoints "github.com/aws/smithy-go/endpoints"

	"github.com/drblury/ella/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "aws"

const (
	localstackAccountID = "000000000000"
	awsAccountIDLength  = 12
)

// DefaultConfigLoader allows overriding the AWS config loader for testing.
var DefaultConfigLoader = awsconfig.LoadDefaultConfig

// TopicResolverFactory allows overriding the topic resolver creation for testing.
var TopicResolverFactory = sns.NewGenerateArnTopicResolver

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return sns.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return sns.NewSubscriber(cfg, sqsCfg, logger)
}

func init() {
	Register()
}

// Register registers the AWS transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.AWSCapabilities)
}

// Build creates a new AWS SNS/SQS transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	s, err := newSession(ctx, cfg, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	logger.Info("Created AWS session", watermill.LogFields{
		"region":          s.aws.Region,
		"account_id":      s.accountID,
		"custom_endpoint": s.endpoint != nil,
	})

	publisher, err := PublisherFactory(s.publisherConfig(), logger)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("create SNS publisher: %w", err)
	}

	snsCfg, sqsCfg := s.subscriberConfig(cfg.GetNodeID())
	subscriber, err := SubscriberFactory(snsCfg, sqsCfg, logger)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, fmt.Errorf("create SNS subscriber: %w", err)
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.AWSCapabilities
}

// session is the AWS state shared by the publisher and the subscriber of one
// node.
type session struct {
	aws       aws.Config
	endpoint  *url.URL
	accountID string
	topics    sns.TopicResolver
}

func newSession(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (*session, error) {
	endpoint, err := endpointURL(cfg.GetAWSEndpoint())
	if err != nil {
		return nil, err
	}

	var opts []func(*awsconfig.LoadOptions) error
	if region := cfg.GetAWSRegion(); region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if key, secret := cfg.GetAWSAccessKeyID(), cfg.GetAWSSecretAccessKey(); key != "" && secret != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(key, secret, "")))
	}

	awsCfg, err := DefaultConfigLoader(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	// the loader may ignore options, e.g. when replaced in tests
	if region := cfg.GetAWSRegion(); region != "" {
		awsCfg.Region = region
	}
	if endpoint != nil {
		awsCfg.BaseEndpoint = aws.String(endpoint.String())
	}

	accountID := resolveAccountID(cfg.GetAWSAccountID(), endpoint != nil, logger)
	topics, err := TopicResolverFactory(accountID, awsCfg.Region)
	if err != nil {
		return nil, fmt.Errorf("create SNS topic resolver: %w", err)
	}

	return &session{
		aws:       awsCfg,
		endpoint:  endpoint,
		accountID: accountID,
		topics:    topics,
	}, nil
}

func (s *session) publisherConfig() sns.PublisherConfig {
	cfg := sns.PublisherConfig{
		TopicResolver: s.topics,
		AWSConfig:     s.aws,
		Marshaler:     sns.DefaultMarshalerUnmarshaler{},
	}
	if s.endpoint != nil {
		cfg.OptFns = []func(*amazonsns.Options){
			amazonsns.WithEndpointResolverV2(sns.OverrideEndpointResolver{
				Endpoint: smithyendpoints.Endpoint{URI: *s.endpoint},
			}),
		}
	}
	return cfg
}

func (s *session) subscriberConfig(node uint8) (sns.SubscriberConfig, sqs.SubscriberConfig) {
	snsCfg := sns.SubscriberConfig{
		AWSConfig:            s.aws,
		TopicResolver:        s.topics,
		GenerateSqsQueueName: queueNameGenerator(node),
	}
	sqsCfg := sqs.SubscriberConfig{AWSConfig: s.aws}
	if s.endpoint != nil {
		endpoint := smithyendpoints.Endpoint{URI: *s.endpoint}
		snsCfg.OptFns = []func(*amazonsns.Options){
			amazonsns.WithEndpointResolverV2(sns.OverrideEndpointResolver{Endpoint: endpoint}),
		}
		sqsCfg.OptFns = []func(*amazonsqs.Options){
			amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{Endpoint: endpoint}),
		}
	}
	return snsCfg, sqsCfg
}

// QueueName returns the SQS queue a node reads topic from.
func QueueName(topic string, node uint8) string {
	return fmt.Sprintf("%s-node-%d", topic, node)
}

func queueNameGenerator(node uint8) func(context.Context, sns.TopicArn) (string, error) {
	return func(ctx context.Context, arn sns.TopicArn) (string, error) {
		topic, err := sns.ExtractTopicNameFromTopicArn(arn)
		if err != nil {
			return "", err
		}
		return QueueName(string(topic), node), nil
	}
}

// resolveAccountID cleans up the configured account id. Against a custom
// endpoint such as LocalStack a missing or malformed id is replaced by the
// LocalStack default.
func resolveAccountID(configured string, customEndpoint bool, logger watermill.LoggerAdapter) string {
	accountID := strings.Trim(configured, "\"' ")
	if !customEndpoint || len(accountID) == awsAccountIDLength {
		return accountID
	}
	logger.Info("Using LocalStack account id", watermill.LogFields{
		"configured": accountID,
		"account_id": localstackAccountID,
	})
	return localstackAccountID
}

func endpointURL(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse AWS endpoint %q: %w", raw, err)
	}
	return parsed, nil
}
