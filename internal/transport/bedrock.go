package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

// InvokeModelAPI is the slice of the Bedrock runtime client we use.
type InvokeModelAPI interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// BedrockSender invokes Bedrock models. The request Endpoint is the model ID;
// auth comes from the AWS credential chain, not from headers.
type BedrockSender struct {
	client InvokeModelAPI
}

func NewBedrockSender(ctx context.Context, region string) (*BedrockSender, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &BedrockSender{client: bedrockruntime.NewFromConfig(cfg)}, nil
}

func NewBedrockSenderWithClient(client InvokeModelAPI) *BedrockSender {
	return &BedrockSender{client: client}
}

func (s *BedrockSender) Send(ctx context.Context, req Request) (json.RawMessage, error) {
	body, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	output, err := s.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(req.Endpoint),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, fmt.Errorf("invoke model: %w", err)
	}

	if !json.Valid(output.Body) {
		return nil, fmt.Errorf("decode response: bedrock returned invalid JSON")
	}

	return json.RawMessage(output.Body), nil
}
