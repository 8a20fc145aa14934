package embedder

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/ignite/inbox-intel/internal/config"
)

const defaultTitanModel = "amazon.titan-embed-text-v2:0"

type titanRequest struct {
	InputText string `json:"inputText"`
}

type titanResponse struct {
	Embedding []float32 `json:"embedding"`
}

// titanEncoder embeds through Amazon Titan. The model takes one text per
// invocation, so batches invoke sequentially.
type titanEncoder struct {
	client *bedrockruntime.Client
	model  string
}

func newTitanEncoder(llm config.LLMConfig, model string) (*titanEncoder, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(llm.AWSRegion),
	}
	if llm.AWSAccessKeyID != "" && llm.AWSSecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(llm.AWSAccessKeyID, llm.AWSSecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if model == "" {
		model = defaultTitanModel
	}
	return &titanEncoder{
		client: bedrockruntime.NewFromConfig(awsCfg),
		model:  model,
	}, nil
}

func (e *titanEncoder) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		v, err := e.encodeOne(ctx, text)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (e *titanEncoder) encodeOne(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(titanRequest{InputText: text})
	if err != nil {
		return nil, fmt.Errorf("marshal titan request: %w", err)
	}
	output, err := e.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(e.model),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, fmt.Errorf("invoke titan: %w", err)
	}
	var resp titanResponse
	if err := json.Unmarshal(output.Body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal titan response: %w", err)
	}
	if len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("titan returned an empty embedding")
	}
	return resp.Embedding, nil
}

func (e *titanEncoder) Dimensions(ctx context.Context) (int, error) {
	v, err := e.encodeOne(ctx, "dimension probe")
	if err != nil {
		return 0, err
	}
	return len(v), nil
}
