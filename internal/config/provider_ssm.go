package config

import (
	"context"
	"fmt"
	"slices"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmMaxBatchSize is the GetParameters per-call limit.
const ssmMaxBatchSize = 10

type ssmClient interface {
	GetParameters(ctx context.Context, params *ssm.GetParametersInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersOutput, error)
}

// SSMProvider resolves SecureString parameters from SSM Parameter Store.
// The client is built on first use so cold starts that need no secrets
// skip loading AWS configuration.
type SSMProvider struct {
	region string
	client ssmClient
}

// NewSSMProvider creates an SSMProvider for region.
func NewSSMProvider(region string) *SSMProvider {
	return &SSMProvider{region: region}
}

func newSSMProviderWithClient(region string, client ssmClient) *SSMProvider {
	return &SSMProvider{region: region, client: client}
}

func (p *SSMProvider) getClient(ctx context.Context) (ssmClient, error) {
	if p.client == nil {
		cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(p.region))
		if err != nil {
			return nil, fmt.Errorf("loading AWS config for SSM (region=%s): %w", p.region, err)
		}
		p.client = ssm.NewFromConfig(cfg)
	}
	return p.client, nil
}

// GetParametersBatch decrypts keys in chunks of ten. Any unknown parameter
// fails the call after every chunk has been read, naming all of them.
func (p *SSMProvider) GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error) {
	result := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return result, nil
	}

	client, err := p.getClient(ctx)
	if err != nil {
		return nil, err
	}

	var invalid []string
	for batch := range slices.Chunk(keys, ssmMaxBatchSize) {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("SSM parameter retrieval cancelled: %w", err)
		}

		out, err := client.GetParameters(ctx, &ssm.GetParametersInput{
			Names:          batch,
			WithDecryption: aws.Bool(true),
		})
		if err != nil {
			return nil, fmt.Errorf("SSM GetParameters failed for %d of %d keys: %w", len(batch), len(keys), err)
		}

		for _, param := range out.Parameters {
			result[aws.ToString(param.Name)] = aws.ToString(param.Value)
		}
		invalid = append(invalid, out.InvalidParameters...)
	}

	if len(invalid) > 0 {
		return nil, fmt.Errorf("SSM parameters not found: %v", invalid)
	}
	return result, nil
}
