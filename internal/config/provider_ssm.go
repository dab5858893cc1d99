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

// SSMProvider resolves *_SSM_PARAM references from AWS Systems Manager
// Parameter Store, decrypting SecureString values. The SDK client is created
// on first use, so a deployment without SSM references never loads AWS
// credentials.
type SSMProvider struct {
	region string
	client ssmClient
}

// NewSSMProvider creates an SSMProvider for region. An empty region defers to
// the SDK default chain.
func NewSSMProvider(region string) *SSMProvider {
	return &SSMProvider{region: region}
}

func newSSMProviderWithClient(region string, client ssmClient) *SSMProvider {
	return &SSMProvider{region: region, client: client}
}

func (p *SSMProvider) ensureClient(ctx context.Context) error {
	if p.client != nil {
		return nil
	}
	var opts []func(*awsconfig.LoadOptions) error
	if p.region != "" {
		opts = append(opts, awsconfig.WithRegion(p.region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("loading AWS config for SSM (region=%s): %w", p.region, err)
	}
	p.client = ssm.NewFromConfig(cfg)
	return nil
}

// GetParametersBatch fetches keys in batches of ten. Any parameter SSM
// reports as invalid fails the whole call.
func (p *SSMProvider) GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error) {
	result := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return result, nil
	}
	if err := p.ensureClient(ctx); err != nil {
		return nil, err
	}

	for batch := range slices.Chunk(keys, ssmMaxBatchSize) {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("context cancelled during SSM parameter retrieval: %w", err)
		}

		output, err := p.client.GetParameters(ctx, &ssm.GetParametersInput{
			Names:          batch,
			WithDecryption: aws.Bool(true),
		})
		if err != nil {
			return nil, fmt.Errorf("SSM GetParameters failed for %d parameters: %w", len(batch), err)
		}
		if len(output.InvalidParameters) > 0 {
			return nil, fmt.Errorf("SSM parameters not found: %v", output.InvalidParameters)
		}
		for _, param := range output.Parameters {
			if param.Name != nil && param.Value != nil {
				result[*param.Name] = *param.Value
			}
		}
	}
	return result, nil
}
