package config

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmMaxBatchSize is the SSM GetParameters limit per API call.
const ssmMaxBatchSize = 10

// ssmClient is the subset of the SSM SDK used by SSMProvider, extracted so
// tests can inject a mock.
type ssmClient interface {
	GetParameters(ctx context.Context, params *ssm.GetParametersInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersOutput, error)
}

// SSMProvider resolves *_SSM_PARAM config bindings from AWS Systems Manager
// Parameter Store. It is the SecretProvider for every environment except
// local, where secrets live under /{env}/mentormail/ as SecureString
// parameters written by the bootstrap CLI.
//
// Parameters are fetched in decrypted batches of ssmMaxBatchSize, and the
// context is consulted between batches so a Lambda nearing its deadline
// fails fast instead of burning the remaining time on API calls.
type SSMProvider struct {
	// region must match where the parameters live; cross-region reads are
	// not supported.
	region string

	// client is created lazily from the default AWS config unless a test
	// injected one.
	client ssmClient
}

// NewSSMProvider creates an SSMProvider reading from the given AWS region.
func NewSSMProvider(region string) *SSMProvider {
	return &SSMProvider{region: region}
}

// newSSMProviderWithClient injects a pre-built client. Test seam.
func newSSMProviderWithClient(region string, client ssmClient) *SSMProvider {
	return &SSMProvider{region: region, client: client}
}

// ensureClient builds the real SSM client on first use.
func (p *SSMProvider) ensureClient(ctx context.Context) error {
	if p.client != nil {
		return nil
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(p.region),
	)
	if err != nil {
		return fmt.Errorf("config: loading AWS config for SSM (region=%s): %w", p.region, err)
	}

	p.client = ssm.NewFromConfig(cfg)
	return nil
}

// GetParametersBatch resolves the given SSM parameter paths to their
// decrypted values. Every requested path must exist: SSM reports unknown
// names as invalid parameters, and any invalid name fails the whole call,
// since a missing secret means the service cannot start correctly anyway.
func (p *SSMProvider) GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error) {
	values := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return values, nil
	}

	if err := p.ensureClient(ctx); err != nil {
		return nil, err
	}

	for start := 0; start < len(keys); start += ssmMaxBatchSize {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("config: SSM parameter retrieval interrupted: %w", err)
		}

		end := min(start+ssmMaxBatchSize, len(keys))
		batch := keys[start:end]

		out, err := p.client.GetParameters(ctx, &ssm.GetParametersInput{
			Names:          batch,
			WithDecryption: aws.Bool(true),
		})
		if err != nil {
			return nil, fmt.Errorf("config: SSM GetParameters failed for %d of %d keys: %w",
				len(batch), len(keys), err)
		}

		if len(out.InvalidParameters) > 0 {
			return nil, fmt.Errorf("config: SSM parameters missing: %v", out.InvalidParameters)
		}

		for _, param := range out.Parameters {
			if param.Name == nil || param.Value == nil {
				continue
			}
			values[*param.Name] = *param.Value
		}
	}

	return values, nil
}
