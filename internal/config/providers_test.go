package config

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ SecretProvider = (*SSMProvider)(nil)
	_ SecretProvider = (*EnvVarProvider)(nil)
)

// mockSSMClient returns every requested name as "value-of-<name>" unless the
// name is listed in invalid.
type mockSSMClient struct {
	batches [][]string
	invalid map[string]bool
	err     error
}

func (m *mockSSMClient) GetParameters(_ context.Context, in *ssm.GetParametersInput, _ ...func(*ssm.Options)) (*ssm.GetParametersOutput, error) {
	m.batches = append(m.batches, in.Names)
	if m.err != nil {
		return nil, m.err
	}
	out := &ssm.GetParametersOutput{}
	for _, name := range in.Names {
		if m.invalid[name] {
			out.InvalidParameters = append(out.InvalidParameters, name)
			continue
		}
		out.Parameters = append(out.Parameters, ssmtypes.Parameter{
			Name:  aws.String(name),
			Value: aws.String("value-of-" + name),
		})
	}
	return out, nil
}

func TestSSMProvider_Batches(t *testing.T) {
	client := &mockSSMClient{}
	p := newSSMProviderWithClient("eu-central-1", client)

	keys := make([]string, 23)
	for i := range keys {
		keys[i] = fmt.Sprintf("/prod/stockmeter/p%d", i)
	}

	got, err := p.GetParametersBatch(context.Background(), keys)
	require.NoError(t, err)
	assert.Len(t, got, 23)
	assert.Equal(t, "value-of-/prod/stockmeter/p22", got["/prod/stockmeter/p22"])

	require.Len(t, client.batches, 3)
	assert.Len(t, client.batches[0], 10)
	assert.Len(t, client.batches[2], 3)
}

func TestSSMProvider_Errors(t *testing.T) {
	t.Run("invalid parameter", func(t *testing.T) {
		client := &mockSSMClient{invalid: map[string]bool{"/prod/missing": true}}
		p := newSSMProviderWithClient("eu-central-1", client)

		_, err := p.GetParametersBatch(context.Background(), []string{"/prod/ok", "/prod/missing"})
		assert.ErrorContains(t, err, "/prod/missing")
	})

	t.Run("api error", func(t *testing.T) {
		p := newSSMProviderWithClient("eu-central-1", &mockSSMClient{err: errors.New("AccessDenied")})

		_, err := p.GetParametersBatch(context.Background(), []string{"/prod/a"})
		assert.ErrorContains(t, err, "AccessDenied")
	})

	t.Run("cancelled context", func(t *testing.T) {
		client := &mockSSMClient{}
		p := newSSMProviderWithClient("eu-central-1", client)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := p.GetParametersBatch(ctx, []string{"/prod/a"})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Empty(t, client.batches)
	})

	t.Run("no keys skips client", func(t *testing.T) {
		p := NewSSMProvider("eu-central-1", WithSSMEndpoint("http://localhost:4566"))
		got, err := p.GetParametersBatch(context.Background(), nil)
		require.NoError(t, err)
		assert.Empty(t, got)
		assert.Equal(t, "http://localhost:4566", p.endpoint)
	})
}

func TestEnvVarProvider(t *testing.T) {
	t.Setenv("STOCKMETER_TEST_DIRECT", "direct")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_local")

	got, err := NewEnvVarProvider().GetParametersBatch(context.Background(), []string{
		"STOCKMETER_TEST_DIRECT",
		"/local/stockmeter/stripe-webhook-secret",
		"/local/stockmeter/not-set-anywhere",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"STOCKMETER_TEST_DIRECT":                  "direct",
		"/local/stockmeter/stripe-webhook-secret": "whsec_local",
	}, got)
}
