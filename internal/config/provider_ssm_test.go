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

type fakeSSMClient struct {
	values  map[string]string
	invalid []string
	err     error
	batches [][]string
}

func (f *fakeSSMClient) GetParameters(_ context.Context, params *ssm.GetParametersInput, _ ...func(*ssm.Options)) (*ssm.GetParametersOutput, error) {
	f.batches = append(f.batches, params.Names)
	if f.err != nil {
		return nil, f.err
	}
	out := &ssm.GetParametersOutput{InvalidParameters: f.invalid}
	for _, name := range params.Names {
		if v, ok := f.values[name]; ok {
			out.Parameters = append(out.Parameters, ssmtypes.Parameter{Name: aws.String(name), Value: aws.String(v)})
		}
	}
	return out, nil
}

func TestSSMProvider_Batches(t *testing.T) {
	client := &fakeSSMClient{values: map[string]string{}}
	keys := make([]string, 23)
	for i := range keys {
		keys[i] = fmt.Sprintf("/prod/lifecycle/key%d", i)
		client.values[keys[i]] = fmt.Sprintf("v%d", i)
	}

	p := newSSMProviderWithClient("us-east-1", client)
	got, err := p.GetParametersBatch(context.Background(), keys)
	require.NoError(t, err)

	assert.Len(t, got, 23)
	require.Len(t, client.batches, 3)
	assert.Len(t, client.batches[0], 10)
	assert.Len(t, client.batches[2], 3)
	assert.Equal(t, "v22", got["/prod/lifecycle/key22"])
}

func TestSSMProvider_EmptyKeys(t *testing.T) {
	p := newSSMProviderWithClient("us-east-1", &fakeSSMClient{})
	got, err := p.GetParametersBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestSSMProvider_InvalidParameters(t *testing.T) {
	client := &fakeSSMClient{invalid: []string{"/prod/lifecycle/missing"}}
	p := newSSMProviderWithClient("us-east-1", client)

	_, err := p.GetParametersBatch(context.Background(), []string{"/prod/lifecycle/missing"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/prod/lifecycle/missing")
}

func TestSSMProvider_ClientError(t *testing.T) {
	client := &fakeSSMClient{err: errors.New("throttled")}
	p := newSSMProviderWithClient("us-east-1", client)

	_, err := p.GetParametersBatch(context.Background(), []string{"/a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "throttled")
}

func TestSSMProvider_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := &fakeSSMClient{}
	p := newSSMProviderWithClient("us-east-1", client)

	_, err := p.GetParametersBatch(ctx, []string{"/a"})
	require.Error(t, err)
	assert.Empty(t, client.batches)
}

func TestEnvVarProvider(t *testing.T) {
	t.Setenv("LIFECYCLE_TEST_SECRET", "s3cret")

	got, err := NewEnvVarProvider().GetParametersBatch(context.Background(), []string{"LIFECYCLE_TEST_SECRET", "LIFECYCLE_TEST_UNSET"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"LIFECYCLE_TEST_SECRET": "s3cret"}, got)
}
