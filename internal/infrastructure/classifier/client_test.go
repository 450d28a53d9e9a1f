package classifier

import (
	"context"
	"testing"
	"time"

	"github.com/modelmux/modelmux/internal/domain/chat"
	"github.com/modelmux/modelmux/internal/infrastructure/llm"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestTransient(t *testing.T) {
	require.True(t, transient(status.Error(codes.Unavailable, "down")))
	require.True(t, transient(status.Error(codes.DeadlineExceeded, "slow")))
	require.False(t, transient(status.Error(codes.InvalidArgument, "bad")))
	require.False(t, transient(status.Error(codes.Internal, "boom")))
}

func TestBackoff_CappedWithJitter(t *testing.T) {
	for n := 0; n < 10; n++ {
		d := backoff(n)
		require.Greater(t, d, time.Duration(0))
		require.LessOrEqual(t, d, backoffCap)
	}
	// First retry: 2^0*500ms plus up to 200ms jitter.
	d := backoff(0)
	require.GreaterOrEqual(t, d, 500*time.Millisecond)
	require.Less(t, d, 700*time.Millisecond+time.Millisecond)
	// Second retry doubles the base.
	d = backoff(1)
	require.GreaterOrEqual(t, d, time.Second)
	require.Less(t, d, 1200*time.Millisecond+time.Millisecond)
}

func TestBuildModelList_FlattensAndSkipsMissingIDs(t *testing.T) {
	info := map[string]llm.ProviderInfo{
		"openai": {
			DefaultModel: "gpt-4o",
			Models: []chat.ModelInfo{
				{ID: "gpt-4o", Name: "GPT-4o", TokenLimit: 128000,
					Features: chat.Features{Streaming: true, Vision: true, Tools: true, JSON: true}},
				{ID: "", Name: "broken entry"},
			},
		},
		"anthropic": {
			DefaultModel: "claude-sonnet",
			Models: []chat.ModelInfo{
				{ID: "claude-sonnet", Name: "Claude Sonnet", TokenLimit: 200000,
					Metadata: map[string]any{"tier": "pro", "rank": 1, "tags": []string{"fast"}}},
			},
		},
	}

	list := BuildModelList(info, "openai", "gpt-4o", zap.NewNop())
	require.Equal(t, "openai", list.DefaultProvider)
	require.Equal(t, "gpt-4o", list.DefaultModel)
	require.Len(t, list.Models, 2)

	byID := map[string]Model{}
	for _, m := range list.Models {
		byID[m.ID] = m
	}

	g := byID["gpt-4o"]
	require.Equal(t, "openai", g.Provider)
	require.Equal(t, int32(128000), g.ContextSize)
	require.True(t, g.IsDefault)
	require.True(t, g.IsMultimodal)
	require.Contains(t, g.Capabilities, "streaming")
	require.Contains(t, g.Capabilities, "vision")

	c := byID["claude-sonnet"]
	require.Equal(t, "pro", c.Metadata["tier"])
	require.Equal(t, "1", c.Metadata["rank"])
	require.Equal(t, `["fast"]`, c.Metadata["tags"])
}

func TestCriteriaEmpty(t *testing.T) {
	require.True(t, (&ClassificationCriteria{}).Empty())
	require.False(t, (&ClassificationCriteria{Properties: []string{"family"}}).Empty())
	require.False(t, (&ClassificationCriteria{Hierarchical: true}).Empty())
	require.False(t, (&ClassificationCriteria{MinContextSize: 8192}).Empty())
}

func TestDisabledClientRefusesCalls(t *testing.T) {
	c, err := NewClient(Config{Enabled: false}, zap.NewNop())
	require.NoError(t, err)
	require.False(t, c.Enabled())

	_, err = c.ClassifyModels(context.Background(), &LoadedModelList{})
	require.Error(t, err)
}

func TestJSONCodecRoundTrip(t *testing.T) {
	in := &ClassifiedModelResponse{
		AvailableProperties: []string{"family", "series"},
		ClassifiedGroups: []ClassifiedModelGroup{
			{PropertyName: "family", PropertyValue: "gpt", Models: []Model{{ID: "gpt-4o"}}},
		},
	}

	codec := jsonCodec{}
	b, err := codec.Marshal(in)
	require.NoError(t, err)

	out := &ClassifiedModelResponse{}
	require.NoError(t, codec.Unmarshal(b, out))
	require.Equal(t, in, out)
}
