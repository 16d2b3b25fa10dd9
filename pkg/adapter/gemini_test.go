package adapter_test

import (
	"context"
	"os"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/kioku/pkg/adapter"
)

func setupGemini(t *testing.T) *adapter.GeminiClient {
	projectID := os.Getenv("TEST_GEMINI_PROJECT")
	if projectID == "" {
		t.Skip("TEST_GEMINI_PROJECT is not set")
	}

	client, err := adapter.NewGemini(context.Background(), projectID, "us-central1",
		adapter.WithDimensions(768),
	)
	gt.NoError(t, err)
	return client
}

func TestGeminiEmbed(t *testing.T) {
	client := setupGemini(t)
	ctx := context.Background()

	results, err := client.Embed(ctx, []string{
		"user drinks oat milk lattes",
		"the meeting moved to Thursday",
	})
	gt.NoError(t, err)
	gt.A(t, results).Length(2)
	for _, res := range results {
		gt.NoError(t, res.Err)
		gt.A(t, res.Vector).Length(768)
	}
}

func TestGeminiEmbedRejectsEmptyText(t *testing.T) {
	client := setupGemini(t)
	ctx := context.Background()

	results, err := client.Embed(ctx, []string{"", "a valid statement"})
	gt.NoError(t, err)
	gt.A(t, results).Length(2)
	gt.Error(t, results[0].Err)
	gt.NoError(t, results[1].Err)
}

func TestGeminiEmbedCaches(t *testing.T) {
	client := setupGemini(t)
	ctx := context.Background()

	first, err := client.Embed(ctx, []string{"cache me if you can"})
	gt.NoError(t, err)

	second, err := client.Embed(ctx, []string{"cache me if you can"})
	gt.NoError(t, err)

	gt.A(t, second[0].Vector).Length(len(first[0].Vector))
	for i := range first[0].Vector {
		gt.Equal(t, first[0].Vector[i], second[0].Vector[i])
	}
}
