package labeler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
)

const labelInstructions = `You analyze clusters of social-media posts about a monitored topic.
Given a sample of posts from one cluster, produce a short thematic label (at
most six words), a ranked keyword list, the aggregate sentiment of the posts
from -1 to 1, a coherence score from 0 to 1 for how semantically unified the
cluster is, and one or two sentences of reasoning. Answer in the language the
posts are written in.`

var labelSchema = generateSchema[LabelResponse]()

// OpenAIGenerator labels clusters via the OpenAI Responses API with strict
// structured output.
type OpenAIGenerator struct {
	client  openai.Client
	model   string
	timeout time.Duration
}

// NewOpenAIGenerator creates a generator using the given API key and model.
func NewOpenAIGenerator(apiKey, model string, timeout time.Duration) *OpenAIGenerator {
	return &OpenAIGenerator{
		client:  openai.NewClient(option.WithAPIKey(apiKey)),
		model:   model,
		timeout: timeout,
	}
}

// GenerateLabel requests a structured label for one cluster.
func (g *OpenAIGenerator) GenerateLabel(ctx context.Context, sample ClusterSample, zoneContext string) (*LabelResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := responses.ResponseNewParams{
		Model:           g.model,
		MaxOutputTokens: openai.Int(800),
		Instructions:    openai.String(labelInstructions),
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: []responses.ResponseInputItemUnionParam{
				responses.ResponseInputItemParamOfMessage(buildPrompt(sample, zoneContext), responses.EasyInputMessageRoleUser),
			},
		},
		Text: responses.ResponseTextConfigParam{
			Format: responses.ResponseFormatTextConfigUnionParam{
				OfJSONSchema: &responses.ResponseFormatTextJSONSchemaConfigParam{
					Name:        "ClusterLabel",
					Schema:      labelSchema,
					Strict:      openai.Bool(true),
					Description: openai.String("Cluster label JSON"),
					Type:        "json_schema",
				},
			},
		},
	}

	resp, err := callWithRetry(ctx, &g.client, params)
	if err != nil {
		return nil, err
	}

	var out LabelResponse
	if err := json.Unmarshal([]byte(resp.OutputText()), &out); err != nil {
		return nil, fmt.Errorf("unmarshal label response: %w", err)
	}
	out.Label = strings.TrimSpace(out.Label)
	return &out, nil
}

func buildPrompt(sample ClusterSample, zoneContext string) string {
	var b strings.Builder
	if zoneContext != "" {
		fmt.Fprintf(&b, "Topic context: %s\n\n", zoneContext)
	}
	fmt.Fprintf(&b, "Cluster of %d posts. Sample:\n", sample.Size)
	for i, text := range sample.Texts {
		fmt.Fprintf(&b, "%d. %s\n", i+1, text)
	}
	return b.String()
}

// callWithRetry retries rate-limit and server errors with fixed backoff.
// Retries stay within this call; a final failure is isolated to the cluster
// being labeled.
func callWithRetry(ctx context.Context, client *openai.Client, params responses.ResponseNewParams) (*responses.Response, error) {
	const maxRetries = 3
	waits := []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		resp, err := client.Responses.New(ctx, params)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isRetryable(err) || attempt == maxRetries-1 {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(waits[attempt]):
		}
	}
	return nil, fmt.Errorf("label call failed after %d attempts: %w", maxRetries, lastErr)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "server_error")
}
