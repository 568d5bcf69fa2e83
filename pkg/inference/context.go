package inference

import "context"

type generationMetaContextKey string

const (
	conversationIDContextKey generationMetaContextKey = "conversation_id"
	inferenceIDContextKey    generationMetaContextKey = "inference_id"
)

// WithGenerationMeta stores conversation and inference identifiers in context
// so engines and their logging can correlate work for a single generation.
func WithGenerationMeta(ctx context.Context, conversationID, inferenceID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if conversationID != "" {
		ctx = context.WithValue(ctx, conversationIDContextKey, conversationID)
	}
	if inferenceID != "" {
		ctx = context.WithValue(ctx, inferenceIDContextKey, inferenceID)
	}
	return ctx
}

// ConversationIDFromContext returns the conversation identifier attached with
// WithGenerationMeta, or "" when unavailable.
func ConversationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(conversationIDContextKey).(string)
	return id
}

// InferenceIDFromContext returns the inference identifier attached with
// WithGenerationMeta, or "" when unavailable.
func InferenceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(inferenceIDContextKey).(string)
	return id
}
