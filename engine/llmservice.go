package engine

import (
	"context"

	"github.com/dshills/dipeo-engine/engine/model"
)

// LlmService is the handler-facing collaborator spec.md §6 leaves opaque
// ("LlmService, PromptBuilder, ExecutionOrchestrator (opaque to this
// spec)"). This package gives it one concrete shape — a thin wrapper over
// model.ChatModel — so a diagram's person_job / LLM nodes have something
// real to register under LlmServiceKey; the node's own prompt-building and
// conversation bookkeeping stay out of scope here, same as every other
// concrete handler body.
type LlmService interface {
	Complete(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error)
}

// chatModelService adapts a model.ChatModel to LlmService. Providers
// (anthropic, openai, google) each satisfy model.ChatModel directly and can
// be wrapped here without further change.
type chatModelService struct {
	model model.ChatModel
}

// NewLlmService wraps m for registration under LlmServiceKey.
func NewLlmService(m model.ChatModel) LlmService {
	return &chatModelService{model: m}
}

func (s *chatModelService) Complete(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	return s.model.Chat(ctx, messages, tools)
}
