package raptor

import (
	"context"
	"fmt"
	"strings"

	applog "treeweave/internal/platform/log"
	"treeweave/internal/provider"
)

const summarySystemPrompt = `你是知识库摘要助手。请将给定的多段文本压缩为一段简洁的摘要，保留关键事实、实体和数值，不要添加原文没有的信息。摘要使用与原文相同的语言。`

// LLMSummarizer 基于 LLM Provider 的摘要策略
type LLMSummarizer struct {
	providerName string
	model        string
	maxTokens    int
	maxInputLen  int // 输入文本总长上限（rune），超出截断
}

// NewLLMSummarizer 创建 LLM 摘要器
func NewLLMSummarizer(providerName, model string) *LLMSummarizer {
	return &LLMSummarizer{
		providerName: providerName,
		model:        model,
		maxTokens:    500,
		maxInputLen:  8000,
	}
}

// Summarize 将一簇文本摘要为一段
func (s *LLMSummarizer) Summarize(ctx context.Context, texts []string) (string, error) {
	if len(texts) == 0 {
		return "", fmt.Errorf("no texts to summarize")
	}

	p, err := provider.GetProvider(s.providerName)
	if err != nil {
		return "", fmt.Errorf("get llm provider: %w", err)
	}

	var sb strings.Builder
	for i, t := range texts {
		sb.WriteString(fmt.Sprintf("[%d] ", i+1))
		sb.WriteString(strings.TrimSpace(t))
		sb.WriteString("\n\n")
	}
	input := sb.String()
	if runes := []rune(input); len(runes) > s.maxInputLen {
		input = string(runes[:s.maxInputLen])
	}

	resp, err := p.Complete(ctx, &provider.CompletionRequest{
		Model: s.model,
		Messages: []provider.Message{
			{Role: "system", Content: summarySystemPrompt},
			{Role: "user", Content: input},
		},
		Temperature: 0.3,
		MaxTokens:   s.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("llm completion: %w", err)
	}

	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return "", fmt.Errorf("llm returned empty summary")
	}

	applog.Debug("[Raptor/Summarizer] Cluster summarized",
		"texts", len(texts),
		"summary_len", len(summary),
		"tokens", resp.Usage.TotalTokens,
	)

	return summary, nil
}
