package worldbook

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/airp2/storyforge/internal/domain"
	"github.com/airp2/storyforge/internal/modelclient"
)

// insufficientEvidenceReply is the single fixed fallback message returned
// whenever no citation survives retrieval, regardless of detected intent.
const insufficientEvidenceReply = "未检索到明确证据，请补充人物、地点或章节范围后重试。"

const groundingSystemPrompt = "你是角色扮演剧情助手。\n" +
	"规则：\n" +
	"1) 只能基于给定 worldbook_context 里的 facts 和 character_state 回答。\n" +
	"2) 不得编造未在证据中出现的事实。\n" +
	"3) 重要断言必须引用来源。\n" +
	"4) 若证据不足，直接说明证据不足，并提出需要补充的信息。"

// ChatCaller is the subset of *modelclient.Client the grounded responder
// needs, narrowed so it can be exercised with a fake in tests.
type ChatCaller interface {
	Call(ctx context.Context, prompt string, opts modelclient.CallOpts) (string, error)
}

// Responder composes the grounded system/user prompt, calls the chat
// model, and enforces the citation-grounded contract on its reply.
type Responder struct {
	Chat  ChatCaller
	Model string
}

// HasEnoughEvidence reports whether at least one citation exists.
func HasEnoughEvidence(citations []domain.Citation) bool {
	return len(citations) > 0
}

// InsufficientEvidenceReply is the fixed reply emitted when HasEnoughEvidence
// is false, independent of the detected intent.
func InsufficientEvidenceReply() string {
	return insufficientEvidenceReply
}

// BuildGroundingSystemPrompt returns the system prompt enforcing
// citation-grounded, no-fabrication response behavior.
func BuildGroundingSystemPrompt() string {
	return groundingSystemPrompt
}

// ComposeGroundingPrompt composes the user prompt embedding the worldbook
// context JSON and the raw player message.
func ComposeGroundingPrompt(userMessage string, ctx domain.WorldbookContext) string {
	raw, _ := json.Marshal(ctx)
	return "以下是检索到的 worldbook_context（JSON）：\n" +
		string(raw) + "\n\n" +
		"请根据以上信息回复玩家，并在末尾附上 citations 数组中的关键来源。\n" +
		"玩家消息：" + userMessage
}

// AppendCitationFooter attaches a compact footer listing up to three
// citations if the reply doesn't already mention sources.
func AppendCitationFooter(reply string, citations []domain.Citation) string {
	if len(citations) == 0 {
		return reply
	}
	if strings.Contains(reply, "参考来源") || strings.Contains(strings.ToLower(reply), "citation") {
		return reply
	}

	limit := citations
	if len(limit) > 3 {
		limit = limit[:3]
	}
	lines := make([]string, 0, len(limit))
	for _, c := range limit {
		chapter := c.Chapter
		if chapter == "" {
			chapter = "unknown"
		}
		if c.SceneIndex == nil {
			lines = append(lines, "- "+chapter)
		} else {
			lines = append(lines, "- "+chapter+" / scene "+strconv.Itoa(*c.SceneIndex))
		}
	}
	return reply + "\n\n参考来源:\n" + strings.Join(lines, "\n")
}

// Respond produces the final grounded reply for userMessage given the
// built worldbook context and citations. If no citation exists it returns
// the fixed insufficient-evidence message without calling the model. If
// the chat call itself fails, it composes a deterministic fallback from
// up to three facts with their citations instead of surfacing the error.
func (r *Responder) Respond(ctx context.Context, userMessage string, wb domain.WorldbookContext, citations []domain.Citation) string {
	if !HasEnoughEvidence(citations) {
		return InsufficientEvidenceReply()
	}

	prompt := ComposeGroundingPrompt(userMessage, wb)
	reply, err := r.Chat.Call(ctx, prompt, modelclient.CallOpts{Model: r.Model, SystemPrompt: groundingSystemPrompt})
	if err != nil {
		return deterministicFallback(wb, citations)
	}
	return AppendCitationFooter(reply, citations)
}

// deterministicFallback composes up to three facts with source citations
// directly from the worldbook, with no model call, so Respond never
// surfaces a raw upstream error to the caller.
func deterministicFallback(wb domain.WorldbookContext, citations []domain.Citation) string {
	facts := wb.Facts
	if len(facts) > 3 {
		facts = facts[:3]
	}
	var b strings.Builder
	b.WriteString("当前无法生成模型回复，以下是已检索到的相关信息：")
	for _, f := range facts {
		b.WriteString(fmt.Sprintf("\n- %s", f.FactText))
	}
	return AppendCitationFooter(b.String(), citations)
}
