package content

import (
	"context"
	"fmt"
	"strings"

	"github.com/storyfab/storyfab/orchestrator/llm"
)

// ExtractShorts asks the fabric (at low priority) for short-form hook
// candidates drawn from the script, validated down to at most MaxHooks.
func ExtractShorts(ctx context.Context, fabric *llm.Fabric, projectID, model string, script *Script) ([]Hook, error) {
	result, err := fabric.Generate(ctx, llm.GenerateRequest{
		ProjectID:      projectID,
		Prompt:         shortsPrompt(script),
		Priority:       llm.PriorityLow,
		PreferredModel: model,
	})
	if err != nil {
		return nil, err
	}
	return ParseHooks(result.Text)
}

func shortsPrompt(script *Script) string {
	var b strings.Builder
	b.WriteString("From this video script, pick the strongest openers for short-form clips.\n\n")
	for _, seg := range script.Segments {
		fmt.Fprintf(&b, "[%s] %s\n", seg.Timestamp, seg.Voiceover)
	}
	fmt.Fprintf(&b, `
Return JSON: {"hooks":[{"text":...,"emotional_trigger":...,"cta":...}]}.
At most %d hooks. "text" max %d chars. "emotional_trigger" one of: %s.
Every hook needs a call-to-action in "cta".`,
		MaxHooks, MaxHookTextLen, strings.Join(EmotionalTriggers, ", "))
	return b.String()
}
