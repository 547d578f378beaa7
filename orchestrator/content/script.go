package content

import (
	"context"
	"fmt"
	"strings"

	"github.com/storyfab/storyfab/orchestrator/llm"
)

// GenerateScript turns a source document into a validated, timestamped
// video script in the document's language. Uses the project's preferred
// model so degraded projects stay on their fallback.
func GenerateScript(ctx context.Context, fabric *llm.Fabric, projectID, model, language, document string) (*Script, error) {
	result, err := fabric.Generate(ctx, llm.GenerateRequest{
		ProjectID:      projectID,
		Prompt:         scriptPrompt(language, document),
		Priority:       llm.PriorityHigh,
		PreferredModel: model,
	})
	if err != nil {
		return nil, err
	}
	script, err := ParseScript(result.Text)
	if err != nil {
		return nil, err
	}
	script.Language = language
	return script, nil
}

func scriptPrompt(language, document string) string {
	var b strings.Builder
	langName := "English"
	if language == "zh" {
		langName = "Chinese"
	}
	fmt.Fprintf(&b, "Write a video script in %s for the document below.\n\n", langName)
	fmt.Fprintf(&b, "Document:\n%s\n\n", document)
	fmt.Fprintf(&b, `Return JSON: {"title":"...","summary":"...","segments":[...]} where
each segment has "timestamp" (HH:MM), "voiceover", "visual_hint" (one of:
%s) and "estimated_duration_seconds" (> 0).`, strings.Join(VisualHints, ", "))
	return b.String()
}

// GenerateAudioScripts produces one narration script per target language.
// The source language reuses the script voiceover verbatim; other
// languages go through the fabric at low priority.
func GenerateAudioScripts(ctx context.Context, fabric *llm.Fabric, projectID, model string, script *Script, languages []string) (map[string]string, error) {
	native := voiceoverText(script)
	out := make(map[string]string, len(languages))
	for _, lang := range languages {
		if lang == script.Language {
			out[lang] = native
			continue
		}
		result, err := fabric.Generate(ctx, llm.GenerateRequest{
			ProjectID:      projectID,
			Prompt:         audioScriptPrompt(lang, native),
			Priority:       llm.PriorityLow,
			PreferredModel: model,
		})
		if err != nil {
			return nil, fmt.Errorf("audio script for %s: %w", lang, err)
		}
		out[lang] = strings.TrimSpace(result.Text)
	}
	return out, nil
}

func voiceoverText(script *Script) string {
	parts := make([]string, 0, len(script.Segments))
	for _, seg := range script.Segments {
		parts = append(parts, seg.Voiceover)
	}
	return strings.Join(parts, "\n")
}

func audioScriptPrompt(language, voiceover string) string {
	langName := "English"
	if language == "zh" {
		langName = "Chinese"
	}
	return fmt.Sprintf(`Translate this narration into natural spoken %s,
keeping line breaks between segments. Return only the narration text.

%s`, langName, voiceover)
}
