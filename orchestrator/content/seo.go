package content

import (
	"context"
	"fmt"
	"strings"

	"github.com/storyfab/storyfab/orchestrator/llm"
)

// GenerateSEO produces validated multi-region metadata for a document.
// The caller supplies hot and established keywords from the trend store;
// established ones are guaranteed into the keyword list.
func GenerateSEO(ctx context.Context, fabric *llm.Fabric, projectID, model, topic, summary string, hot, established []string) (*SEOPackage, error) {
	prompt := seoPrompt(topic, summary, hot, established)
	result, err := fabric.Generate(ctx, llm.GenerateRequest{
		ProjectID:      projectID,
		Prompt:         prompt,
		Priority:       llm.PriorityMedium,
		PreferredModel: model,
	})
	if err != nil {
		return nil, err
	}

	pkg, err := ParseSEO(result.Text)
	if err != nil {
		return nil, err
	}
	pkg.Keywords = mergeKeywords(pkg.Keywords, established)
	return pkg, nil
}

func seoPrompt(topic, summary string, hot, established []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Produce SEO metadata for a video about: %s\n\n", topic)
	fmt.Fprintf(&b, "Summary:\n%s\n\n", summary)
	if len(established) > 0 {
		fmt.Fprintf(&b, "Weave in these proven keywords: %s\n", strings.Join(established, ", "))
	}
	if len(hot) > 0 {
		fmt.Fprintf(&b, "Currently trending: %s\n", strings.Join(hot, ", "))
	}
	fmt.Fprintf(&b, `
Return JSON: {"regions":{"us":{...},"eu":{...},"asia":{...}}} where each
region has "title" (max %d chars), "description" (max %d chars) and "tags"
(max %d entries).`, MaxTitleLen, MaxDescriptionLen, MaxTags)
	return b.String()
}

func mergeKeywords(existing, established []string) []string {
	seen := make(map[string]bool, len(existing))
	out := existing
	for _, kw := range existing {
		seen[kw] = true
	}
	for _, kw := range established {
		if !seen[kw] {
			out = append(out, kw)
			seen[kw] = true
		}
	}
	return out
}
