package delivery

import (
	"fmt"
	"regexp"
	"strings"

	"reviewstream/internal/stream"
)

// statusMarker is embedded in every status comment body so "the" status
// comment can be re-discovered idempotently across restarts.
const statusMarker = "<!-- reviewstream:status -->"

var (
	metadataLineRe   = regexp.MustCompile(`(?m)^\s*(File|Line_Start|Line_End|Severity|Confidence)\s*:.*\n?`)
	lineAnnotationRe = regexp.MustCompile(`(?m)^\s*\d+\s*\|\s?`)
)

// renderSuggestionBody builds the review-comment markdown for a
// suggestion: the segment prose with the internal metadata header and
// line-number annotations stripped, normalized spacing around collapsible
// blocks and tables, and the replacement code re-attached as a suggestion
// fence.
func renderSuggestionBody(s *stream.Suggestion) string {
	body := metadataLineRe.ReplaceAllString(s.Raw, "")
	body = dropFencedBlocks(body)
	body = normalizeMarkdownSpacing(body)
	body = strings.TrimSpace(body)

	var b strings.Builder
	b.WriteString(body)
	if s.Replacement != "" {
		code := lineAnnotationRe.ReplaceAllString(s.Replacement, "")
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("```suggestion\n")
		b.WriteString(strings.TrimRight(code, "\n"))
		b.WriteString("\n```")
	}
	if s.Severity != stream.SeverityNone {
		b.WriteString(fmt.Sprintf("\n\n*Severity: %s*", s.Severity))
	}
	return b.String()
}

// dropFencedBlocks removes fenced code blocks from the prose; the
// replacement code is re-attached separately as a suggestion fence.
func dropFencedBlocks(body string) string {
	var out []string
	inBlock := false
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inBlock = !inBlock
			continue
		}
		if !inBlock {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

// normalizeMarkdownSpacing re-inserts the blank lines the streamed format
// squeezes out: collapsible blocks and tables render wrong when glued to
// adjacent prose.
func normalizeMarkdownSpacing(body string) string {
	lines := strings.Split(body, "\n")
	var out []string
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		needsGap := strings.HasPrefix(trimmed, "<details") ||
			strings.HasPrefix(trimmed, "</details") ||
			(strings.HasPrefix(trimmed, "|") && i > 0 && !strings.HasPrefix(strings.TrimSpace(lines[i-1]), "|"))
		if needsGap && len(out) > 0 && strings.TrimSpace(out[len(out)-1]) != "" {
			out = append(out, "")
		}
		out = append(out, line)
		if strings.HasPrefix(trimmed, "</summary>") || strings.HasSuffix(trimmed, "</summary>") {
			out = append(out, "")
		}
	}
	return strings.Join(out, "\n")
}

// IsSummarySegment reports whether a segment carries the run summary the
// agent emits at the end of a review. Summaries arrive as plain text, so
// callers that route only non-text segments must check this separately.
func IsSummarySegment(seg stream.Segment) bool {
	return strings.HasPrefix(strings.TrimSpace(seg.Content), "Summary by")
}

func renderSummaryBody(content string) string {
	return statusMarker + "\n\n" + strings.TrimSpace(content)
}

func renderStartedBody(commitCount int, files, ignoredFiles []string) string {
	var b strings.Builder
	b.WriteString(statusMarker)
	b.WriteString("\n\n## Review started\n\n")
	b.WriteString(fmt.Sprintf("Analyzing %d commit(s) across %d file(s).\n", commitCount, len(files)))
	if len(files) > 0 {
		b.WriteString("\n<details>\n<summary>Files under review</summary>\n\n")
		for _, f := range files {
			b.WriteString("- `" + f + "`\n")
		}
		b.WriteString("\n</details>\n")
	}
	if len(ignoredFiles) > 0 {
		b.WriteString("\n<details>\n<summary>Ignored files</summary>\n\n")
		for _, f := range ignoredFiles {
			b.WriteString("- `" + f + "`\n")
		}
		b.WriteString("\n</details>\n")
	}
	return b.String()
}

func renderDailyLimitBody(message string) string {
	msg := strings.TrimSpace(message)
	if msg == "" {
		msg = "The daily review quota for this repository has been reached. The review will not run."
	}
	return statusMarker + "\n\n## Review skipped\n\n" + msg
}

func renderBotAuthorBody() string {
	return statusMarker + "\n\n## Review skipped\n\nThis change was authored by a bot; automated review is skipped for bot-authored changes."
}
