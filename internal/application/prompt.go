package application

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ericfisherdev/dupescan/internal/domain/model"
	"github.com/ericfisherdev/dupescan/internal/domain/port/driven"
)

// Prompt truncation limits. Bodies dominate prompt size; file path lists are
// capped for verification where both PRs appear in one prompt.
const (
	intentBodyLimit  = 4000
	verifyBodyLimit  = 2000
	verifyPathsLimit = 20
	rankBodyLimit    = 1500
)

const intentSystemPrompt = `You summarize pull requests. Respond with a JSON object of the form {"summary": "..."} and nothing else. The summary is 2-3 sentences describing what the change does and why, written for an engineer triaging duplicates.`

const verifySystemPrompt = `You decide whether two pull requests are duplicates: changes that solve the same problem such that merging one makes the other redundant. Respond with a JSON object of the form {"isDuplicate": bool, "confidence": number, "relationship": "exact_duplicate"|"near_duplicate"|"related"|"unrelated", "rationale": "..."} and nothing else. Confidence is in [0,1].`

const rankSystemPrompt = `You rank duplicate pull requests to pick which one to merge. Judge completeness, code quality signals visible from the description, and scope fit. Respond with a JSON array of the form [{"prNumber": int, "score": number, "rationale": "..."}] covering every PR exactly once, best first, and nothing else.`

// truncate shortens s to at most limit bytes, marking the cut.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "\n[truncated]"
}

func buildIntentPrompt(pr model.PullRequest) driven.ChatRequest {
	var b strings.Builder
	fmt.Fprintf(&b, "PR #%d: %s\n", pr.Number, pr.Title)
	fmt.Fprintf(&b, "Author: %s\n\n", pr.Author)
	fmt.Fprintf(&b, "Description:\n%s\n\n", truncate(pr.Body, intentBodyLimit))
	fmt.Fprintf(&b, "Changed files:\n%s\n", strings.Join(pr.FilePaths, "\n"))

	return driven.ChatRequest{System: intentSystemPrompt, Prompt: b.String()}
}

func buildVerifyPrompt(a, b model.PullRequest) driven.ChatRequest {
	var sb strings.Builder
	sb.WriteString("Are these two pull requests duplicates of each other?\n\n")
	writeVerifyPR(&sb, "First", a)
	sb.WriteString("\n")
	writeVerifyPR(&sb, "Second", b)

	return driven.ChatRequest{System: verifySystemPrompt, Prompt: sb.String()}
}

func writeVerifyPR(sb *strings.Builder, label string, pr model.PullRequest) {
	fmt.Fprintf(sb, "%s PR #%d: %s\n", label, pr.Number, pr.Title)
	fmt.Fprintf(sb, "Author: %s\n", pr.Author)
	if pr.IntentSummary != nil {
		fmt.Fprintf(sb, "Intent: %s\n", *pr.IntentSummary)
	}
	fmt.Fprintf(sb, "Description: %s\n", truncate(pr.Body, verifyBodyLimit))

	paths := pr.FilePaths
	if len(paths) > verifyPathsLimit {
		paths = paths[:verifyPathsLimit]
	}
	fmt.Fprintf(sb, "Files: %s\n", strings.Join(paths, ", "))
}

func buildRankPrompt(prs []model.PullRequest) driven.ChatRequest {
	var sb strings.Builder
	sb.WriteString("These pull requests are duplicates of one another. Rank them as if choosing which to merge.\n\n")
	for _, pr := range prs {
		fmt.Fprintf(&sb, "PR #%d: %s\n", pr.Number, pr.Title)
		fmt.Fprintf(&sb, "Author: %s\n", pr.Author)
		if pr.IntentSummary != nil {
			fmt.Fprintf(&sb, "Intent: %s\n", *pr.IntentSummary)
		}
		fmt.Fprintf(&sb, "Description: %s\n", truncate(pr.Body, rankBodyLimit))
		fmt.Fprintf(&sb, "Files: %s\n\n", strings.Join(pr.FilePaths, ", "))
	}

	return driven.ChatRequest{System: rankSystemPrompt, Prompt: sb.String()}
}

// extractJSON returns the first JSON object or array in the text, tolerating
// markdown fences and surrounding prose.
func extractJSON(text string) (string, error) {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if i := strings.LastIndex(text, "```"); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
	}

	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return "", fmt.Errorf("no JSON found in response")
	}

	closer := byte('}')
	if text[start] == '[' {
		closer = ']'
	}

	end := strings.LastIndexByte(text, closer)
	if end <= start {
		return "", fmt.Errorf("unterminated JSON in response")
	}

	return text[start : end+1], nil
}

func parseIntentResponse(content string) (string, error) {
	raw, err := extractJSON(content)
	if err != nil {
		return "", err
	}

	var parsed struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return "", fmt.Errorf("parse intent response: %w", err)
	}
	if parsed.Summary == "" {
		return "", fmt.Errorf("intent response missing summary")
	}

	return parsed.Summary, nil
}

// parseVerdictResponse parses a pairwise verdict. Unknown fields are
// ignored; unknown relationship strings pass through for observability.
func parseVerdictResponse(content string) (model.PairVerdict, error) {
	raw, err := extractJSON(content)
	if err != nil {
		return model.PairVerdict{}, err
	}

	var parsed struct {
		IsDuplicate  bool    `json:"isDuplicate"`
		Confidence   float64 `json:"confidence"`
		Relationship string  `json:"relationship"`
		Rationale    string  `json:"rationale"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return model.PairVerdict{}, fmt.Errorf("parse verdict response: %w", err)
	}

	if parsed.Confidence < 0 {
		parsed.Confidence = 0
	}
	if parsed.Confidence > 1 {
		parsed.Confidence = 1
	}
	if parsed.Relationship == "" {
		parsed.Relationship = string(model.RelationshipUnrelated)
	}

	return model.PairVerdict{
		IsDuplicate:  parsed.IsDuplicate,
		Confidence:   parsed.Confidence,
		Relationship: model.Relationship(parsed.Relationship),
		Rationale:    parsed.Rationale,
	}, nil
}

type rankEntry struct {
	PRNumber  int     `json:"prNumber"`
	Score     float64 `json:"score"`
	Rationale string  `json:"rationale"`
}

func parseRankResponse(content string) ([]rankEntry, error) {
	raw, err := extractJSON(content)
	if err != nil {
		return nil, err
	}

	var entries []rankEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("parse rank response: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("rank response empty")
	}

	return entries, nil
}
