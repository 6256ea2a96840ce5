package capability

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ShayCichocki/foresight/internal/failure"
	"github.com/ShayCichocki/foresight/pkg/models"
)

// maxJSONCandidates bounds how many opening brackets extractJSON tries, so a
// long reply full of stray brackets costs linear time.
const maxJSONCandidates = 64

// extractJSON returns the first complete JSON object or array in text.
// Models often wrap JSON in prose or code fences.
func extractJSON(text string) (json.RawMessage, bool) {
	tried := 0
	for i := 0; i < len(text) && tried < maxJSONCandidates; i++ {
		if text[i] != '{' && text[i] != '[' {
			continue
		}
		tried++
		dec := json.NewDecoder(strings.NewReader(text[i:]))
		dec.UseNumber()
		var raw json.RawMessage
		if err := dec.Decode(&raw); err == nil {
			return raw, true
		}
	}
	return nil, false
}

type planResponse struct {
	Subtasks []models.PlannedSubtask `json:"subtasks"`
}

// ParsePlan validates a planner reply. Both a bare array and an object with a
// "subtasks" field are accepted.
func ParsePlan(text string) ([]models.PlannedSubtask, error) {
	raw, ok := extractJSON(text)
	if !ok {
		return nil, failure.Validationf("parse plan", "no JSON found in planner reply")
	}

	var planned []models.PlannedSubtask
	if bytes.HasPrefix(bytes.TrimSpace(raw), []byte("[")) {
		if err := json.Unmarshal(raw, &planned); err != nil {
			return nil, failure.Validationf("parse plan", "decode subtask list: %v", err)
		}
	} else {
		var resp planResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, failure.Validationf("parse plan", "decode plan: %v", err)
		}
		planned = resp.Subtasks
	}

	for i := range planned {
		planned[i].Description = strings.TrimSpace(planned[i].Description)
		if planned[i].Description == "" {
			return nil, failure.Validationf("parse plan", "subtask %d has no description", i+1)
		}
		planned[i].ExternalRef = strings.TrimSpace(planned[i].ExternalRef)
		if planned[i].ExternalRef == "" {
			planned[i].ExternalRef = models.ExternalRefFor(i)
		}
	}
	return planned, nil
}

type themeResponse struct {
	Theme       string          `json:"theme"`
	KeyFindings string          `json:"key_findings"`
	Score       json.RawMessage `json:"probability_score"`
	Rationale   string          `json:"rationale"`
}

type analysisResponse struct {
	Overview     string          `json:"summary_overview"`
	KeyInsights  string          `json:"key_insights_and_implications"`
	Themes       []themeResponse `json:"thematic_breakdown"`
	OverallScore json.RawMessage `json:"overall_probability_score"`
}

// ParseAnalysis validates a synthesizer reply. Every score must be an
// integer in [0,100], given either as a JSON number or a numeric string.
func ParseAnalysis(text string) (models.Analysis, error) {
	raw, ok := extractJSON(text)
	if !ok {
		return models.Analysis{}, failure.Validationf("parse analysis", "no JSON found in synthesizer reply")
	}

	var resp analysisResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return models.Analysis{}, failure.Validationf("parse analysis", "decode analysis: %v", err)
	}

	if strings.TrimSpace(resp.Overview) == "" {
		return models.Analysis{}, failure.Validationf("parse analysis", "missing summary_overview")
	}
	overall, err := parseScore(resp.OverallScore)
	if err != nil {
		return models.Analysis{}, failure.Validationf("parse analysis", "overall_probability_score: %v", err)
	}

	analysis := models.Analysis{
		Overview:     strings.TrimSpace(resp.Overview),
		KeyInsights:  strings.TrimSpace(resp.KeyInsights),
		OverallScore: overall,
		Themes:       make([]models.Theme, 0, len(resp.Themes)),
	}
	for i, th := range resp.Themes {
		score, err := parseScore(th.Score)
		if err != nil {
			return models.Analysis{}, failure.Validationf("parse analysis", "theme %d (%s) probability_score: %v", i+1, th.Theme, err)
		}
		analysis.Themes = append(analysis.Themes, models.Theme{
			Name:      th.Theme,
			Findings:  th.KeyFindings,
			Score:     score,
			Rationale: th.Rationale,
		})
	}
	return analysis, nil
}

// parseScore accepts 42 or "42". Fractions, words and out-of-range values
// are rejected.
func parseScore(raw json.RawMessage) (int, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return 0, errors.New("missing score")
	}

	literal := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &literal); err != nil {
			return 0, errors.New("malformed score string")
		}
		literal = strings.TrimSpace(literal)
	}

	n, err := strconv.Atoi(literal)
	if err != nil {
		return 0, fmt.Errorf("score %q is not an integer", literal)
	}
	if !models.ScoreInRange(n) {
		return 0, fmt.Errorf("score %d is outside 0-100", n)
	}
	return n, nil
}

var urlPattern = regexp.MustCompile(`https?://[^\s<>()\[\]"']+`)

// extractURLs returns the distinct URLs in text in order of appearance.
func extractURLs(text string) []string {
	seen := make(map[string]bool)
	var urls []string
	for _, u := range urlPattern.FindAllString(text, -1) {
		u = strings.TrimRight(u, ".,;:")
		if !seen[u] {
			seen[u] = true
			urls = append(urls, u)
		}
	}
	return urls
}
