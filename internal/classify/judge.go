// Package classify asks a model judge to clean, describe, tag and score
// each record, caching results by content fingerprint.
package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/feedcat/internal/model"
	"github.com/sells-group/feedcat/internal/resilience"
	"github.com/sells-group/feedcat/pkg/anthropic"
)

// ErrMalformedResponse is returned when the judge's answer cannot be
// parsed or fails validation. It is retried like a transient error.
var ErrMalformedResponse = eris.New("classify: malformed judge response")

// Request is what the judge sees about one record.
type Request struct {
	Identity        model.Identity
	Title           string
	Author          string
	Summary         string
	Language        string
	Keywords        []string
	FeedTitle       string
	FeedDescription string
	RecentTitles    []string
}

// Verdict is the judge's parsed, schema-valid answer. Tags and markers are
// not yet checked against the vocabulary.
type Verdict struct {
	Title       string
	Author      *string
	Description string
	Language    string
	Tags        []string
	Markers     []string
	Keywords    []string
	NSFW        bool
	Spam        bool
	Score       float64
}

// Response pairs a verdict with the tokens it cost.
type Response struct {
	Verdict Verdict
	Model   string
	Usage   model.TokenUsage
}

// Judge classifies one record.
type Judge interface {
	Judge(ctx context.Context, req Request) (*Response, error)
}

// AnthropicJudge classifies records with a Claude model, one record per
// message, with the vocabulary sent as a cached system block.
type AnthropicJudge struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	system    []anthropic.SystemBlock
}

// NewAnthropicJudge creates a judge for the given vocabulary.
func NewAnthropicJudge(client anthropic.Client, modelID string, maxTokens int64, vocab *model.Vocabulary) *AnthropicJudge {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &AnthropicJudge{
		client:    client,
		model:     modelID,
		maxTokens: maxTokens,
		system:    anthropic.BuildCachedSystemBlocks(systemPrompt(vocab)),
	}
}

// Judge sends one classification request. API failures with a retryable
// status are returned as resilience.TransientError. A response that does
// not parse is returned alongside ErrMalformedResponse so its token usage
// can still be counted.
func (j *AnthropicJudge) Judge(ctx context.Context, req Request) (*Response, error) {
	temp := 0.0
	resp, err := j.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       j.model,
		MaxTokens:   j.maxTokens,
		System:      j.system,
		Messages:    []anthropic.Message{{Role: "user", Content: userPrompt(req)}},
		Temperature: &temp,
	})
	if err != nil {
		code := anthropic.StatusCode(err)
		if code == 529 || resilience.IsTransientHTTPStatus(code) {
			return nil, resilience.NewTransientError(err, code)
		}
		return nil, eris.Wrap(err, "classify: judge request")
	}

	out := &Response{
		Model: firstNonEmpty(resp.Model, j.model),
		Usage: model.TokenUsage{
			InputTokens:      resp.Usage.InputTokens,
			OutputTokens:     resp.Usage.OutputTokens,
			CacheWriteTokens: resp.Usage.CacheCreationInputTokens,
			CacheReadTokens:  resp.Usage.CacheReadInputTokens,
		},
	}
	v, err := ParseVerdict(resp.Text())
	if err != nil {
		return out, err
	}
	out.Verdict = v
	return out, nil
}

type verdictJSON struct {
	Title       string   `json:"title"`
	Author      *string  `json:"author"`
	Description string   `json:"description"`
	Language    string   `json:"language"`
	Tags        []string `json:"tags"`
	Markers     []string `json:"markers"`
	Keywords    []string `json:"keywords"`
	NSFW        bool     `json:"nsfw"`
	Spam        bool     `json:"spam"`
	Score       *float64 `json:"score"`
}

var languageCode = regexp.MustCompile(`^[a-z]{2}$`)

// ParseVerdict extracts and validates the JSON object in a judge answer.
func ParseVerdict(text string) (Verdict, error) {
	var raw verdictJSON
	if err := json.Unmarshal([]byte(cleanJSON(text)), &raw); err != nil {
		return Verdict{}, eris.Wrap(ErrMalformedResponse, err.Error())
	}
	if raw.Tags == nil {
		return Verdict{}, eris.Wrap(ErrMalformedResponse, "missing tags")
	}
	if raw.Score == nil {
		return Verdict{}, eris.Wrap(ErrMalformedResponse, "missing score")
	}
	if *raw.Score < 0 || *raw.Score > 10 {
		return Verdict{}, eris.Wrap(ErrMalformedResponse, fmt.Sprintf("score %.2f out of range", *raw.Score))
	}
	lang := strings.ToLower(strings.TrimSpace(raw.Language))
	if lang != "" && !languageCode.MatchString(lang) {
		return Verdict{}, eris.Wrap(ErrMalformedResponse, fmt.Sprintf("language %q is not a two-letter code", raw.Language))
	}

	var author *string
	if raw.Author != nil {
		if a := strings.TrimSpace(*raw.Author); a != "" {
			author = &a
		}
	}
	keywords := make([]string, 0, len(raw.Keywords))
	for _, k := range raw.Keywords {
		keywords = append(keywords, strings.ToLower(strings.TrimSpace(k)))
	}

	return Verdict{
		Title:       strings.TrimSpace(raw.Title),
		Author:      author,
		Description: strings.TrimSpace(raw.Description),
		Language:    lang,
		Tags:        raw.Tags,
		Markers:     raw.Markers,
		Keywords:    model.SortedSet(keywords),
		NSFW:        raw.NSFW,
		Spam:        raw.Spam,
		Score:       *raw.Score,
	}, nil
}

// cleanJSON extracts a JSON object from text that may contain markdown
// code fences or other wrapping.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
