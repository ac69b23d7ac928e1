package classify

import (
	"context"
	"errors"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/feedcat/internal/model"
	"github.com/sells-group/feedcat/internal/resilience"
	"github.com/sells-group/feedcat/pkg/anthropic"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func textResponse(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		Model:   "claude-haiku-4-5-20251001",
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
		Usage:   anthropic.TokenUsage{InputTokens: 120, OutputTokens: 40, CacheReadInputTokens: 800},
	}
}

const gristVerdict = `{"title":"Grist","author":"Grist","description":"Climate news and solutions.","language":"en","tags":["Climate & Environment","Astrology"],"markers":[],"keywords":["Climate","Energy"],"nsfw":false,"spam":false,"score":8.5}`

func TestParseVerdict(t *testing.T) {
	v, err := ParseVerdict(gristVerdict)
	require.NoError(t, err)
	assert.Equal(t, "Grist", v.Title)
	require.NotNil(t, v.Author)
	assert.Equal(t, "Grist", *v.Author)
	assert.Equal(t, "en", v.Language)
	assert.Equal(t, []string{"Climate & Environment", "Astrology"}, v.Tags)
	assert.Equal(t, []string{"climate", "energy"}, v.Keywords)
	assert.InDelta(t, 8.5, v.Score, 0.001)
}

func TestParseVerdict_CodeFence(t *testing.T) {
	v, err := ParseVerdict("Here you go:\n```json\n{\"tags\":[],\"score\":3,\"author\":\"  \"}\n```")
	require.NoError(t, err)
	assert.Empty(t, v.Tags)
	assert.Nil(t, v.Author)
}

func TestParseVerdict_Invalid(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"not json", "I cannot classify this source."},
		{"missing tags", `{"score":5}`},
		{"missing score", `{"tags":[]}`},
		{"score too high", `{"tags":[],"score":11}`},
		{"negative score", `{"tags":[],"score":-1}`},
		{"long language", `{"tags":[],"score":5,"language":"english"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseVerdict(tt.text)
			require.Error(t, err)
			assert.True(t, eris.Is(err, ErrMalformedResponse))
		})
	}
}

func TestAnthropicJudge_Success(t *testing.T) {
	vocab := model.NewVocabulary([]string{"Climate & Environment", "Science"}, []string{"_clickbait"})
	mc := new(mockClient)
	mc.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Model == "claude-haiku-4-5-20251001" &&
			len(req.System) == 1 && req.System[0].CacheControl != nil &&
			len(req.Messages) == 1
	})).Return(textResponse(gristVerdict), nil)

	judge := NewAnthropicJudge(mc, "claude-haiku-4-5-20251001", 0, vocab)
	resp, err := judge.Judge(context.Background(), Request{
		Identity: model.Identity{Kind: model.KindFeed, Key: "grist.org/feed"},
		Title:    "Grist",
	})
	require.NoError(t, err)
	assert.Equal(t, "Grist", resp.Verdict.Title)
	assert.Equal(t, int64(120), resp.Usage.InputTokens)
	assert.Equal(t, int64(800), resp.Usage.CacheReadTokens)
	mc.AssertExpectations(t)
}

func TestAnthropicJudge_MalformedKeepsUsage(t *testing.T) {
	mc := new(mockClient)
	mc.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse("no json here"), nil)

	judge := NewAnthropicJudge(mc, "m", 256, model.NewVocabulary(nil, nil))
	resp, err := judge.Judge(context.Background(), Request{})
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrMalformedResponse))
	require.NotNil(t, resp)
	assert.Equal(t, int64(40), resp.Usage.OutputTokens)
}

func TestAnthropicJudge_PlainErrorNotTransient(t *testing.T) {
	mc := new(mockClient)
	mc.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, errors.New("invalid api key"))

	judge := NewAnthropicJudge(mc, "m", 256, model.NewVocabulary(nil, nil))
	_, err := judge.Judge(context.Background(), Request{})
	require.Error(t, err)
	assert.False(t, resilience.IsTransient(err))
}

func TestSystemPrompt_ListsVocabulary(t *testing.T) {
	vocab := model.NewVocabulary([]string{"Science", "News"}, []string{"_clickbait"})
	p := systemPrompt(vocab)
	assert.Contains(t, p, "- News\n- Science\n")
	assert.Contains(t, p, "- _clickbait\n")
	assert.NotContains(t, p, model.MarkerHighQuality)
}

func TestUserPrompt_SkipsEmptyFields(t *testing.T) {
	p := userPrompt(Request{
		Identity:     model.Identity{Kind: model.KindYouTube, Key: "UCabcdefghijklmnopqrstuv"},
		Title:        "Veritasium",
		RecentTitles: []string{"Why gravity is not a force"},
	})
	assert.Contains(t, p, "Kind: youtube\n")
	assert.Contains(t, p, "Title: Veritasium\n")
	assert.Contains(t, p, "- Why gravity is not a force\n")
	assert.NotContains(t, p, "Summary:")
}
