package intent

import (
	"context"
	"errors"
	"testing"

	"github.com/atelierbot/atelier/internal/llm"
)

type stubLLM struct {
	reply string
	err   error
}

func (s *stubLLM) Chat(ctx context.Context, systemPrompt string, messages []llm.Message) (string, error) {
	return s.reply, s.err
}

func (s *stubLLM) ChatWithTools(ctx context.Context, systemPrompt string, messages []llm.Message, tools []llm.Tool) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{Content: s.reply}, s.err
}

func (s *stubLLM) Search(ctx context.Context, query, instruction string) (*llm.SearchResponse, error) {
	return &llm.SearchResponse{Text: s.reply}, s.err
}

func TestByKeywords(t *testing.T) {
	cases := []struct {
		query string
		want  Intent
	}{
		{"how do i get to the train station", Map},
		{"what's the weather like", Map},
		{"search for golang generics tutorials", Search},
		{"any news on the election", Search},
		{"write me a haiku about autumn", Chat},
		{"", Chat},
	}

	for _, tc := range cases {
		if got := ByKeywords(tc.query); got != tc.want {
			t.Errorf("ByKeywords(%q) = %s, want %s", tc.query, got, tc.want)
		}
	}
}

func TestByKeywordsMapBeforeSearch(t *testing.T) {
	// contains both a search keyword and a map keyword
	if got := ByKeywords("search for the fastest route downtown"); got != Map {
		t.Errorf("map keywords should win over search keywords, got %s", got)
	}
}

func TestClassifyParsesStrictJSON(t *testing.T) {
	c := NewClassifier(&stubLLM{
		reply: `{"intent": "MAP", "confidence": 0.92, "reasoning": "asks for directions"}`,
	})

	result := c.Classify(context.Background(), "how far is the airport")

	if result.Intent != Map {
		t.Errorf("expected MAP, got %s", result.Intent)
	}
	if !result.NeedsTools {
		t.Error("MAP intent should need tools")
	}
	if result.Confidence != 0.92 {
		t.Errorf("expected confidence 0.92, got %v", result.Confidence)
	}
}

func TestClassifyExtractsJSONFromProse(t *testing.T) {
	c := NewClassifier(&stubLLM{
		reply: "Sure! Here is my analysis:\n{\"intent\": \"SEARCH\", \"confidence\": 0.8, \"reasoning\": \"wants fresh info\"}\nHope that helps.",
	})

	result := c.Classify(context.Background(), "latest headlines")

	if result.Intent != Search {
		t.Errorf("expected SEARCH, got %s", result.Intent)
	}
	if !result.NeedsTools {
		t.Error("SEARCH intent should need tools")
	}
}

func TestClassifyChatNeedsNoTools(t *testing.T) {
	c := NewClassifier(&stubLLM{
		reply: `{"intent": "CHAT", "confidence": 0.99, "reasoning": "small talk"}`,
	})

	result := c.Classify(context.Background(), "hello")
	if result.Intent != Chat || result.NeedsTools {
		t.Errorf("expected CHAT without tools, got %+v", result)
	}
}

func TestClassifyDegradesOnCallFailure(t *testing.T) {
	c := NewClassifier(&stubLLM{err: errors.New("provider down")})

	result := c.Classify(context.Background(), "anything")

	if result.Intent != Unknown {
		t.Errorf("expected UNKNOWN, got %s", result.Intent)
	}
	if result.NeedsTools {
		t.Error("degraded result should not need tools")
	}
	if result.Confidence != 0.5 {
		t.Errorf("expected confidence 0.5, got %v", result.Confidence)
	}
}

func TestClassifyDegradesOnGarbage(t *testing.T) {
	for _, reply := range []string{
		"no json here at all",
		`{"intent": "MAP"}`,
		`{broken`,
	} {
		c := NewClassifier(&stubLLM{reply: reply})
		result := c.Classify(context.Background(), "anything")
		if result.Intent != Unknown || result.NeedsTools {
			t.Errorf("reply %q: expected degraded result, got %+v", reply, result)
		}
	}
}

func TestClassifyNilProvider(t *testing.T) {
	c := NewClassifier(nil)

	result := c.Classify(context.Background(), "anything")
	if result.Intent != Unknown || result.Confidence != 0.5 {
		t.Errorf("expected degraded result, got %+v", result)
	}
}
