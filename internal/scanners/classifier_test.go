package scanners

import (
	"context"
	"testing"
)

func TestKeywordClassifier_Classify(t *testing.T) {
	c := NewKeywordClassifier(map[string][]string{
		"toxic": {"idiot", "stupid"},
	})

	scores, err := c.Classify(context.Background(), "you are an idiot and stupid")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if scores["toxic"] <= 0 {
		t.Errorf("expected a positive toxic score, got %f", scores["toxic"])
	}
}

func TestKeywordClassifier_NoHits(t *testing.T) {
	c := NewKeywordClassifier(map[string][]string{"toxic": {"idiot"}})
	scores, err := c.Classify(context.Background(), "have a wonderful day")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if scores["toxic"] != 0 {
		t.Errorf("expected a zero score with no keyword hits, got %f", scores["toxic"])
	}
}

func TestKeywordClassifier_ClampsToOne(t *testing.T) {
	c := NewKeywordClassifier(map[string][]string{"toxic": {"idiot"}})
	scores, err := c.Classify(context.Background(), "idiot idiot idiot idiot idiot idiot idiot idiot")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if scores["toxic"] != 1.0 {
		t.Errorf("expected score clamped to 1.0, got %f", scores["toxic"])
	}
}

func TestKeywordClassifier_EmptyText(t *testing.T) {
	c := NewKeywordClassifier(map[string][]string{"toxic": {"idiot"}})
	scores, err := c.Classify(context.Background(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if scores["toxic"] != 0 {
		t.Errorf("expected zero score for empty text, got %f", scores["toxic"])
	}
}

func TestNewDefaultToxicityClassifier(t *testing.T) {
	c := NewDefaultToxicityClassifier()
	scores, err := c.Classify(context.Background(), "i will kill you, you idiot")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if scores["threat"] <= 0 {
		t.Error("expected the default toxicity classifier to score the threat category")
	}
	if scores["insult"] <= 0 {
		t.Error("expected the default toxicity classifier to score the insult category")
	}
}

func TestNewDefaultSentimentClassifier(t *testing.T) {
	c := NewDefaultSentimentClassifier()
	scores, err := c.Classify(context.Background(), "this is a terrible, awful experience")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if scores["negative"] <= 0 {
		t.Error("expected the default sentiment classifier to score negative text as negative")
	}
	if scores["positive"] != 0 {
		t.Error("expected no positive keyword hits in clearly negative text")
	}
}
