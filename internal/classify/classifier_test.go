package classify

import "testing"

func TestClassifyTopic(t *testing.T) {
	c := NewKeywordClassifier()

	tests := []struct {
		body      string
		subject   string
		wantTopic string
	}{
		{"I have a problem, the app is broken and I need help", "support ticket", "Support"},
		{"Can you send me a quote for the order? What is the price?", "", "Sales"},
		{"Let's schedule a call, does your calendar work for a zoom meeting?", "", "Meeting"},
		{"Nothing special here", "", "General"},
	}
	for _, tc := range tests {
		got, err := c.Classify(tc.body, tc.subject)
		if err != nil {
			t.Fatalf("Classify: %v", err)
		}
		if got.Topic != tc.wantTopic {
			t.Errorf("Classify(%q).Topic = %q, want %q", tc.body, got.Topic, tc.wantTopic)
		}
	}
}

func TestClassifyPriority(t *testing.T) {
	c := NewKeywordClassifier()

	got, _ := c.Classify("this is urgent, please respond asap", "")
	if got.Priority != "High" {
		t.Errorf("urgent keyword: priority = %q, want High", got.Priority)
	}

	// Billing topic forces high priority even without urgency words.
	got, _ = c.Classify("the invoice for my payment plan arrived", "")
	if got.Priority != "High" {
		t.Errorf("billing topic: priority = %q, want High", got.Priority)
	}

	got, _ = c.Classify("just saying hi", "")
	if got.Priority != "Low" {
		t.Errorf("plain message: priority = %q, want Low", got.Priority)
	}
}

func TestClassifySentiment(t *testing.T) {
	c := NewKeywordClassifier()

	got, _ := c.Classify("thanks, this is great, excellent work, love it", "")
	if got.Sentiment != "Positive" {
		t.Errorf("sentiment = %q (score %d), want Positive", got.Sentiment, got.SentimentScore)
	}

	got, _ = c.Classify("terrible, awful, broken, this failed and I am disappointed", "")
	if got.Sentiment != "Negative" {
		t.Errorf("sentiment = %q (score %d), want Negative", got.Sentiment, got.SentimentScore)
	}

	got, _ = c.Classify("see attached document", "")
	if got.Sentiment != "Neutral" {
		t.Errorf("sentiment = %q, want Neutral", got.Sentiment)
	}
}

func TestClassifyStripsHTML(t *testing.T) {
	c := NewKeywordClassifier()
	got, _ := c.Classify("<html><body><p>urgent issue with the invoice</p></body></html>", "")
	if got.Priority != "High" {
		t.Errorf("html body: priority = %q, want High", got.Priority)
	}
}

func TestRollUp(t *testing.T) {
	rollup := RollUp([]Classification{
		{Sentiment: "Positive", Topic: "Sales", Priority: "Low"},
		{Sentiment: "Positive", Topic: "Support", Priority: "High"},
		{Sentiment: "Negative", Topic: "Sales", Priority: "Medium"},
	})
	if rollup.DominantSentiment != "Positive" {
		t.Errorf("dominant sentiment = %q, want Positive", rollup.DominantSentiment)
	}
	if rollup.DominantTopic != "Sales" {
		t.Errorf("dominant topic = %q, want Sales", rollup.DominantTopic)
	}
	if rollup.HighestPriority != "High" {
		t.Errorf("highest priority = %q, want High", rollup.HighestPriority)
	}

	empty := RollUp(nil)
	if empty.DominantSentiment != "" || empty.HighestPriority != "" {
		t.Errorf("empty rollup should be zero value, got %+v", empty)
	}
}
