package classify

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"civicaid/request"
	"civicaid/utterance"
)

type stubResponder struct {
	answer Answer
	err    error
	calls  int
	mu     sync.Mutex
}

func (s *stubResponder) Respond(_ context.Context, _ Prompt) (Answer, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.answer, s.err
}

type blockingResponder struct{}

func (blockingResponder) Respond(ctx context.Context, _ Prompt) (Answer, error) {
	<-ctx.Done()
	return Answer{}, ctx.Err()
}

func normalized(t *testing.T, text string) utterance.Utterance {
	t.Helper()
	u, err := utterance.Normalize(utterance.Raw{Text: text})
	if err != nil {
		t.Fatalf("normalize %q: %v", text, err)
	}
	return u
}

func TestClassify_FallbackScenarioLeakingTap(t *testing.T) {
	c := New(&stubResponder{err: errors.New("503 service unavailable")}, nil, nil)

	got := c.Classify(context.Background(), normalized(t, "I need help, my tap water is leaking badly"))
	if got.Category != CategoryComplaint || got.Priority != request.PriorityMedium {
		t.Fatalf("unexpected classification: %+v", got)
	}
	if got.Subcategory != request.CategoryWaterSupply {
		t.Fatalf("expected water_supply, got %q", got.Subcategory)
	}
	if got.Source != SourceFallback {
		t.Fatalf("expected fallback source, got %q", got.Source)
	}
	if got.Reply == "" {
		t.Fatal("expected a canned reply")
	}
}

func TestClassify_FallbackIsTotal(t *testing.T) {
	c := New(&stubResponder{err: ErrUnavailable}, nil, nil)
	inputs := []string{
		"Need O+ blood urgently at the city hospital",
		"My grandmother needs someone to pick up her medicine",
		"There is a huge pothole on the main road",
		"What are your opening hours?",
		"?",
		"asdf qwerty",
		"EMERGENCY",
	}
	for _, in := range inputs {
		got := c.Classify(context.Background(), normalized(t, in))
		if !got.Category.Valid() || !got.Priority.Valid() {
			t.Fatalf("input %q: result outside closed enums: %+v", in, got)
		}
		if got.Source != SourceFallback {
			t.Fatalf("input %q: expected fallback source, got %q", in, got.Source)
		}
		if got.Confidence < 0 || got.Confidence > 1 {
			t.Fatalf("input %q: confidence %v out of range", in, got.Confidence)
		}
	}
}

func TestRules_CategoriesAndUrgency(t *testing.T) {
	rules := DefaultRules()
	cases := []struct {
		text     string
		category Category
		priority request.Priority
	}{
		{"Need O+ blood urgently at the city hospital.", CategoryBlood, request.PriorityUrgent},
		{"Looking for AB- donors.", CategoryBlood, request.PriorityMedium},
		{"My grandmother needs someone to pick up her medicine.", CategoryElderSupport, request.PriorityMedium},
		{"Streetlight broken, it's an emergency.", CategoryComplaint, request.PriorityUrgent},
		{"Please come immediately, the drain is overflowing.", CategoryComplaint, request.PriorityUrgent},
		{"The situation is not critical but the streetlight is broken.", CategoryComplaint, request.PriorityMedium},
		{"Fix the pothole asap please.", CategoryComplaint, request.PriorityMedium},
		{"Hello, who are you?", CategoryGeneralInquiry, request.PriorityMedium},
	}
	for _, tc := range cases {
		got := rules.Classify(tc.text)
		if got.Category != tc.category || got.Priority != tc.priority {
			t.Fatalf("%q: got %s/%s, want %s/%s", tc.text, got.Category, got.Priority, tc.category, tc.priority)
		}
	}

	general := rules.Classify("Hello")
	if math.Abs(general.Confidence-0.3) > 1e-9 {
		t.Fatalf("expected confidence 0.3 without hits, got %v", general.Confidence)
	}
	if general.Subcategory != "" {
		t.Fatalf("general inquiry should have no subcategory, got %q", general.Subcategory)
	}
}

func TestRules_SpelledGroupWithoutBloodWordIsNoHit(t *testing.T) {
	rules := DefaultRules()

	plain := rules.Classify("The doctors gave a positive outlook.")
	if plain.Category == CategoryBlood {
		t.Fatalf("ordinary text classified as blood: %+v", plain)
	}

	one := rules.Classify("We need blood.")
	two := rules.Classify("We need blood, doctors gave a positive outlook.")
	if one.Category != CategoryBlood || two.Category != CategoryBlood {
		t.Fatalf("expected blood for both, got %s and %s", one.Category, two.Category)
	}
	if one.Confidence != two.Confidence {
		t.Fatalf("\"a positive\" counted as a blood group: %v vs %v", one.Confidence, two.Confidence)
	}
}

func TestRules_Subcategory(t *testing.T) {
	rules := DefaultRules()
	cases := map[string]request.ComplaintCategory{
		"There is a pothole on our road.": request.CategoryRoads,
		"Garbage has not been collected.": request.CategorySanitation,
		"Something is wrong.":             request.CategoryOther,
	}
	for text, want := range cases {
		if got := rules.Subcategory(text); got != want {
			t.Fatalf("Subcategory(%q) = %q, want %q", text, got, want)
		}
	}
}

func TestParseRules_RejectsUnknownCategory(t *testing.T) {
	if _, err := ParseRules([]byte("categories:\n  - name: pizza\n    terms: [cheese]\n")); err == nil {
		t.Fatal("expected unknown category to be rejected")
	}
}

func TestClassify_ResponderAnswerWins(t *testing.T) {
	stub := &stubResponder{answer: Answer{Category: "elder_support", Priority: "High", Reply: "We'll find someone."}}
	c := New(stub, nil, nil)

	got := c.Classify(context.Background(), normalized(t, "there is a pothole"))
	if got.Category != CategoryElderSupport || got.Priority != request.PriorityHigh {
		t.Fatalf("unexpected classification: %+v", got)
	}
	if got.Source != SourceResponder || got.Reply != "We'll find someone." {
		t.Fatalf("expected responder reply, got %+v", got)
	}
	if math.Abs(got.Confidence-0.9) > 1e-9 {
		t.Fatalf("expected default responder confidence, got %v", got.Confidence)
	}
	if stub.calls != 1 {
		t.Fatalf("expected one responder call, got %d", stub.calls)
	}
}

func TestClassify_ResponderComplaintSubcategoryFallsBackToRules(t *testing.T) {
	c := New(&stubResponder{answer: Answer{Category: "complaint", Priority: "low", Subcategory: "aliens"}}, nil, nil)

	got := c.Classify(context.Background(), normalized(t, "the pipe near my house is leaking"))
	if got.Source != SourceResponder {
		t.Fatalf("expected responder source, got %q", got.Source)
	}
	if got.Subcategory != request.CategoryWaterSupply {
		t.Fatalf("expected water_supply from rules, got %q", got.Subcategory)
	}
	if got.Reply == "" {
		t.Fatal("expected a canned reply")
	}
}

func TestClassify_UnparseableAnswerFallsBack(t *testing.T) {
	for _, answer := range []Answer{
		{Category: "weather", Priority: "low"},
		{Category: "blood", Priority: "whenever"},
		{},
	} {
		c := New(&stubResponder{answer: answer}, nil, nil)
		got := c.Classify(context.Background(), normalized(t, "need blood donors"))
		if got.Source != SourceFallback || got.Category != CategoryBlood {
			t.Fatalf("answer %+v: expected fallback blood, got %+v", answer, got)
		}
	}
}

func TestClassify_TimeoutFallsBack(t *testing.T) {
	c := New(blockingResponder{}, nil, nil).WithTimeout(20 * time.Millisecond)

	start := time.Now()
	got := c.Classify(context.Background(), normalized(t, "my elderly father needs companionship"))
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("timeout not honored: took %v", elapsed)
	}
	if got.Source != SourceFallback || got.Category != CategoryElderSupport {
		t.Fatalf("expected fallback elder_support, got %+v", got)
	}
}

func TestClassify_NoResponder(t *testing.T) {
	got := New(nil, nil, nil).Classify(context.Background(), normalized(t, "urgent: b negative blood needed"))
	if got.Category != CategoryBlood || got.Priority != request.PriorityUrgent || got.Source != SourceFallback {
		t.Fatalf("unexpected classification: %+v", got)
	}
}

func TestCategory_RequestKind(t *testing.T) {
	kind, ok := CategoryComplaint.RequestKind()
	if !ok || kind != request.KindComplaint {
		t.Fatalf("complaint maps to %q %t", kind, ok)
	}
	if _, ok := CategoryGeneralInquiry.RequestKind(); ok {
		t.Fatal("general inquiry must not map to a request kind")
	}
}
