package utterance

import (
	"errors"
	"math"
	"testing"
)

func ptr(f float64) *float64 { return &f }

func TestNormalize_CleansText(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"trim and punctuate", "  i need help  ", "I need help."},
		{"collapse whitespace", "need\t blood \n now", "Need blood now."},
		{"keeps terminal", "where is the hospital?", "Where is the hospital?"},
		{"keeps danda", "मदद चाहिए।", "मदद चाहिए।"},
		{"blood mishearing", "urgent bload needed", "Urgent blood needed."},
		{"case insensitive", "BLUD DONNER wanted", "Blood donor wanted."},
		{"whole word only", "bloodbath", "Bloodbath."},
		{"spoken blood group", "need o positive blood", "Need O positive blood."},
		{"spoken ab group", "a b negative donors", "AB negative donors."},
		{"split compound", "big pot hole near the street light", "Big pothole near the streetlight."},
		{"complaint", "i want to file a compliant", "I want to file a complaint."},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Normalize(Raw{Text: tc.in})
			if err != nil {
				t.Fatalf("normalize: %v", err)
			}
			if got.Text != tc.want {
				t.Fatalf("Normalize(%q) = %q, want %q", tc.in, got.Text, tc.want)
			}
		})
	}
}

func TestNormalize_Deterministic(t *testing.T) {
	raw := Raw{Text: "my elderley mother needs a volunter", Language: "en-IN", Confidence: ptr(0.72)}
	first, err := Normalize(raw)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := Normalize(raw)
		if err != nil {
			t.Fatalf("normalize: %v", err)
		}
		if again != first {
			t.Fatalf("run %d differs: %+v vs %+v", i, again, first)
		}
	}
	if first.Text != "My elderly mother needs a volunteer." {
		t.Fatalf("unexpected text %q", first.Text)
	}
	if first.Language != "en-IN" {
		t.Fatalf("expected en-IN, got %q", first.Language)
	}
	if math.Abs(first.Confidence-0.72) > 1e-9 {
		t.Fatalf("expected confidence 0.72, got %v", first.Confidence)
	}
}

func TestNormalize_Empty(t *testing.T) {
	for _, in := range []string{"", "   ", "\n\t"} {
		if _, err := Normalize(Raw{Text: in}); !errors.Is(err, ErrEmptyUtterance) {
			t.Fatalf("Normalize(%q): expected ErrEmptyUtterance, got %v", in, err)
		}
	}
}

func TestNormalize_LanguageAndConfidence(t *testing.T) {
	typed, err := Normalize(Raw{Text: "hello"})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if typed.Language != DefaultLanguage || typed.Confidence != 1.0 {
		t.Fatalf("typed input: got %q/%v", typed.Language, typed.Confidence)
	}

	bad, err := Normalize(Raw{Text: "hello", Language: "!!", Confidence: ptr(1.7)})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if bad.Language != DefaultLanguage || bad.Confidence != 1.0 {
		t.Fatalf("invalid tag and confidence: got %q/%v", bad.Language, bad.Confidence)
	}

	low, err := Normalize(Raw{Text: "hello", Confidence: ptr(math.NaN())})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if low.Confidence != 0 {
		t.Fatalf("NaN confidence should clamp to 0, got %v", low.Confidence)
	}
}

func TestNormalize_LanguageAwareCapitalization(t *testing.T) {
	got, err := Normalize(Raw{Text: "istanbul'da su kesildi", Language: "tr"})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got.Text != "İstanbul'da su kesildi." {
		t.Fatalf("got %q", got.Text)
	}
}
