package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const DefaultModel = "gemini-2.0-flash"

const systemPrompt = `You triage messages sent to a community assistance service.
Classify the user's message into exactly one category:
- blood: someone needs blood or wants to donate blood
- elder_support: an elderly person needs help or care
- complaint: a civic problem such as water, electricity, roads, sanitation, safety or noise
- general_inquiry: anything else
Pick priority low, medium, high or urgent; use urgent only for emergencies.
For complaints also pick a subcategory: infrastructure, water_supply, electricity,
sanitation, roads, public_safety, noise or other.
Write a short, friendly reply in the user's language.`

var answerSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"category": {
			Type: genai.TypeString,
			Enum: []string{"blood", "elder_support", "complaint", "general_inquiry"},
		},
		"priority": {
			Type: genai.TypeString,
			Enum: []string{"low", "medium", "high", "urgent"},
		},
		"subcategory": {
			Type: genai.TypeString,
			Enum: []string{"infrastructure", "water_supply", "electricity", "sanitation", "roads", "public_safety", "noise", "other"},
		},
		"reply":      {Type: genai.TypeString},
		"confidence": {Type: genai.TypeNumber},
	},
	Required: []string{"category", "priority"},
}

// GeminiResponder asks a Gemini model for a JSON classification.
type GeminiResponder struct {
	client *genai.Client
	model  string
}

func NewGeminiResponder(ctx context.Context, apiKey, model string) (*GeminiResponder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("classify: gemini api key is required")
	}
	if model == "" {
		model = DefaultModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("classify: create genai client: %w", err)
	}
	return &GeminiResponder{client: client, model: model}, nil
}

func (g *GeminiResponder) Respond(ctx context.Context, prompt Prompt) (Answer, error) {
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		Temperature:       genai.Ptr[float32](0),
		ResponseMIMEType:  "application/json",
		ResponseSchema:    answerSchema,
	}
	contents := []*genai.Content{
		genai.NewContentFromText(fmt.Sprintf("Language: %s\nMessage: %s", prompt.Language, prompt.Text), genai.RoleUser),
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return Answer{}, fmt.Errorf("classify: gemini generate: %w", err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return Answer{}, fmt.Errorf("classify: gemini returned no text")
	}
	var answer Answer
	if err := json.Unmarshal([]byte(text), &answer); err != nil {
		return Answer{}, fmt.Errorf("classify: decode gemini answer: %w", err)
	}
	return answer, nil
}
