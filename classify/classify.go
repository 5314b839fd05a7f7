// Package classify maps a normalized utterance to a request category and
// priority. An AI responder is tried first under a timeout; any failure falls
// through to the keyword rules, which always answer.
package classify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"civicaid/request"
	"civicaid/utterance"

	"go.uber.org/zap"
)

type Category string

const (
	CategoryBlood          Category = "blood"
	CategoryElderSupport   Category = "elder_support"
	CategoryComplaint      Category = "complaint"
	CategoryGeneralInquiry Category = "general_inquiry"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryBlood, CategoryElderSupport, CategoryComplaint, CategoryGeneralInquiry:
		return true
	}
	return false
}

// RequestKind maps a category to the request variant it creates. General
// inquiries create nothing.
func (c Category) RequestKind() (request.Kind, bool) {
	switch c {
	case CategoryBlood:
		return request.KindBlood, true
	case CategoryElderSupport:
		return request.KindElderSupport, true
	case CategoryComplaint:
		return request.KindComplaint, true
	}
	return "", false
}

// Source records which tier produced a Result.
type Source string

const (
	SourceResponder Source = "responder"
	SourceFallback  Source = "fallback"
)

type Result struct {
	Category    Category
	Priority    request.Priority
	Confidence  float64
	Subcategory request.ComplaintCategory
	Reply       string
	Source      Source
}

// Prompt is what the responder receives.
type Prompt struct {
	Text     string
	Language string
}

// Answer is the structured reply expected from a responder.
type Answer struct {
	Category    string   `json:"category"`
	Priority    string   `json:"priority"`
	Subcategory string   `json:"subcategory,omitempty"`
	Reply       string   `json:"reply,omitempty"`
	Confidence  *float64 `json:"confidence,omitempty"`
}

// Responder is the external AI classifier.
type Responder interface {
	Respond(ctx context.Context, prompt Prompt) (Answer, error)
}

// ErrUnavailable marks any responder failure. It is logged and recovered by
// the fallback tier, never returned to callers.
var ErrUnavailable = errors.New("classify: responder unavailable")

const (
	DefaultTimeout             = 4 * time.Second
	defaultResponderConfidence = 0.9
)

type Classifier struct {
	responder Responder
	rules     *Rules
	timeout   time.Duration
	logger    *zap.Logger
}

// New builds a classifier. A nil responder means every call uses the rules.
func New(responder Responder, rules *Rules, logger *zap.Logger) *Classifier {
	if rules == nil {
		rules = DefaultRules()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{
		responder: responder,
		rules:     rules,
		timeout:   DefaultTimeout,
		logger:    logger,
	}
}

func (c *Classifier) WithTimeout(d time.Duration) *Classifier {
	if d > 0 {
		c.timeout = d
	}
	return c
}

// Classify never fails. When the responder errors, times out or answers
// outside the closed enums, the keyword rules decide.
func (c *Classifier) Classify(ctx context.Context, u utterance.Utterance) Result {
	if c.responder != nil {
		result, err := c.ask(ctx, u)
		if err == nil {
			return result
		}
		c.logger.Warn("classifier fallback engaged",
			zap.Error(err),
			zap.String("language", u.Language),
		)
	}
	return c.rules.Classify(u.Text)
}

func (c *Classifier) ask(ctx context.Context, u utterance.Utterance) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type reply struct {
		answer Answer
		err    error
	}
	done := make(chan reply, 1)
	go func() {
		answer, err := c.responder.Respond(ctx, Prompt{Text: u.Text, Language: u.Language})
		done <- reply{answer, err}
	}()

	var r reply
	select {
	case r = <-done:
	case <-ctx.Done():
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
	}
	if r.err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, r.err)
	}
	return c.fromAnswer(u, r.answer)
}

// parse maps the answer onto the closed enums.
func (a Answer) parse() (Category, request.Priority, error) {
	category := Category(strings.ToLower(strings.TrimSpace(a.Category)))
	if !category.Valid() {
		return "", "", fmt.Errorf("%w: unknown category %q", ErrUnavailable, a.Category)
	}
	priority, ok := request.ParsePriority(a.Priority)
	if !ok {
		return "", "", fmt.Errorf("%w: unknown priority %q", ErrUnavailable, a.Priority)
	}
	return category, priority, nil
}

func (c *Classifier) fromAnswer(u utterance.Utterance, answer Answer) (Result, error) {
	category, priority, err := answer.parse()
	if err != nil {
		return Result{}, err
	}

	confidence := defaultResponderConfidence
	if answer.Confidence != nil && *answer.Confidence >= 0 && *answer.Confidence <= 1 {
		confidence = *answer.Confidence
	}

	result := Result{
		Category:   category,
		Priority:   priority,
		Confidence: confidence,
		Reply:      strings.TrimSpace(answer.Reply),
		Source:     SourceResponder,
	}
	if result.Reply == "" {
		result.Reply = c.rules.Reply(category)
	}
	if category == CategoryComplaint {
		sub := request.ComplaintCategory(strings.ToLower(strings.TrimSpace(answer.Subcategory)))
		if !sub.Valid() {
			sub = c.rules.Subcategory(u.Text)
		}
		result.Subcategory = sub
	}
	return result, nil
}
