// Package intake is the entry point for chat and voice input: normalize,
// classify, then create the request the classification calls for.
package intake

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"civicaid/auth"
	"civicaid/classify"
	"civicaid/disclosure"
	"civicaid/lifecycle"
	"civicaid/request"
	"civicaid/utterance"

	"go.uber.org/zap"
)

type Classifier interface {
	Classify(ctx context.Context, u utterance.Utterance) classify.Result
}

type Creator interface {
	Create(ctx context.Context, actor auth.Actor, draft lifecycle.Draft) (disclosure.Projection, error)
}

// Input is one utterance plus whatever structured fields the caller already
// collected. Missing kind-specific fields are derived from the utterance where
// possible.
type Input struct {
	Text       string
	Language   string
	Confidence *float64

	RequesterName string
	Location      request.Location
	Contact       request.Contact
	Priority      string

	BloodType   string
	UnitsNeeded int
	Hospital    string
	ServiceType string
	Title       string
}

type Response struct {
	Utterance      utterance.Utterance
	Classification classify.Result
	// Request is nil for general inquiries.
	Request *disclosure.Projection
}

const maxTitleRunes = 80

type Service struct {
	classifier Classifier
	creator    Creator
	logger     *zap.Logger
}

func NewService(classifier Classifier, creator Creator, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{classifier: classifier, creator: creator, logger: logger}
}

func (s *Service) Submit(ctx context.Context, actor auth.Actor, in Input) (Response, error) {
	u, err := utterance.Normalize(utterance.Raw{Text: in.Text, Language: in.Language, Confidence: in.Confidence})
	if err != nil {
		return Response{}, err
	}

	result := s.classifier.Classify(ctx, u)
	resp := Response{Utterance: u, Classification: result}

	kind, ok := result.Category.RequestKind()
	if !ok {
		s.logger.Info("intake answered inquiry",
			zap.String("category", string(result.Category)),
			zap.String("source", string(result.Source)),
		)
		return resp, nil
	}

	details, err := buildDetails(kind, u, result, in)
	if err != nil {
		return Response{}, err
	}

	proj, err := s.creator.Create(ctx, actor, lifecycle.Draft{
		RequesterName: in.RequesterName,
		Description:   u.Text,
		Location:      in.Location,
		Contact:       in.Contact,
		Details:       details,
	})
	if err != nil {
		return Response{}, err
	}

	s.logger.Info("intake created request",
		zap.String("request_id", proj.Request.ID),
		zap.String("kind", string(kind)),
		zap.String("source", string(result.Source)),
		zap.Float64("confidence", result.Confidence),
	)
	resp.Request = &proj
	return resp, nil
}

func buildDetails(kind request.Kind, u utterance.Utterance, result classify.Result, in Input) (request.Details, error) {
	priority := result.Priority
	if p, ok := request.ParsePriority(in.Priority); ok {
		priority = p
	}

	switch kind {
	case request.KindBlood:
		bloodType, ok := request.ParseBloodType(in.BloodType)
		if !ok {
			bloodType, ok = request.ExtractBloodType(u.Text)
		}
		if !ok {
			return nil, fmt.Errorf("%w: blood type required; mention it or pass it explicitly", request.ErrValidation)
		}
		return request.BloodDetails{
			BloodType:    bloodType,
			UrgencyLevel: priority,
			UnitsNeeded:  in.UnitsNeeded,
			Hospital:     strings.TrimSpace(in.Hospital),
		}, nil

	case request.KindElderSupport:
		serviceType := strings.TrimSpace(in.ServiceType)
		if serviceType == "" {
			serviceType = u.Text
		}
		return request.ElderSupportDetails{ServiceType: serviceType, UrgencyLevel: priority}, nil

	case request.KindComplaint:
		title := strings.TrimSpace(in.Title)
		if title == "" {
			title = truncate(u.Text, maxTitleRunes)
		}
		category := result.Subcategory
		if !category.Valid() {
			category = request.CategoryOther
		}
		return request.ComplaintDetails{Title: title, Category: category, Priority: priority}, nil
	}
	return nil, fmt.Errorf("%w: unsupported kind %q", request.ErrValidation, kind)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:n-1])) + "…"
}
