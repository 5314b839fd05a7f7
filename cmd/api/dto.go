package main

import (
	"fmt"
	"strings"
	"time"

	"civicaid/auth"
	"civicaid/classify"
	"civicaid/disclosure"
	"civicaid/intake"
	"civicaid/request"
)

type addressPayload struct {
	Street     string `json:"street,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
}

type coordinatesPayload struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type locationPayload struct {
	Address     addressPayload      `json:"address"`
	Coordinates *coordinatesPayload `json:"coordinates,omitempty"`
}

func (l locationPayload) toDomain() request.Location {
	loc := request.Location{Address: request.Address{
		Street:     strings.TrimSpace(l.Address.Street),
		City:       strings.TrimSpace(l.Address.City),
		State:      strings.TrimSpace(l.Address.State),
		PostalCode: strings.TrimSpace(l.Address.PostalCode),
	}}
	if l.Coordinates != nil {
		loc.Coordinates = &request.Coordinates{Lat: l.Coordinates.Lat, Lon: l.Coordinates.Lon}
	}
	return loc
}

func locationFromDomain(l request.Location) locationPayload {
	out := locationPayload{Address: addressPayload{
		Street:     l.Address.Street,
		City:       l.Address.City,
		State:      l.Address.State,
		PostalCode: l.Address.PostalCode,
	}}
	if l.Coordinates != nil {
		out.Coordinates = &coordinatesPayload{Lat: l.Coordinates.Lat, Lon: l.Coordinates.Lon}
	}
	return out
}

type contactPayload struct {
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// createRequestPayload carries the union of kind-specific fields; kind picks
// which ones apply.
type createRequestPayload struct {
	Kind          string          `json:"kind"`
	RequesterName string          `json:"requesterName"`
	Description   string          `json:"description"`
	Location      locationPayload `json:"location"`
	Contact       contactPayload  `json:"contact"`

	BloodType    string `json:"bloodType"`
	UnitsNeeded  int    `json:"unitsNeeded"`
	Hospital     string `json:"hospital"`
	UrgencyLevel string `json:"urgencyLevel"`

	ServiceType string `json:"serviceType"`
	Notes       string `json:"notes"`

	Title    string `json:"title"`
	Category string `json:"category"`
	Priority string `json:"priority"`
}

func (p createRequestPayload) details() (request.Details, error) {
	priority := func(raw string) (request.Priority, error) {
		if strings.TrimSpace(raw) == "" {
			return "", nil
		}
		pr, ok := request.ParsePriority(raw)
		if !ok {
			return "", fmt.Errorf("%w: unknown priority %q", request.ErrValidation, raw)
		}
		return pr, nil
	}

	switch request.Kind(strings.TrimSpace(p.Kind)) {
	case request.KindBlood:
		bloodType, ok := request.ParseBloodType(p.BloodType)
		if !ok {
			return nil, fmt.Errorf("%w: unknown blood type %q", request.ErrValidation, p.BloodType)
		}
		urgency, err := priority(p.UrgencyLevel)
		if err != nil {
			return nil, err
		}
		return request.BloodDetails{
			BloodType:    bloodType,
			UrgencyLevel: urgency,
			UnitsNeeded:  p.UnitsNeeded,
			Hospital:     strings.TrimSpace(p.Hospital),
		}, nil
	case request.KindElderSupport:
		urgency, err := priority(p.UrgencyLevel)
		if err != nil {
			return nil, err
		}
		return request.ElderSupportDetails{
			ServiceType:  strings.TrimSpace(p.ServiceType),
			UrgencyLevel: urgency,
			Notes:        strings.TrimSpace(p.Notes),
		}, nil
	case request.KindComplaint:
		pr, err := priority(p.Priority)
		if err != nil {
			return nil, err
		}
		return request.ComplaintDetails{
			Title:    strings.TrimSpace(p.Title),
			Category: request.ParseComplaintCategory(p.Category),
			Priority: pr,
		}, nil
	}
	return nil, fmt.Errorf("%w: unknown kind %q", request.ErrValidation, p.Kind)
}

type commitmentResponse struct {
	VolunteerID string `json:"volunteerId"`
	CommittedAt string `json:"committedAt"`
}

type applicationResponse struct {
	VolunteerID   string `json:"volunteerId"`
	Message       string `json:"message,omitempty"`
	EstimatedTime string `json:"estimatedTime,omitempty"`
	AppliedAt     string `json:"appliedAt"`
	Status        string `json:"status"`
}

type updateResponse struct {
	AuthorID   string `json:"authorId"`
	Message    string `json:"message,omitempty"`
	Timestamp  string `json:"timestamp"`
	StatusFrom string `json:"statusFrom,omitempty"`
	StatusTo   string `json:"statusTo,omitempty"`
}

type requestResponse struct {
	ID             string                `json:"id"`
	Kind           string                `json:"kind"`
	Status         string                `json:"status"`
	Priority       string                `json:"priority"`
	RequesterID    string                `json:"requesterId"`
	RequesterName  string                `json:"requesterName"`
	Description    string                `json:"description"`
	Location       locationPayload       `json:"location"`
	Contact        contactPayload        `json:"contact"`
	ContactVisible bool                  `json:"contactVisible"`
	BloodType      string                `json:"bloodType,omitempty"`
	UnitsNeeded    int                   `json:"unitsNeeded,omitempty"`
	Hospital       string                `json:"hospital,omitempty"`
	ServiceType    string                `json:"serviceType,omitempty"`
	Notes          string                `json:"notes,omitempty"`
	Title          string                `json:"title,omitempty"`
	Category       string                `json:"category,omitempty"`
	Commitment     *commitmentResponse   `json:"commitment,omitempty"`
	Applications   []applicationResponse `json:"applications,omitempty"`
	Updates        []updateResponse      `json:"updates"`
	CreatedAt      string                `json:"createdAt"`
	UpdatedAt      string                `json:"updatedAt"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func toRequestResponse(p disclosure.Projection) requestResponse {
	req := p.Request
	resp := requestResponse{
		ID:             req.ID,
		Kind:           string(req.Kind()),
		Status:         string(req.Status),
		Priority:       string(req.Priority()),
		RequesterID:    req.RequesterID,
		RequesterName:  req.RequesterName,
		Description:    req.Description,
		Location:       locationFromDomain(req.Location),
		Contact:        contactPayload{Phone: req.Contact.Phone, Email: req.Contact.Email},
		ContactVisible: p.ContactVisible,
		Updates:        make([]updateResponse, 0, len(req.Updates)),
		CreatedAt:      formatTime(req.CreatedAt),
		UpdatedAt:      formatTime(req.UpdatedAt),
	}

	switch d := req.Details.(type) {
	case request.BloodDetails:
		resp.BloodType = string(d.BloodType)
		resp.UnitsNeeded = d.UnitsNeeded
		resp.Hospital = d.Hospital
	case request.ElderSupportDetails:
		resp.ServiceType = d.ServiceType
		resp.Notes = d.Notes
	case request.ComplaintDetails:
		resp.Title = d.Title
		resp.Category = string(d.Category)
	}

	if req.Commitment != nil {
		resp.Commitment = &commitmentResponse{
			VolunteerID: req.Commitment.VolunteerID,
			CommittedAt: formatTime(req.Commitment.At),
		}
	}
	for _, app := range req.Applications {
		resp.Applications = append(resp.Applications, applicationResponse{
			VolunteerID:   app.VolunteerID,
			Message:       app.Message,
			EstimatedTime: app.EstimatedTime,
			AppliedAt:     formatTime(app.AppliedAt),
			Status:        string(app.Status),
		})
	}
	for _, u := range req.Updates {
		out := updateResponse{AuthorID: u.AuthorID, Message: u.Message, Timestamp: formatTime(u.Timestamp)}
		if u.StatusChange != nil {
			out.StatusFrom = string(u.StatusChange.From)
			out.StatusTo = string(u.StatusChange.To)
		}
		resp.Updates = append(resp.Updates, out)
	}
	return resp
}

type userResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FullName  string `json:"fullName"`
	Phone     string `json:"phone,omitempty"`
	Role      string `json:"role"`
	CreatedAt string `json:"createdAt"`
}

func toUserResponse(u auth.User) userResponse {
	resp := userResponse{
		ID:        u.ID,
		Email:     u.Email,
		FullName:  u.FullName,
		Role:      string(u.Role),
		CreatedAt: formatTime(u.CreatedAt),
	}
	if u.Phone != nil {
		resp.Phone = *u.Phone
	}
	return resp
}

type intakePayload struct {
	Text          string          `json:"text"`
	Language      string          `json:"language"`
	Confidence    *float64        `json:"confidence"`
	RequesterName string          `json:"requesterName"`
	Location      locationPayload `json:"location"`
	Contact       contactPayload  `json:"contact"`
	Priority      string          `json:"priority"`
	BloodType     string          `json:"bloodType"`
	UnitsNeeded   int             `json:"unitsNeeded"`
	Hospital      string          `json:"hospital"`
	ServiceType   string          `json:"serviceType"`
	Title         string          `json:"title"`
}

func (p intakePayload) toInput() intake.Input {
	return intake.Input{
		Text:          p.Text,
		Language:      p.Language,
		Confidence:    p.Confidence,
		RequesterName: p.RequesterName,
		Location:      p.Location.toDomain(),
		Contact:       request.Contact{Phone: p.Contact.Phone, Email: p.Contact.Email},
		Priority:      p.Priority,
		BloodType:     p.BloodType,
		UnitsNeeded:   p.UnitsNeeded,
		Hospital:      p.Hospital,
		ServiceType:   p.ServiceType,
		Title:         p.Title,
	}
}

type utteranceResponse struct {
	Text       string  `json:"text"`
	Language   string  `json:"language"`
	Confidence float64 `json:"confidence"`
}

type classificationResponse struct {
	Category    string  `json:"category"`
	Priority    string  `json:"priority"`
	Confidence  float64 `json:"confidence"`
	Subcategory string  `json:"subcategory,omitempty"`
	Reply       string  `json:"reply"`
	Source      string  `json:"source"`
}

func toClassificationResponse(r classify.Result) classificationResponse {
	return classificationResponse{
		Category:    string(r.Category),
		Priority:    string(r.Priority),
		Confidence:  r.Confidence,
		Subcategory: string(r.Subcategory),
		Reply:       r.Reply,
		Source:      string(r.Source),
	}
}

type intakeResponse struct {
	Utterance      utteranceResponse      `json:"utterance"`
	Classification classificationResponse `json:"classification"`
	Request        *requestResponse       `json:"request,omitempty"`
}

func toIntakeResponse(r intake.Response) intakeResponse {
	resp := intakeResponse{
		Utterance: utteranceResponse{
			Text:       r.Utterance.Text,
			Language:   r.Utterance.Language,
			Confidence: r.Utterance.Confidence,
		},
		Classification: toClassificationResponse(r.Classification),
	}
	if r.Request != nil {
		out := toRequestResponse(*r.Request)
		resp.Request = &out
	}
	return resp
}
