// Package disclosure decides which requester details a viewer may see.
package disclosure

import (
	"civicaid/auth"
	"civicaid/request"
)

// Hidden replaces every field the viewer is not entitled to.
const Hidden = "Hidden until you volunteer"

// Projection is the only shape in which a request leaves the core.
type Projection struct {
	Request        request.ServiceRequest
	ContactVisible bool
}

// CanSeeContact reports whether viewer may see req's contact details: the
// requester, an admin, the committed volunteer of a blood or elder support
// request, or the accepted applicant of a complaint.
func CanSeeContact(req request.ServiceRequest, viewer auth.Actor) bool {
	if viewer.UserID == "" {
		return false
	}
	if viewer.IsAdmin() || viewer.UserID == req.RequesterID {
		return true
	}
	switch req.Details.(type) {
	case request.BloodDetails, request.ElderSupportDetails:
		return req.IsCommittedVolunteer(viewer.UserID)
	case request.ComplaintDetails:
		app, ok := req.AcceptedApplication()
		return ok && app.VolunteerID == viewer.UserID
	}
	return false
}

// Reveal projects req for viewer, masking contact fields (and the requester's
// name for blood and elder support requests) unless CanSeeContact allows them.
// The returned request never shares memory with req.
func Reveal(req request.ServiceRequest, viewer auth.Actor) Projection {
	out := req.Clone()
	if CanSeeContact(req, viewer) {
		return Projection{Request: out, ContactVisible: true}
	}

	out.Contact = request.Contact{Phone: Hidden, Email: Hidden}
	switch req.Details.(type) {
	case request.BloodDetails, request.ElderSupportDetails:
		out.RequesterName = Hidden
	}
	return Projection{Request: out}
}

// RevealAll applies Reveal to every request in list.
func RevealAll(list []request.ServiceRequest, viewer auth.Actor) []Projection {
	out := make([]Projection, 0, len(list))
	for _, req := range list {
		out = append(out, Reveal(req, viewer))
	}
	return out
}
