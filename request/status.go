package request

type edge struct {
	from Status
	to   Status
}

type graph struct {
	initial Status
	commit  edge
	// held lists statuses in which the commitment slot must be occupied.
	held  []Status
	edges []edge
}

var graphs = map[Kind]graph{
	KindBlood: {
		initial: StatusPending,
		commit:  edge{StatusPending, StatusAccepted},
		held:    []Status{StatusAccepted, StatusCompleted},
		edges: []edge{
			{StatusAccepted, StatusCompleted},
			{StatusPending, StatusCancelled},
			{StatusAccepted, StatusCancelled},
		},
	},
	KindElderSupport: {
		initial: StatusPending,
		commit:  edge{StatusPending, StatusAccepted},
		held:    []Status{StatusAccepted, StatusInProgress, StatusCompleted},
		edges: []edge{
			{StatusAccepted, StatusInProgress},
			{StatusInProgress, StatusCompleted},
			{StatusPending, StatusCancelled},
			{StatusAccepted, StatusCancelled},
			{StatusInProgress, StatusCancelled},
		},
	},
	KindComplaint: {
		initial: StatusOpen,
		commit:  edge{StatusOpen, StatusAssigned},
		held:    []Status{StatusAssigned, StatusInProgress, StatusResolved, StatusClosed},
		edges: []edge{
			{StatusAssigned, StatusInProgress},
			{StatusInProgress, StatusResolved},
			{StatusResolved, StatusClosed},
			{StatusOpen, StatusCancelled},
			{StatusAssigned, StatusCancelled},
			{StatusInProgress, StatusCancelled},
		},
	},
}

// InitialStatus is the status a freshly created request of kind k starts in.
func InitialStatus(k Kind) Status { return graphs[k].initial }

// CommitStatus is the status reached when the fulfillment slot is filled.
func CommitStatus(k Kind) Status { return graphs[k].commit.to }

// Statuses lists every status valid for k.
func Statuses(k Kind) []Status {
	g, ok := graphs[k]
	if !ok {
		return nil
	}
	seen := map[Status]bool{g.initial: true}
	out := []Status{g.initial}
	add := func(s Status) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	add(g.commit.to)
	for _, e := range g.edges {
		add(e.from)
		add(e.to)
	}
	return out
}

// ValidStatus reports whether s belongs to k's status vocabulary.
func ValidStatus(k Kind, s Status) bool {
	for _, candidate := range Statuses(k) {
		if candidate == s {
			return true
		}
	}
	return false
}

// CanTransition reports whether from -> to is an edge reachable through a plain
// transition. Commit edges are excluded; only the matching engine takes them.
func CanTransition(k Kind, from, to Status) bool {
	g, ok := graphs[k]
	if !ok {
		return false
	}
	for _, e := range g.edges {
		if e.from == from && e.to == to {
			return true
		}
	}
	return false
}

// IsCommitEdge reports whether from -> to is k's commit edge.
func IsCommitEdge(k Kind, from, to Status) bool {
	g, ok := graphs[k]
	return ok && g.commit == edge{from, to}
}

// HoldsCommitment reports whether a request of kind k in status s must have a
// commitment.
func HoldsCommitment(k Kind, s Status) bool {
	for _, held := range graphs[k].held {
		if held == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func IsTerminal(s Status) bool {
	switch s {
	case StatusCancelled, StatusClosed, StatusCompleted:
		return true
	}
	return false
}

// RequiresOwnerAuthority reports whether only the requester or an admin may
// move a request to s.
func RequiresOwnerAuthority(s Status) bool {
	return s == StatusCancelled || s == StatusClosed
}
