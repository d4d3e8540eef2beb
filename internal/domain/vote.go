package domain

type VoteType string

const (
	VoteUp   VoteType = "UP"
	VoteDown VoteType = "DOWN"
)

func ParseVoteType(s string) (VoteType, error) {
	switch VoteType(s) {
	case VoteUp, VoteDown:
		return VoteType(s), nil
	}
	return "", ErrInvalidVoteType
}

// VoteResult is the outcome of a vote mutation. VoteType is nil when the vote was retracted.
type VoteResult struct {
	ReviewID      string    `json:"-"`
	VoteType      *VoteType `json:"voteType"`
	HelpfulCount  int       `json:"helpfulCount"`
	DownVoteCount int       `json:"downVoteCount"`
}

// VoteUpdate carries post-mutation counters to live clients.
type VoteUpdate struct {
	ReviewID      string
	HelpfulCount  int
	DownVoteCount int
}

func (r VoteResult) Update() VoteUpdate {
	return VoteUpdate{ReviewID: r.ReviewID, HelpfulCount: r.HelpfulCount, DownVoteCount: r.DownVoteCount}
}

type VoteAction string

const (
	VoteActionCast    VoteAction = "cast"
	VoteActionRetract VoteAction = "retract"
	VoteActionSwitch  VoteAction = "switch"
)

// VoteTransition is what a repository has to persist for one vote request.
type VoteTransition struct {
	Action        VoteAction
	Vote          *VoteType
	HelpfulCount  int
	DownVoteCount int
}

// NextVote applies a vote request to the current state: a first vote counts, repeating the
// same vote retracts it, and the opposite vote moves one count to the other side.
// Counters never drop below zero.
func NextVote(previous *VoteType, requested VoteType, helpful, down int) VoteTransition {
	t := VoteTransition{HelpfulCount: helpful, DownVoteCount: down}

	switch {
	case previous == nil:
		t.Action = VoteActionCast
		t.Vote = &requested
		t.adjust(requested, 1)
	case *previous == requested:
		t.Action = VoteActionRetract
		t.adjust(requested, -1)
	default:
		t.Action = VoteActionSwitch
		t.Vote = &requested
		t.adjust(*previous, -1)
		t.adjust(requested, 1)
	}
	return t
}

func (t *VoteTransition) adjust(v VoteType, delta int) {
	if v == VoteUp {
		t.HelpfulCount = max(0, t.HelpfulCount+delta)
	} else {
		t.DownVoteCount = max(0, t.DownVoteCount+delta)
	}
}
