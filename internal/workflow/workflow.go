// Package workflow contains the participant-group signing rules: membership
// checks, signing-order enforcement, next-signer resolution, and completion
// detection. Every function is pure — inputs are never mutated, changed group
// lists come back as fresh copies, and a nil return means "no-op".
package workflow

import "github.com/vincentgggg12/docufen-admin-sub002/internal/stage"

type GroupTitle string

const (
	GroupOwners       GroupTitle = "Owners"
	GroupPreApproval  GroupTitle = "Pre-Approval"
	GroupExecution    GroupTitle = "Execution"
	GroupPostApproval GroupTitle = "Post-Approval"
	GroupViewers      GroupTitle = "Viewers"
)

type Participant struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	Initials string `json:"initials,omitempty"`
	Signed   bool   `json:"signed"`
}

// Group is one participant group. Order of Participants is significant only
// when SigningOrder is true, where it defines signing precedence.
type Group struct {
	Title        GroupTitle    `json:"title"`
	Participants []Participant `json:"participants"`
	SigningOrder bool          `json:"signingOrder"`
}

// StageGroupIndex maps an approval stage to its slot in the approval-group
// slice handed to the functions below (Pre-Approval, Execution,
// Post-Approval). Stages without a signing group map to -1.
func StageGroupIndex(s stage.Stage) int {
	switch s {
	case stage.PreApprove:
		return 0
	case stage.Execute:
		return 1
	case stage.PostApprove:
		return 2
	default:
		return -1
	}
}

// sameParticipant matches by id, then email, then name, then initials. The
// first field both sides carry decides; display names may collide, so the
// stronger identifiers always win.
func sameParticipant(a, b Participant) bool {
	if a.ID != "" && b.ID != "" {
		return a.ID == b.ID
	}
	if a.Email != "" && b.Email != "" {
		return a.Email == b.Email
	}
	if a.Name != "" && b.Name != "" {
		return a.Name == b.Name
	}
	if a.Initials != "" && b.Initials != "" {
		return a.Initials == b.Initials
	}
	return false
}

// sameIdentity is the stricter match used for dedup and signing: id or email
// only, never display fields.
func sameIdentity(a, b Participant) bool {
	if a.ID != "" && b.ID != "" && a.ID == b.ID {
		return true
	}
	return a.Email != "" && b.Email != "" && a.Email == b.Email
}

func groupAt(s stage.Stage, groups []Group) (int, bool) {
	idx := StageGroupIndex(s)
	if idx < 0 || idx >= len(groups) {
		return -1, false
	}
	return idx, true
}

// cloneWith returns a copy of groups with the group at idx replaced by a copy
// carrying the given participants.
func cloneWith(groups []Group, idx int, participants []Participant) []Group {
	out := make([]Group, len(groups))
	copy(out, groups)
	out[idx].Participants = participants
	return out
}

// IsInWorkflow reports whether the participant belongs to the group mapped
// from the stage.
func IsInWorkflow(s stage.Stage, p Participant, groups []Group) bool {
	idx, ok := groupAt(s, groups)
	if !ok {
		return false
	}
	for _, member := range groups[idx].Participants {
		if sameParticipant(member, p) {
			return true
		}
	}
	return false
}

// AddParticipant appends the participant to the stage's group. Returns nil if
// a participant with the same id or email is already present.
func AddParticipant(s stage.Stage, p Participant, groups []Group) []Group {
	idx, ok := groupAt(s, groups)
	if !ok {
		return nil
	}
	for _, member := range groups[idx].Participants {
		if sameIdentity(member, p) {
			return nil
		}
	}
	members := make([]Participant, 0, len(groups[idx].Participants)+1)
	members = append(members, groups[idx].Participants...)
	members = append(members, p)
	return cloneWith(groups, idx, members)
}

// RemoveParticipant filters the participant out of the stage's group.
func RemoveParticipant(s stage.Stage, p Participant, groups []Group) []Group {
	idx, ok := groupAt(s, groups)
	if !ok {
		return nil
	}
	members := make([]Participant, 0, len(groups[idx].Participants))
	for _, member := range groups[idx].Participants {
		if !sameIdentity(member, p) {
			members = append(members, member)
		}
	}
	return cloneWith(groups, idx, members)
}

// MarkSigned sets signed=true on every participant in the stage's group
// matching by id or email. Returns nil if nothing matched.
func MarkSigned(s stage.Stage, p Participant, groups []Group) []Group {
	idx, ok := groupAt(s, groups)
	if !ok {
		return nil
	}
	matched := false
	members := make([]Participant, len(groups[idx].Participants))
	copy(members, groups[idx].Participants)
	for i := range members {
		if sameIdentity(members[i], p) {
			members[i].Signed = true
			matched = true
		}
	}
	if !matched {
		return nil
	}
	return cloneWith(groups, idx, members)
}

// IsNextInLine answers "may this participant sign now". Membership is the
// caller's concern: without a signing order any member may sign at any time,
// so the answer is unconditionally true. With a signing order the requester
// must match the first unsigned participant in list order.
func IsNextInLine(s stage.Stage, p Participant, groups []Group) bool {
	idx, ok := groupAt(s, groups)
	if !ok {
		return false
	}
	group := groups[idx]
	if !group.SigningOrder {
		return true
	}
	for _, member := range group.Participants {
		if !member.Signed {
			return sameParticipant(member, p)
		}
	}
	return false
}

// NextSignerIndex returns the index of the first unsigned participant when
// the stage's group enforces signing order, else -1. -1 also means everyone
// has signed.
func NextSignerIndex(s stage.Stage, groups []Group) int {
	idx, ok := groupAt(s, groups)
	if !ok {
		return -1
	}
	group := groups[idx]
	if !group.SigningOrder {
		return -1
	}
	for i, member := range group.Participants {
		if !member.Signed {
			return i
		}
	}
	return -1
}

// AllSigned reports whether every participant in the stage's group has
// signed. Vacuously true for a missing or empty group.
func AllSigned(s stage.Stage, groups []Group) bool {
	idx, ok := groupAt(s, groups)
	if !ok {
		return true
	}
	for _, member := range groups[idx].Participants {
		if !member.Signed {
			return false
		}
	}
	return true
}
