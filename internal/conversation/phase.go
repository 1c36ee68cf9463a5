package conversation

// Phase is the liveness classification of an identity, derived from stored
// profile state and never persisted itself.
type Phase string

const (
	PhaseUnseen      Phase = "unseen"
	PhaseNamePending Phase = "name_pending"
	PhaseActive      Phase = "active"
)

// DerivePhase classifies an identity from its profile lookup.
func DerivePhase(profileFound bool, displayName string) Phase {
	switch {
	case !profileFound:
		return PhaseUnseen
	case displayName == "":
		return PhaseNamePending
	default:
		return PhaseActive
	}
}

// AcceptsDocuments reports whether uploads are allowed in this phase.
func (p Phase) AcceptsDocuments() bool {
	return p == PhaseActive
}
