package hwreduce

import (
	"fmt"
)

// A Role is the part a node plays in a reduction.
type Role int

const (
	NonParticipant Role = iota

	// Stage1Sender contributes in the first stage only.
	Stage1Sender

	// Stage1RecipientAndStage2Sender receives its
	// column's partial result and forwards it along the
	// target's row.
	Stage1RecipientAndStage2Sender

	// FinalTarget receives the fully reduced result.
	// In the two-stage scheme it is also the stage-1
	// recipient of its column and contributes its partial
	// to stage 2.
	FinalTarget
)

func (r Role) String() string {
	switch r {
	case NonParticipant:
		return "NonParticipant"
	case Stage1Sender:
		return "Stage1Sender"
	case Stage1RecipientAndStage2Sender:
		return "Stage1RecipientAndStage2Sender"
	case FinalTarget:
		return "FinalTarget"
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

// Participates checks if the node contributes data.
func (r Role) Participates() bool {
	return r != NonParticipant
}

// ReceivesStage1 checks if a node collects a column's
// partial result in the two-stage scheme.
func (r Role) ReceivesStage1() bool {
	return r == Stage1RecipientAndStage2Sender || r == FinalTarget
}
