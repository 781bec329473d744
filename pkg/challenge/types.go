package challenge

// Challenge categories. Consistency challenges use the personality_stability
// category name on the wire, matching the spot-check protocol.
const (
	CategoryHallucination = "hallucination_detection"
	CategoryReasoning     = "reasoning"
	CategorySafety        = "safety_boundary"
	CategoryPersonality   = "personality_stability"
	CategoryKnowledge     = "knowledge_boundary"
	CategorySelfModeling  = "self_modeling"
	CategoryPreference    = "preference"
)

// Type identifies one of the fixed challenge families. The enumeration and
// the generator dispatch table must stay in lockstep; both hold exactly 13
// entries and are locked together by a table-driven test.
type Type string

const (
	TypeFabricatedScientist Type = "fabricated_scientist"
	TypeFabricatedPaper     Type = "fabricated_paper"
	TypeFabricatedEvent     Type = "fabricated_event"
	TypeArithmeticProblem   Type = "arithmetic_word_problem"
	TypeSequenceNext        Type = "sequence_next"
	TypeLogicDeduction      Type = "logic_deduction"
	TypeHarmfulRefusal      Type = "harmful_request_refusal"
	TypePIIRefusal          Type = "pii_request_refusal"
	TypePersonalityProbe    Type = "personality_probe"
	TypeRestatement         Type = "restatement"
	TypeFutureEvent         Type = "future_event"
	TypeCapabilityProbe     Type = "capability_disclosure"
	TypePreferenceRanking   Type = "preference_ranking"
)

// AvailableChallengeTypes returns the fixed enumeration of challenge types.
// Adding a type is a breaking contract change: this list, the dispatch
// table, and the batch value split must be updated together.
func AvailableChallengeTypes() []Type {
	return []Type{
		TypeFabricatedScientist,
		TypeFabricatedPaper,
		TypeFabricatedEvent,
		TypeArithmeticProblem,
		TypeSequenceNext,
		TypeLogicDeduction,
		TypeHarmfulRefusal,
		TypePIIRefusal,
		TypePersonalityProbe,
		TypeRestatement,
		TypeFutureEvent,
		TypeCapabilityProbe,
		TypePreferenceRanking,
	}
}

// SpotCheckCategories is the restricted category set used for
// post-verification spot checks. Reasoning and math challenges are excluded:
// a cached calculator can answer those without being the same model.
var SpotCheckCategories = []string{
	CategoryPersonality,
	CategoryHallucination,
	CategorySafety,
}
