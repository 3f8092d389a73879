package provenance

// AfterHumanEdit returns the source type a field takes when a human edits
// it. current is empty when the field has no recorded authorship.
//
// Any AI involvement degrades to human_modified and never reverts to an AI
// tag without an explicit AI fill.
func AfterHumanEdit(current SourceType) SourceType {
	switch current {
	case SourceAIGenerated, SourceAIAssisted, SourceHumanModified:
		return SourceHumanModified
	default:
		return SourceHumanCreated
	}
}

// AfterAIGeneration returns the source type a field takes when AI
// (re)generates it. An ai_assisted field keeps its tag.
func AfterAIGeneration(current SourceType) SourceType {
	if current == SourceAIAssisted {
		return SourceAIAssisted
	}
	return SourceAIGenerated
}
