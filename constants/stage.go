package constants

// Stage is one step of the fixed document-processing sequence.
type Stage string

// Stable values (store these exact strings in job payloads).
const (
	StageIngestion     Stage = "ingestion"
	StageExtraction    Stage = "extraction"
	StageLanguage      Stage = "language"
	StageChunking      Stage = "chunking"
	StageSummarization Stage = "summarization"
	StageIndexing      Stage = "indexing"
)

// PipelineStages is the canonical execution order. Stage N+1 is never
// enqueued before stage N has succeeded.
var PipelineStages = []Stage{
	StageIngestion,
	StageExtraction,
	StageLanguage,
	StageChunking,
	StageSummarization,
	StageIndexing,
}

// IsValidStage reports whether s names one of the six pipeline stages.
func IsValidStage(s Stage) bool {
	for _, st := range PipelineStages {
		if st == s {
			return true
		}
	}
	return false
}

// NextStage returns the stage after s, or "" when s is the last stage.
func NextStage(s Stage) Stage {
	for i, st := range PipelineStages {
		if st == s && i+1 < len(PipelineStages) {
			return PipelineStages[i+1]
		}
	}
	return ""
}

// StageIndex returns the position of s in the pipeline, or -1.
func StageIndex(s Stage) int {
	for i, st := range PipelineStages {
		if st == s {
			return i
		}
	}
	return -1
}

// IsLastStage reports whether s is the terminal pipeline stage.
func IsLastStage(s Stage) bool {
	return s == PipelineStages[len(PipelineStages)-1]
}
