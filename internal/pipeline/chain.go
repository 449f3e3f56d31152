package pipeline

import "github.com/kiranshivaraju/quillforge/pkg/models"

// ChapterChain is the fixed order of stages that takes a chapter from a brief to an
// edited, summarised chapter whose story state has been propagated.
var ChapterChain = []string{
	models.JobTypeGenerateChapter,
	models.JobTypeDevEdit,
	models.JobTypeLineEdit,
	models.JobTypeContinuityCheck,
	models.JobTypeCopyEdit,
	models.JobTypeGenerateSummary,
	models.JobTypeUpdateStates,
}

var editorStages = map[string]bool{
	models.JobTypeDevEdit:         true,
	models.JobTypeLineEdit:        true,
	models.JobTypeContinuityCheck: true,
	models.JobTypeCopyEdit:        true,
}

// NextStage returns the stage that follows jobType in the chapter chain.
func NextStage(jobType string) (string, bool) {
	for i, stage := range ChapterChain {
		if stage == jobType && i+1 < len(ChapterChain) {
			return ChapterChain[i+1], true
		}
	}
	return "", false
}

// InChain reports whether jobType is one of the chapter chain stages.
func InChain(jobType string) bool {
	for _, stage := range ChapterChain {
		if stage == jobType {
			return true
		}
	}
	return false
}

// IsEditorStage reports whether jobType is one of the four editing passes, the only
// stages that may be run synchronously.
func IsEditorStage(jobType string) bool {
	return editorStages[jobType]
}
