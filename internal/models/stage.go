package models

// StageName identifies a grading pipeline stage
type StageName string

const (
	StageValidate        StageName = "Validate"
	StageEnhance         StageName = "Enhance"
	StageLocateRegions   StageName = "LocateRegions"
	StageIngestDocument  StageName = "IngestDocument"
	StageInterpretRubric StageName = "InterpretRubric"
	StageScore           StageName = "Score"
	StageAssembleResult  StageName = "AssembleResult"
)

// PipelineOrder is the fixed execution order of the grading stages
var PipelineOrder = []StageName{
	StageValidate,
	StageEnhance,
	StageLocateRegions,
	StageIngestDocument,
	StageInterpretRubric,
	StageScore,
	StageAssembleResult,
}

// StageArtifacts maps each stage to the single artifact key it writes
var StageArtifacts = map[StageName]ArtifactKey{
	StageValidate:        ArtifactValidatedFiles,
	StageEnhance:         ArtifactEnhancedImages,
	StageLocateRegions:   ArtifactRegions,
	StageIngestDocument:  ArtifactDocumentStructure,
	StageInterpretRubric: ArtifactRubricSchema,
	StageScore:           ArtifactScores,
	StageAssembleResult:  ArtifactResult,
}

// IsValidStageName checks if the stage name is recognized
func IsValidStageName(name StageName) bool {
	_, ok := StageArtifacts[name]
	return ok
}

// StageIndex returns the position of a stage in PipelineOrder, or -1
func StageIndex(name StageName) int {
	for i, s := range PipelineOrder {
		if s == name {
			return i
		}
	}
	return -1
}

// ErrorKind classifies stage failures. Values are exposed to clients verbatim.
type ErrorKind string

const (
	ErrorKindValidation      ErrorKind = "ValidationError"
	ErrorKindExternalService ErrorKind = "ExternalServiceError"
	ErrorKindTimeout         ErrorKind = "TimeoutError"
	ErrorKindConfiguration   ErrorKind = "ConfigurationError"
	ErrorKindCancelled       ErrorKind = "CancelledError"
)

// IsTransient reports whether errors of this kind are eligible for automatic retry
func (k ErrorKind) IsTransient() bool {
	return k == ErrorKindExternalService || k == ErrorKindTimeout
}

// IsValidErrorKind checks if the error kind is recognized
func IsValidErrorKind(k ErrorKind) bool {
	switch k {
	case ErrorKindValidation, ErrorKindExternalService, ErrorKindTimeout, ErrorKindConfiguration, ErrorKindCancelled:
		return true
	default:
		return false
	}
}

// IsTransientHTTPStatus classifies HTTP status codes for retry logic
func IsTransientHTTPStatus(status int) bool {
	// 5xx server errors are transient (service might recover)
	if status >= 500 && status < 600 {
		return true
	}
	// 408 Request Timeout, 429 Too Many Requests are transient
	if status == 408 || status == 429 {
		return true
	}
	return false
}
