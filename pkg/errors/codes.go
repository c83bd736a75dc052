package errors

// ErrorCodeInfo contains metadata about an error code.
type ErrorCodeInfo struct {
	Code            ErrorCode
	Retryable       bool
	Description     string
	SuggestedAction string
}

// ErrorCodeRegistry maps error codes to their metadata.
//
// Parse and contract failures are retryable because model output is not
// deterministic; the retry budget in pkg/llm bounds how often that happens.
var ErrorCodeRegistry = map[ErrorCode]ErrorCodeInfo{
	ErrTimeout: {
		Code:            ErrTimeout,
		Retryable:       true,
		Description:     "Model call exceeded its per-attempt time limit",
		SuggestedAction: "Raise llm.timeout in config.yaml or lower --concurrency",
	},
	ErrRateLimit: {
		Code:            ErrRateLimit,
		Retryable:       true,
		Description:     "Model provider rate limit exceeded",
		SuggestedAction: "Lower --concurrency or workers.count, then rerun: scout evaluate",
	},
	ErrModelUnavailable: {
		Code:            ErrModelUnavailable,
		Retryable:       true,
		Description:     "Model endpoint unreachable or returned 5xx",
		SuggestedAction: "Check llm.endpoint with: scout config show",
	},
	ErrContextCancelled: {
		Code:            ErrContextCancelled,
		Retryable:       false,
		Description:     "Operation cancelled by user or shutdown",
		SuggestedAction: "Rerun scout evaluate; already written units are skipped",
	},
	ErrParseError: {
		Code:            ErrParseError,
		Retryable:       true,
		Description:     "Model response was not valid JSON after fence stripping",
		SuggestedAction: "Inspect the unit's errors in evaluations.jsonl and rerun with --reprocess",
	},
	ErrContract: {
		Code:            ErrContract,
		Retryable:       true,
		Description:     "Model response JSON is missing a required field or has the wrong type",
		SuggestedAction: "Inspect the unit's errors in evaluations.jsonl; check prompt templates",
	},
	ErrEmptyResponse: {
		Code:            ErrEmptyResponse,
		Retryable:       true,
		Description:     "Model returned no content",
		SuggestedAction: "Verify llm.model supports chat completions: scout config show",
	},
	ErrAuthentication: {
		Code:            ErrAuthentication,
		Retryable:       false,
		Description:     "Model provider rejected or lacked credentials",
		SuggestedAction: "Store a key with: scout auth set-key, or export OPENAI_API_KEY",
	},
	ErrProcessingError: {
		Code:            ErrProcessingError,
		Retryable:       false,
		Description:     "Unclassified model call error",
		SuggestedAction: "Rerun with --log-level debug and check the logs for the unit",
	},
}

// IsRetryable returns true if the given error code represents a retryable failure.
func IsRetryable(code ErrorCode) bool {
	if info, ok := ErrorCodeRegistry[code]; ok {
		return info.Retryable
	}
	return false
}

// GetSuggestedAction returns the suggested action for the given error code.
func GetSuggestedAction(code ErrorCode) string {
	if info, ok := ErrorCodeRegistry[code]; ok {
		return info.SuggestedAction
	}
	return "Check logs for more details: scout evaluate --log-level debug"
}

// GetDescription returns the human-readable description for the given error code.
func GetDescription(code ErrorCode) string {
	if info, ok := ErrorCodeRegistry[code]; ok {
		return info.Description
	}
	return "Unknown error"
}
