package errors

// Code represents an error code
type Code string

// Error codes
const (
	CodeUnknown               Code = "UNKNOWN"                 // Unknown error occurred
	CodeInternalError         Code = "INTERNAL_ERROR"          // Internal system error
	CodeValidationFailed      Code = "VALIDATION_FAILED"       // Input validation failed
	CodeInvalidParameter      Code = "INVALID_PARAMETER"       // Invalid parameter provided
	CodeMissingParameter      Code = "MISSING_PARAMETER"       // Required parameter missing
	CodePolicyDenied          Code = "POLICY_DENIED"           // Security policy denied the request
	CodeQuotaExceeded         Code = "QUOTA_EXCEEDED"          // Workspace quota exhausted
	CodeResourceNotFound      Code = "RESOURCE_NOT_FOUND"      // Resource not found
	CodeResourceAlreadyExists Code = "RESOURCE_ALREADY_EXISTS" // Resource already exists
	CodeImagePullFailed       Code = "IMAGE_PULL_FAILED"       // Image pull failed
	CodeContainerStartFailed  Code = "CONTAINER_START_FAILED"  // Container create or start failed
	CodeExecFailed            Code = "EXEC_FAILED"             // Command execution failed
	CodeTimeoutError          Code = "TIMEOUT_ERROR"           // Timeout reached
	CodeCancelled             Code = "CANCELLED"               // Operation cancelled
	CodeIoError               Code = "IO_ERROR"                // Input/output operation failed
	CodeInvalidState          Code = "INVALID_STATE"           // Invalid state transition
	CodeWorkflowFailed        Code = "WORKFLOW_FAILED"         // Workflow execution failed
	CodeBackendUnavailable    Code = "BACKEND_UNAVAILABLE"     // Container backend unreachable
	CodeSessionExpired        Code = "SESSION_EXPIRED"         // Session has expired
	CodeAuthFailed            Code = "AUTH_FAILED"             // Authentication failed
	CodeConfigurationInvalid  Code = "CONFIGURATION_INVALID"   // Configuration invalid
	CodeNotImplemented        Code = "NOT_IMPLEMENTED"         // Not implemented
)
