package step

import xerrors "OpenMCP-Hub/internal/errors"

// 执行器错误码。
const (
	CodeCapabilityPanic     xerrors.Code = "STEP_CAPABILITY_PANIC"
	CodeUnknownCapability   xerrors.Code = "STEP_UNKNOWN_CAPABILITY"
	CodeDuplicateCapability xerrors.Code = "STEP_DUPLICATE_CAPABILITY"
	CodeNoMatchingBranch    xerrors.Code = "STEP_NO_MATCHING_BRANCH"
	CodeUnresolvedParam     xerrors.Code = "STEP_UNRESOLVED_PARAM"
	CodeStepTimeout         xerrors.Code = "STEP_TIMEOUT"
	CodeFallbackStopped     xerrors.Code = "STEP_FALLBACK_STOPPED"
	CodeInvalidStep         xerrors.Code = "STEP_INVALID"
)

func init() {
	xerrors.Register(CodeCapabilityPanic, xerrors.Attributes{
		Message:  "capability panicked",
		Severity: xerrors.SeverityCritical,
		Class:    xerrors.ClassCapability,
	})
	xerrors.Register(CodeUnknownCapability, xerrors.Attributes{
		Message:  "unknown capability",
		Severity: xerrors.SeverityWarning,
		Class:    xerrors.ClassCoordination,
	})
	xerrors.Register(CodeDuplicateCapability, xerrors.Attributes{
		Message:  "capability already registered",
		Severity: xerrors.SeverityWarning,
		Class:    xerrors.ClassValidation,
	})
	xerrors.Register(CodeNoMatchingBranch, xerrors.Attributes{
		Message:  "no matching branch",
		Severity: xerrors.SeverityWarning,
		Class:    xerrors.ClassCoordination,
	})
	xerrors.Register(CodeUnresolvedParam, xerrors.Attributes{
		Message:  "parameter reference cannot be resolved",
		Severity: xerrors.SeverityWarning,
		Class:    xerrors.ClassValidation,
	})
	xerrors.Register(CodeStepTimeout, xerrors.Attributes{
		Message:   "step timed out",
		Severity:  xerrors.SeverityWarning,
		Class:     xerrors.ClassCapability,
		Retryable: true,
	})
	xerrors.Register(CodeFallbackStopped, xerrors.Attributes{
		Message:  "stopped by fallback",
		Severity: xerrors.SeverityWarning,
		Class:    xerrors.ClassCapability,
	})
	xerrors.Register(CodeInvalidStep, xerrors.Attributes{
		Message:  "invalid step declaration",
		Severity: xerrors.SeverityWarning,
		Class:    xerrors.ClassValidation,
	})
}
