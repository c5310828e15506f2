package negotiation

import (
	xerrors "AgentResonance/internal/errors"
)

const (
	CodeInvalidTransition      xerrors.Code = "NEGOTIATION_INVALID_TRANSITION"
	CodeFormulationDegraded    xerrors.Code = "NEGOTIATION_FORMULATION_DEGRADED"
	CodeOfferTimeout           xerrors.Code = "NEGOTIATION_OFFER_TIMEOUT"
	CodeOfferAdapterError      xerrors.Code = "NEGOTIATION_OFFER_ADAPTER_ERROR"
	CodeBarrierTimeout         xerrors.Code = "NEGOTIATION_BARRIER_TIMEOUT"
	CodeSynthesisParseFailure  xerrors.Code = "NEGOTIATION_SYNTHESIS_PARSE_FAILURE"
	CodeRecursionDepthExceeded xerrors.Code = "NEGOTIATION_RECURSION_DEPTH_EXCEEDED"
	CodeSessionTimeout         xerrors.Code = "NEGOTIATION_SESSION_TIMEOUT"
)

var (
	// ErrSessionNotFound 表示指定的协商不存在。
	ErrSessionNotFound = xerrors.New(xerrors.CodeNotFound, "negotiation not found")
	// ErrNotConfirmable 表示协商当前不处于 FORMULATED 检查点。
	ErrNotConfirmable = xerrors.New(xerrors.CodeConflict, "negotiation is not awaiting confirmation")
	// ErrAlreadyStarted 表示协商已被某个 worker 驱动。
	ErrAlreadyStarted = xerrors.New(xerrors.CodeConflict, "negotiation already started")
	// ErrRecursionDepthExceeded 表示子协商已达到深度上限。
	ErrRecursionDepthExceeded = xerrors.New(CodeRecursionDepthExceeded, "recursion depth exceeded")
)

func init() {
	xerrors.Register(CodeInvalidTransition, xerrors.Attributes{
		Message:   "invalid state transition",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeFormulationDegraded, xerrors.Attributes{
		Message:   "formulation degraded",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeOfferTimeout, xerrors.Attributes{
		Message:   "offer timed out",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeOfferAdapterError, xerrors.Attributes{
		Message:   "offer adapter error",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeBarrierTimeout, xerrors.Attributes{
		Message:   "barrier timed out",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSynthesisParseFailure, xerrors.Attributes{
		Message:   "synthesis output could not be parsed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRecursionDepthExceeded, xerrors.Attributes{
		Message:   "recursion depth exceeded",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSessionTimeout, xerrors.Attributes{
		Message:   "negotiation timed out",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}
