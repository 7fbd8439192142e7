package switcher

import (
	"errors"
)

// Kind 是对外暴露的失败类型。
type Kind string

const (
	KindMalformedRecord    Kind = "malformed_record"
	KindAllFeedsFailed     Kind = "all_feeds_failed"
	KindNoCandidates       Kind = "no_candidates"
	KindAllBlacklisted     Kind = "all_blacklisted"
	KindApplyRejected      Kind = "apply_rejected"
	KindVerificationFailed Kind = "verification_failed"
	KindExhaustedRetries   Kind = "exhausted_retries"
)

// 用于 errors.Is 的哨兵，只比较 Kind。
var (
	ErrMalformedRecord    = &Error{Kind: KindMalformedRecord}
	ErrAllFeedsFailed     = &Error{Kind: KindAllFeedsFailed}
	ErrNoCandidates       = &Error{Kind: KindNoCandidates}
	ErrAllBlacklisted     = &Error{Kind: KindAllBlacklisted}
	ErrApplyRejected      = &Error{Kind: KindApplyRejected}
	ErrVerificationFailed = &Error{Kind: KindVerificationFailed}
	ErrExhaustedRetries   = &Error{Kind: KindExhaustedRetries}
)

// Failure 记录一次候选尝试失败的阶段和原因。
type Failure struct {
	ProxyID string `json:"proxyId"`
	Stage   string `json:"stage"` // apply, ip, page
	Reason  string `json:"reason"`
}

// Error 是编排器返回的失败，Reason 可以直接展示给用户。
type Error struct {
	Kind          Kind      `json:"kind"`
	Reason        string    `json:"reason"`
	Attempts      int       `json:"attempts,omitempty"`
	Blocked       int       `json:"blocked,omitempty"`
	ExcludedNoTLS int       `json:"excludedNoTls,omitempty"`
	Failures      []Failure `json:"failures,omitempty"`

	Err error `json:"-"`
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return string(e.Kind)
	}
	return e.Reason
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is 让 errors.Is(err, ErrNoCandidates) 这类判断只看 Kind。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf 返回 err 链上第一个 *Error 的 Kind，没有时返回空串。
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
