package plugin

import "fmt"

// FetchError is the typed error taxonomy a Plugin's Fetch may return.
// The stream worker uses errors.As to classify these for logging and
// backoff scheduling without string matching.
type FetchError struct {
	Kind    FetchErrorKind
	Message string
	Err     error
}

// FetchErrorKind enumerates the provider error taxonomy.
type FetchErrorKind string

const (
	KindAuth        FetchErrorKind = "auth"
	KindNotFound    FetchErrorKind = "not_found"
	KindRateLimited FetchErrorKind = "rate_limited"
	KindTimeout     FetchErrorKind = "timeout"
	KindNetwork     FetchErrorKind = "network"
	KindParse       FetchErrorKind = "parse"
	KindUnknown     FetchErrorKind = "unknown"
)

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *FetchError) Unwrap() error { return e.Err }

// NewFetchError constructs a FetchError of the given kind.
func NewFetchError(kind FetchErrorKind, message string, cause error) *FetchError {
	return &FetchError{Kind: kind, Message: message, Err: cause}
}

// AuthErr, NotFoundErr, RateLimitedErr, TimeoutErr, NetworkErr, ParseErr and
// UnknownErr are small convenience constructors used by plug-ins so call
// sites read naturally (plugin.AuthErr("bad api key", err)).
func AuthErr(msg string, err error) *FetchError        { return NewFetchError(KindAuth, msg, err) }
func NotFoundErr(msg string, err error) *FetchError    { return NewFetchError(KindNotFound, msg, err) }
func RateLimitedErr(msg string, err error) *FetchError { return NewFetchError(KindRateLimited, msg, err) }
func TimeoutErr(msg string, err error) *FetchError     { return NewFetchError(KindTimeout, msg, err) }
func NetworkErr(msg string, err error) *FetchError     { return NewFetchError(KindNetwork, msg, err) }
func ParseErr(msg string, err error) *FetchError       { return NewFetchError(KindParse, msg, err) }
func UnknownErr(msg string, err error) *FetchError     { return NewFetchError(KindUnknown, msg, err) }
