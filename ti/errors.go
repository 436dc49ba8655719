package ti

import "errors"

// Error is a tool-interface error. Code follows the JVMTI error numbering.
type Error struct {
	Code int
	Msg  string
}

func (e Error) Error() string {
	return e.Msg
}

var (
	ErrInvalidThread      = Error{Code: 10, Msg: "invalid thread"}
	ErrInvalidPriority    = Error{Code: 12, Msg: "invalid priority"}
	ErrThreadNotSuspended = Error{Code: 13, Msg: "thread not suspended"}
	ErrThreadSuspended    = Error{Code: 14, Msg: "thread already suspended"}
	ErrThreadNotAlive     = Error{Code: 15, Msg: "thread not alive"}
	ErrNullPointer        = Error{Code: 100, Msg: "null pointer"}
	ErrIllegalArgument    = Error{Code: 103, Msg: "illegal argument"}
	ErrWrongPhase         = Error{Code: 112, Msg: "wrong phase"}
	ErrInternal           = Error{Code: 113, Msg: "internal error"}
)

// Code returns the numeric code of err, 0 for nil, or ErrInternal's code if
// err is not an Error.
func Code(err error) int {
	if err == nil {
		return 0
	}
	var e Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrInternal.Code
}
