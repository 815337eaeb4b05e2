// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package errors

import (
	"github.com/pingcap/errors"
)

// re-exports of the commonly used helpers so callers need a single import.
var (
	New       = errors.New
	Errorf    = errors.Errorf
	Trace     = errors.Trace
	Annotate  = errors.Annotate
	Annotatef = errors.Annotatef
	Cause     = errors.Cause
)

// WrapError generates a new error based on given `*errors.Error`, wraps the err
// as cause error.
// If given `err` is nil, returns a nil error, which is different from
// the behavior of `rfcError.Wrap(err)`.
func WrapError(rfcError *errors.Error, err error, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return rfcError.Wrap(err).GenWithStackByArgs(args...)
}

// Is reports whether any error in err's chain was generated from target.
func Is(err error, target *errors.Error) bool {
	for err != nil {
		if e, ok := err.(*errors.Error); ok && e.ID() == target.ID() {
			return true
		}
		switch x := err.(type) {
		case interface{ Unwrap() error }:
			err = x.Unwrap()
		case interface{ Cause() error }:
			err = x.Cause()
		default:
			return false
		}
	}
	return false
}

// transportErrors is the class of failures caused by talking to the master.
var transportErrors = []*errors.Error{
	ErrTransport,
	ErrTransportTimeout,
	ErrMasterAPI,
}

// IsTransportError returns true if err belongs to the transport error class.
func IsTransportError(err error) bool {
	for _, e := range transportErrors {
		if Is(err, e) {
			return true
		}
	}
	return false
}

// IsTimeout returns true if err is a client side request timeout.
func IsTimeout(err error) bool {
	return Is(err, ErrTransportTimeout)
}
