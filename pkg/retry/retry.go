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

package retry

import (
	"context"
	"time"

	"github.com/pingcap/trainflow/pkg/errors"
)

// Operation is the action need to retry
type Operation func() error

// Do execute the specified function.
// By default, it retries 3 times with a jittered exponential backoff.
// Use WithMaxTries, WithBackoffBaseDelay and WithBackoffMaxDelay to override.
func Do(ctx context.Context, operation Operation, opts ...Option) error {
	retryOption := setOptions(opts...)
	return run(ctx, operation, retryOption)
}

func setOptions(opts ...Option) *retryOptions {
	retryOption := newRetryOptions()
	for _, opt := range opts {
		opt(retryOption)
	}
	return retryOption
}

func run(ctx context.Context, op Operation, retryOption *retryOptions) error {
	select {
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	default:
	}

	bo := retryOption.newBackOff()
	var t *time.Timer
	try := 0
	for {
		err := op()
		if err == nil {
			return nil
		}
		if !retryOption.isRetryable(err) {
			return err
		}

		try++
		if float64(try) >= retryOption.maxTries {
			return errors.WrapError(errors.ErrReachMaxTry, err, try)
		}

		if t == nil {
			t = time.NewTimer(bo.NextBackOff())
			defer t.Stop()
		} else {
			t.Reset(bo.NextBackOff())
		}

		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case <-t.C:
		}
	}
}
