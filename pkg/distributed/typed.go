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

package distributed

import (
	"context"

	"github.com/goccy/go-json"
	"github.com/pingcap/trainflow/pkg/errors"
)

// BroadcastValue is Broadcast for any JSON encodable value.
func BroadcastValue[T any](ctx context.Context, c *Context, v T, sender int) (T, error) {
	var payload []byte
	if c.Rank() == sender {
		var err error
		if payload, err = encode(v); err != nil {
			return v, err
		}
	}
	out, err := c.Broadcast(ctx, payload, sender)
	if err != nil {
		return v, err
	}
	if c.Rank() == sender {
		return v, nil
	}
	return decode[T](out)
}

// BroadcastLocalValue is BroadcastLocal for any JSON encodable value.
func BroadcastLocalValue[T any](ctx context.Context, c *Context, v T) (T, error) {
	var payload []byte
	if c.IsLocalChief() {
		var err error
		if payload, err = encode(v); err != nil {
			return v, err
		}
	}
	out, err := c.BroadcastLocal(ctx, payload)
	if err != nil {
		return v, err
	}
	if c.IsLocalChief() {
		return v, nil
	}
	return decode[T](out)
}

// GatherValue is Gather for any JSON encodable value.
func GatherValue[T any](ctx context.Context, c *Context, v T) ([]T, error) {
	payload, err := encode(v)
	if err != nil {
		return nil, err
	}
	out, err := c.Gather(ctx, payload)
	if err != nil {
		return nil, err
	}
	return decodeAll[T](out)
}

// AllgatherValue is Allgather for any JSON encodable value.
func AllgatherValue[T any](ctx context.Context, c *Context, v T) ([]T, error) {
	payload, err := encode(v)
	if err != nil {
		return nil, err
	}
	out, err := c.Allgather(ctx, payload)
	if err != nil {
		return nil, err
	}
	return decodeAll[T](out)
}

// GatherLocalValue is GatherLocal for any JSON encodable value.
func GatherLocalValue[T any](ctx context.Context, c *Context, v T) ([]T, error) {
	payload, err := encode(v)
	if err != nil {
		return nil, err
	}
	out, err := c.GatherLocal(ctx, payload)
	if err != nil {
		return nil, err
	}
	return decodeAll[T](out)
}

func encode(v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return payload, nil
}

func decode[T any](payload []byte) (T, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, errors.WrapError(errors.ErrDecodeFailed, err, "collective payload")
	}
	return v, nil
}

func decodeAll[T any](payloads [][]byte) ([]T, error) {
	if payloads == nil {
		return nil, nil
	}
	values := make([]T, 0, len(payloads))
	for _, payload := range payloads {
		v, err := decode[T](payload)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}
