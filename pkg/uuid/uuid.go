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

package uuid

import (
	guuid "github.com/google/uuid"
)

// Generator generates storage ids.
type Generator interface {
	NewString() string
}

type generatorImpl struct{}

func (g *generatorImpl) NewString() string {
	return guuid.New().String()
}

// NewGenerator returns a Generator producing random version 4 UUIDs.
func NewGenerator() Generator {
	return &generatorImpl{}
}

// IsValid reports whether s is a well formed UUID.
func IsValid(s string) bool {
	_, err := guuid.Parse(s)
	return err == nil
}
