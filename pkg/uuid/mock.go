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
	"sync"

	"github.com/pingcap/log"
)

// MockGenerator returns pushed ids in order, it is safe for concurrent use.
type MockGenerator struct {
	mu   sync.Mutex
	list []string
}

// NewMock creates a MockGenerator.
func NewMock() *MockGenerator {
	return &MockGenerator{}
}

// NewString pops the next pushed id, it panics if none is left.
func (g *MockGenerator) NewString() (ret string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.list) == 0 {
		log.Panic("Empty uuid list. Please use Push() to add a uuid to the list.")
	}

	ret, g.list = g.list[0], g.list[1:]
	return
}

// Push appends an id to be returned later.
func (g *MockGenerator) Push(uuid string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.list = append(g.list, uuid)
}

// ConstGenerator always returns the same id.
type ConstGenerator struct {
	uid string
}

// NewConstGenerator creates a ConstGenerator.
func NewConstGenerator(uid string) *ConstGenerator {
	return &ConstGenerator{uid: uid}
}

// NewString implements Generator.
func (g *ConstGenerator) NewString() string {
	return g.uid
}
