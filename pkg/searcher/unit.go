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

package searcher

import (
	"strings"

	"github.com/pingcap/trainflow/pkg/errors"
)

// Unit is how the length of an operation is measured.
type Unit int

// Units of an operation.
const (
	Records Unit = iota + 1
	Batches
	Epochs
)

const wirePrefix = "UNIT_"

// String implements fmt.Stringer.
func (u Unit) String() string {
	switch u {
	case Records:
		return "RECORDS"
	case Batches:
		return "BATCHES"
	case Epochs:
		return "EPOCHS"
	}
	return "UNSPECIFIED"
}

// WireName is the name the master uses for the unit.
func (u Unit) WireName() string {
	return wirePrefix + u.String()
}

// ParseUnit accepts both "BATCHES" and "UNIT_BATCHES", case insensitive.
func ParseUnit(s string) (Unit, error) {
	switch strings.TrimPrefix(strings.ToUpper(s), wirePrefix) {
	case "RECORDS":
		return Records, nil
	case "BATCHES":
		return Batches, nil
	case "EPOCHS":
		return Epochs, nil
	}
	return 0, errors.ErrConfiguration.GenWithStackByArgs("unknown searcher unit " + s)
}
