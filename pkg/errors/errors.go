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

// all worker core errors
var (
	// caller errors, never recovered locally
	ErrRoleViolation = errors.Normalize(
		"operation %s is not allowed on rank %d",
		errors.RFCCodeText("TRAIN:ErrRoleViolation"),
	)
	ErrProtocolViolation = errors.Normalize(
		"protocol violation: %s",
		errors.RFCCodeText("TRAIN:ErrProtocolViolation"),
	)
	ErrUnitMismatch = errors.Normalize(
		"searcher operation is measured in %s, not %s",
		errors.RFCCodeText("TRAIN:ErrUnitMismatch"),
	)
	ErrInvalidMetric = errors.Normalize(
		"invalid searcher metric: %v",
		errors.RFCCodeText("TRAIN:ErrInvalidMetric"),
	)
	ErrConfiguration = errors.Normalize(
		"invalid configuration: %s",
		errors.RFCCodeText("TRAIN:ErrConfiguration"),
	)
	ErrInvalidCheckpointMetadata = errors.Normalize(
		"invalid checkpoint metadata: %s",
		errors.RFCCodeText("TRAIN:ErrInvalidCheckpointMetadata"),
	)

	// peer coordination errors
	ErrCoordinationTimeout = errors.Normalize(
		"collective %s timed out: %s",
		errors.RFCCodeText("TRAIN:ErrCoordinationTimeout"),
	)
	ErrPeerConnection = errors.Normalize(
		"peer connection to %s failed",
		errors.RFCCodeText("TRAIN:ErrPeerConnection"),
	)
	ErrChannelClosed = errors.Normalize(
		"%s is closed",
		errors.RFCCodeText("TRAIN:ErrChannelClosed"),
	)

	// transport errors
	ErrTransport = errors.Normalize(
		"request to %s failed",
		errors.RFCCodeText("TRAIN:ErrTransport"),
	)
	ErrTransportTimeout = errors.Normalize(
		"request to %s timed out",
		errors.RFCCodeText("TRAIN:ErrTransportTimeout"),
	)
	ErrMasterAPI = errors.Normalize(
		"master api %s %s returns status %d: %s",
		errors.RFCCodeText("TRAIN:ErrMasterAPI"),
	)
	ErrDecodeFailed = errors.Normalize(
		"failed to decode %s",
		errors.RFCCodeText("TRAIN:ErrDecodeFailed"),
	)

	// checkpoint storage errors
	ErrExternalStorageAPI = errors.Normalize(
		"external storage api",
		errors.RFCCodeText("TRAIN:ErrExternalStorageAPI"),
	)
	ErrCheckpointNotFound = errors.Normalize(
		"checkpoint %s is not found in storage",
		errors.RFCCodeText("TRAIN:ErrCheckpointNotFound"),
	)

	// rendezvous channel errors
	ErrRendezvousProtocol = errors.Normalize(
		"rendezvous protocol error: %s",
		errors.RFCCodeText("TRAIN:ErrRendezvousProtocol"),
	)

	ErrReachMaxTry = errors.Normalize(
		"reach maximum try: %d",
		errors.RFCCodeText("TRAIN:ErrReachMaxTry"),
	)

	// config and security errors
	ErrDecodeConfigFile = errors.Normalize(
		"decode config file failed",
		errors.RFCCodeText("TRAIN:ErrDecodeConfigFile"),
	)
	ErrConfigUnknownItem = errors.Normalize(
		"config contains unknown configuration options: %s",
		errors.RFCCodeText("TRAIN:ErrConfigUnknownItem"),
	)
	ErrToTLSConfigFailed = errors.Normalize(
		"generate tls config failed",
		errors.RFCCodeText("TRAIN:ErrToTLSConfigFailed"),
	)
)
