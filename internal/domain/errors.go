// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"errors"
	"fmt"
)

var ErrWorkflowNotFound = errors.New("workflow not found")
var ErrWorkflowFinal = errors.New("workflow already in a terminal state")
var ErrInvalidSubmission = errors.New("invalid submission")

var ErrInvalidPackage = errors.New("invalid execution package")
var ErrMissingTestType = fmt.Errorf("%w: test_type is required", ErrInvalidPackage)
var ErrEmptyPackage = fmt.Errorf("%w: execution_code or shell_commands is required", ErrInvalidPackage)

var ErrUnknownProvider = errors.New("unknown provider")
var ErrUnknownModel = errors.New("model not offered by provider")

var ErrQueueClosed = errors.New("queue closed")
var ErrSelfLoop = errors.New("worker pool may not publish to its own input queue")
