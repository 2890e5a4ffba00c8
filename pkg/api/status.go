/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package api

import (
	"github.com/samber/lo"

	"github.com/datagate-io/datagate/pkg/errors"
)

// Status is a node of the request lifecycle state machine.
type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusUploading  Status = "uploading"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	StatusFailed     Status = "failed"
)

// validTransitions enumerates the edges of the lifecycle graph. The reverse
// edges (queued/processing back to waiting, processing back to queued) exist
// for enqueue-failure reverts, stuck-request recovery and worker shutdown.
var validTransitions = map[Status][]Status{
	StatusWaiting:    {StatusQueued},
	StatusUploading:  {StatusWaiting},
	StatusQueued:     {StatusProcessing, StatusWaiting},
	StatusProcessing: {StatusProcessed, StatusFailed, StatusQueued, StatusWaiting},
	StatusProcessed:  {},
	StatusFailed:     {},
}

// Terminal returns true if no further transitions are possible; terminal
// requests may only be deleted, never modified.
func (s Status) Terminal() bool {
	return s == StatusProcessed || s == StatusFailed
}

// CanTransition returns true if s -> to is an edge of the state machine
func (s Status) CanTransition(to Status) bool {
	return lo.Contains(validTransitions[s], to)
}

// ParseStatus validates a wire-format status string
func ParseStatus(s string) (Status, error) {
	status := Status(s)
	if _, ok := validTransitions[status]; !ok {
		return "", errors.InvalidArgument("unknown status %q", s)
	}
	return status, nil
}

// ActiveStatuses returns every non-terminal status
func ActiveStatuses() []Status {
	return []Status{StatusWaiting, StatusUploading, StatusQueued, StatusProcessing}
}
