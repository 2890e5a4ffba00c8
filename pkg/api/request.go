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

// Package api holds the request data model shared by every lifecycle
// component: the store persists it, the broker and worker mutate it, the
// frontend serializes it to callers.
package api

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/datagate-io/datagate/pkg/errors"
)

// Verb is the kind of work a request asks for.
type Verb string

const (
	VerbRetrieve Verb = "retrieve"
	VerbArchive  Verb = "archive"
)

// ParseVerb validates a wire-format verb string
func ParseVerb(s string) (Verb, error) {
	switch v := Verb(strings.ToLower(s)); v {
	case VerbRetrieve, VerbArchive:
		return v, nil
	default:
		return "", errors.InvalidArgument("unknown verb %q", s)
	}
}

// Payload is the opaque user_request mapping interpreted by data sources.
type Payload map[string]interface{}

// Request is the central entity of the system. Mutations go through the
// request store; the id is immutable after creation and LastModified is
// non-decreasing. UserRequest is usually a Payload mapping but scalar
// payloads are accepted and passed to data sources untouched.
type Request struct {
	ID            string      `json:"id"`
	Timestamp     int64       `json:"timestamp"`
	LastModified  int64       `json:"last_modified"`
	User          User        `json:"user"`
	Verb          Verb        `json:"verb"`
	Collection    string      `json:"collection"`
	Status        Status      `json:"status"`
	UserRequest   interface{} `json:"user_request"`
	UserMessage   string      `json:"user_message"`
	URL           string      `json:"url,omitempty"`
	ContentLength int64       `json:"content_length,omitempty"`
	ContentType   string      `json:"content_type,omitempty"`
	MD5           string      `json:"md5,omitempty"`
}

// Payload returns the mapping form of the user request, or nil for scalar
// payloads
func (r *Request) Payload() Payload {
	switch p := r.UserRequest.(type) {
	case Payload:
		return p
	case map[string]interface{}:
		return p
	default:
		return nil
	}
}

// NewRequest creates a request in its initial status. ARCHIVE requests with no
// pre-existing URL start in UPLOADING and wait for the ingress upload; an
// ARCHIVE submitted with a source URL already has its input and starts
// WAITING like every other request.
func NewRequest(user *User, verb Verb, collection string, payload interface{}, url string, now time.Time) *Request {
	r := &Request{
		ID:           uuid.NewString(),
		Timestamp:    now.Unix(),
		LastModified: now.Unix(),
		User:         *user,
		Verb:         verb,
		Collection:   collection,
		Status:       StatusWaiting,
		UserRequest:  payload,
		URL:          url,
	}
	if verb == VerbArchive && r.URL == "" {
		r.Status = StatusUploading
	}
	return r
}

// SetStatus transitions the request along the state machine, rejecting edges
// the graph does not contain
func (r *Request) SetStatus(to Status) error {
	if r.Status == to {
		return nil
	}
	if !r.Status.CanTransition(to) {
		return errors.Conflict("request %s cannot transition from %s to %s", r.ID, r.Status, to)
	}
	r.Status = to
	return nil
}

// Active returns true if the request has not reached a terminal status
func (r *Request) Active() bool {
	return !r.Status.Terminal()
}

// AppendMessage adds a line to the user-visible message log. The log is
// append-only; earlier lines are never rewritten.
func (r *Request) AppendMessage(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	if r.UserMessage == "" {
		r.UserMessage = line
		return
	}
	r.UserMessage = r.UserMessage + "\n" + line
}

// DeepCopy returns a copy sharing no mutable state with the original
func (r *Request) DeepCopy() *Request {
	out := *r
	out.User.Roles = append([]string(nil), r.User.Roles...)
	if r.User.Attributes != nil {
		out.User.Attributes = make(map[string]string, len(r.User.Attributes))
		for k, v := range r.User.Attributes {
			out.User.Attributes[k] = v
		}
	}
	if p := r.Payload(); p != nil {
		copied := make(Payload, len(p))
		for k, v := range p {
			copied[k] = v
		}
		out.UserRequest = copied
	}
	return &out
}

// Marshal serializes the request for the store and the queue envelope
func (r *Request) Marshal() ([]byte, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshaling request %s, %w", r.ID, err)
	}
	return raw, nil
}

// UnmarshalRequest deserializes a stored request
func UnmarshalRequest(raw []byte) (*Request, error) {
	r := &Request{}
	if err := json.Unmarshal(raw, r); err != nil {
		return nil, fmt.Errorf("unmarshaling request, %w", err)
	}
	return r, nil
}
