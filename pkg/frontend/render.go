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

package frontend

import (
	"encoding/json"
	"net/http"

	"github.com/datagate-io/datagate/pkg/errors"
)

func renderJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// the status line is already on the wire; nothing to do about encode errors
	_ = json.NewEncoder(w).Encode(body)
}

// renderError maps the error taxonomy onto HTTP status codes
func renderError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errors.KindOf(err) {
	case errors.KindInvalidArgument:
		status = http.StatusBadRequest
	case errors.KindUnauthorized:
		status = http.StatusUnauthorized
	case errors.KindForbidden:
		status = http.StatusForbidden
	case errors.KindNotFound:
		status = http.StatusNotFound
	case errors.KindConflict:
		status = http.StatusConflict
	case errors.KindServiceUnavailable:
		status = http.StatusServiceUnavailable
	}
	renderJSON(w, status, map[string]string{"error": err.Error()})
}
