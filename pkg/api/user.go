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
	"fmt"

	"github.com/mitchellh/hashstructure/v2"
	"github.com/samber/lo"
)

// User is the principal a request runs as. The (Username, Realm) pair is the
// immutable identity; Roles and Attributes are carried along from whatever
// provider authenticated the user and may differ between logins.
type User struct {
	ID         string            `json:"id"`
	Username   string            `json:"username"`
	Realm      string            `json:"realm"`
	Roles      []string          `json:"roles,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// NewUser derives the user id from the identity pair, so two logins by the
// same principal always share an id
func NewUser(username string, realm string) *User {
	return &User{
		ID:       UserID(username, realm),
		Username: username,
		Realm:    realm,
	}
}

// UserID is a pure function of (username, realm)
func UserID(username string, realm string) string {
	hash, err := hashstructure.Hash(struct {
		Username string
		Realm    string
	}{Username: username, Realm: realm}, hashstructure.FormatV2, nil)
	if err != nil {
		// hashstructure cannot fail on a flat string struct
		panic(fmt.Sprintf("hashing user identity, %s", err))
	}
	return fmt.Sprintf("%016x", hash)
}

// HasRole returns true if the user carries the role
func (u *User) HasRole(role string) bool {
	return lo.Contains(u.Roles, role)
}

func (u *User) String() string {
	return fmt.Sprintf("%s@%s", u.Username, u.Realm)
}
