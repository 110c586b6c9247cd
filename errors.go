/*
Copyright 2018-2022 Mailgun Technologies Inc

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

package quoteproxy

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrClosed       = errors.New("quote proxy is shutting down")
	ErrQueueTimeout = errors.New("timed out waiting for an upstream rate limit slot")
)

// NotFoundError is returned by providers when the upstream does not know the
// requested symbol, or knows it but returned no usable price.
type NotFoundError struct {
	Symbol string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("Symbol not found: %s", e.Symbol)
}

// HTTPError is returned when the upstream answers with an unexpected status.
type HTTPError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s responded with HTTP %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s responded with HTTP %d: %s", e.Provider, e.StatusCode, e.Body)
}

// IsNotFound reports whether err means the symbol does not exist. Errors from
// any source qualify if their message says "not found" or "invalid symbol".
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "invalid symbol")
}
