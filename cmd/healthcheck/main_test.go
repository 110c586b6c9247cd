/*
Copyright 2018-2023 Mailgun Technologies Inc

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

package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthAddress(t *testing.T) {
	for _, tt := range []struct {
		name     string
		env      map[string]string
		expected string
	}{
		{name: "Default", env: map[string]string{}, expected: "localhost:3001"},
		{name: "Port", env: map[string]string{"PORT": "8080"}, expected: "localhost:8080"},
		{
			name:     "Explicit address",
			env:      map[string]string{"PORT": "8080", "PROXY_HTTP_ADDRESS": "10.0.0.1:9000"},
			expected: "10.0.0.1:9000",
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			getenv := func(name string) string { return tt.env[name] }
			assert.Equal(t, tt.expected, healthAddress(getenv))
		})
	}
}

func TestCheck(t *testing.T) {
	serve := func(status int, body string) string {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/health", r.URL.Path)
			w.WriteHeader(status)
			_, _ = w.Write([]byte(body))
		}))
		t.Cleanup(srv.Close)
		return strings.TrimPrefix(srv.URL, "http://")
	}

	t.Run("Healthy", func(t *testing.T) {
		addr := serve(http.StatusOK, `{"status":"ok","provider":"yahoo"}`)
		require.NoError(t, check(http.DefaultClient, addr))
	})

	t.Run("Unhealthy", func(t *testing.T) {
		addr := serve(http.StatusServiceUnavailable, `{"status":"degraded"}`)
		assert.Equal(t, errUnhealthy, check(http.DefaultClient, addr))
	})

	t.Run("Not JSON", func(t *testing.T) {
		addr := serve(http.StatusOK, `<html></html>`)
		err := check(http.DefaultClient, addr)
		require.Error(t, err)
		assert.NotEqual(t, errUnhealthy, err)
	})

	t.Run("Unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		addr := strings.TrimPrefix(srv.URL, "http://")
		srv.Close()
		require.Error(t, check(http.DefaultClient, addr))
	})
}
