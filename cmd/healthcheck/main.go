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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

type healthResponse struct {
	Status string `json:"status"`
}

var errUnhealthy = errors.New("quote proxy is not healthy")

func main() {
	client := &http.Client{Timeout: 5 * time.Second}
	if err := check(client, healthAddress(os.Getenv)); err != nil {
		if err == errUnhealthy {
			os.Exit(2)
		}
		panic(err)
	}
}

// healthAddress picks the address the daemon listens on the same way the
// daemon does: PROXY_HTTP_ADDRESS first, then PORT on localhost.
func healthAddress(getenv func(string) string) string {
	if addr := getenv("PROXY_HTTP_ADDRESS"); addr != "" {
		return addr
	}
	port := getenv("PORT")
	if port == "" {
		port = "3001"
	}
	return "localhost:" + port
}

// check returns errUnhealthy unless /health answers with status "ok".
func check(client *http.Client, addr string) error {
	resp, err := client.Get(fmt.Sprintf("http://%s/health", addr))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var hc healthResponse
	if err := json.Unmarshal(body, &hc); err != nil {
		return err
	}
	if hc.Status != "ok" {
		return errUnhealthy
	}
	return nil
}
