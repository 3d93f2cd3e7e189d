// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
)

func apiBaseURL() string {
	if u := os.Getenv("ORDER_AGENT_API_URL"); u != "" {
		return u
	}
	return "http://localhost:8080"
}

func newClient() *resty.Client {
	return resty.New().
		SetBaseURL(apiBaseURL()).
		SetTimeout(30 * time.Second).
		SetHeader("Content-Type", "application/json")
}

type chatResponse struct {
	SessionID string `json:"session_id"`
	Reply     string `json:"reply"`
}

func postChat(sessionID, message string) (*chatResponse, error) {
	var out chatResponse
	resp, err := newClient().R().
		SetBody(map[string]string{"session_id": sessionID, "message": message}).
		SetResult(&out).
		Post("/api/chat")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("POST /api/chat: %s", resp.String())
	}
	return &out, nil
}

func getHealth() (string, error) {
	var out struct {
		Status string `json:"status"`
	}
	resp, err := newClient().R().
		SetResult(&out).
		Get("/api/health")
	if err != nil {
		return "", err
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("GET /api/health: %s", resp.String())
	}
	return out.Status, nil
}

func listSessions() ([]map[string]interface{}, error) {
	var out struct {
		Sessions []map[string]interface{} `json:"sessions"`
	}
	resp, err := newClient().R().
		SetResult(&out).
		Get("/api/sessions")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET /api/sessions: %s", resp.String())
	}
	return out.Sessions, nil
}

func deleteSession(id string) error {
	resp, err := newClient().R().Delete("/api/sessions/" + id)
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("DELETE /api/sessions/%s: %s", id, resp.String())
	}
	return nil
}
