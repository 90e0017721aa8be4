// Package main runs a demo WebSocket client for run events.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type wsMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	base := fmt.Sprintf("http://localhost:%s", port)

	// Start an async run over a small generated-looking instance.
	body := []byte(`{
		"nodes": [
			{"id": "depot", "lat": 52.520, "lng": 13.405},
			{"id": "s1", "demand": 2, "priority": 1, "lat": 52.531, "lng": 13.412},
			{"id": "s2", "demand": 1, "priority": 2, "lat": 52.505, "lng": 13.390, "window": [600, 7200]},
			{"id": "s3", "demand": 3, "priority": 3, "lat": 52.540, "lng": 13.380},
			{"id": "s4", "demand": 1, "priority": 1, "lat": 52.512, "lng": 13.440}
		],
		"vehicles": {"capacity": 5, "count": 2},
		"search": {"attempts": 2, "perturbation": {"enabled": true}}
	}`)
	req, _ := http.NewRequest(http.MethodPost, base+"/v1/optimize?async=true", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-Id", "t_demo")
	req.Header.Set("X-Role", "admin")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	var accepted struct {
		RunID string `json:"runId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
		log.Fatal(err)
	}
	if accepted.RunID == "" {
		log.Fatalf("no run id returned (status %d)", resp.StatusCode)
	}
	log.Printf("Run ID: %s", accepted.RunID)

	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/runs/" + accepted.RunID + "/ws"}
	hdr := http.Header{}
	hdr.Set("X-Tenant-Id", "t_demo")
	hdr.Set("X-Role", "admin")
	c, _, err := websocket.DefaultDialer.Dial(u.String(), hdr)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m wsMessage
			if err := c.ReadJSON(&m); err != nil {
				log.Printf("read: %v", err)
				return
			}
			log.Printf("WS <- %s: %s", m.Type, string(m.Payload))
			var evt struct {
				Type string `json:"type"`
			}
			_ = json.Unmarshal(m.Payload, &evt)
			if evt.Type == "run.completed" || evt.Type == "run.failed" {
				return
			}
		}
	}()

	select {
	case <-time.After(30 * time.Second):
		log.Printf("timed out waiting for the run to finish")
	case <-done:
	}
}
