// Package main runs a demo hub session against a local dev-mode server.
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
	ID      string          `json:"id,omitempty"`
	Target  string          `json:"target,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func dial(host, token, who string) *websocket.Conn {
	u := url.URL{Scheme: "ws", Host: host, Path: "/hub", RawQuery: "access_token=" + url.QueryEscape(token)}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("%s dial: %v", who, err)
	}
	go func() {
		for {
			var m wsMessage
			if err := c.ReadJSON(&m); err != nil {
				return
			}
			log.Printf("%s <- %s %s %s", who, m.Type, m.Target, string(m.Payload))
		}
	}()
	return c
}

func invoke(c *websocket.Conn, id, target string, args any) {
	pl, _ := json.Marshal(args)
	if err := c.WriteJSON(wsMessage{Type: "invoke", ID: id, Target: target, Payload: pl}); err != nil {
		log.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)
}

func main() {
	host := "localhost:" + env("PORT", "8080")
	userToken := env("USER_TOKEN", "7:user")
	supportToken := env("SUPPORT_TOKEN", "3:support")

	support := dial(host, supportToken, "support")
	defer func() { _ = support.Close() }()

	body := []byte(`{"subject":"VPN drops every hour","description":"Disconnects at :00","priority":"High"}`)
	req, _ := http.NewRequest(http.MethodPost, fmt.Sprintf("http://%s/v1/tickets", host), bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+userToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	var created struct {
		ID int64 `json:"id"`
	}
	if resp.StatusCode != http.StatusCreated {
		log.Fatalf("create ticket: %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		log.Fatal(err)
	}
	log.Printf("Ticket ID: %d", created.ID)

	user := dial(host, userToken, "user")
	defer func() { _ = user.Close() }()

	ticket := map[string]any{"ticketId": created.ID}
	invoke(user, "1", "JoinTicket", ticket)
	invoke(support, "2", "JoinTicket", ticket)
	invoke(support, "3", "AcceptTicket", ticket)
	invoke(user, "4", "SendMessage", map[string]any{"ticketId": created.ID, "content": "Still happening this morning"})
	invoke(support, "5", "SendMessage", map[string]any{"ticketId": created.ID, "content": "Pushed a new profile, please reconnect"})
	invoke(support, "6", "CloseTicket", ticket)

	time.Sleep(time.Second)
}
