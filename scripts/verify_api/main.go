package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/mahaj/village-chat/pkg/auth"
)

func call(method, url, token string, body any) (int, []byte) {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		log.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Add("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("%s %s failed: %v", method, url, err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, out
}

// Smoke test against a running gateway: open a DM between two existing
// users, post into it and read it back as the other user.
func main() {
	apiAddr := flag.String("api", "http://localhost:8080", "gateway HTTP address")
	userA := flag.String("a", "userA", "first user id")
	userB := flag.String("b", "userB", "second user id")
	secret := flag.String("secret", os.Getenv("JWT_SECRET"), "signing secret")
	flag.Parse()

	authn := auth.NewAuthenticator(*secret, nil)
	tokenA, err := authn.GenerateToken(*userA, time.Hour)
	if err != nil {
		log.Fatal(err)
	}
	tokenB, err := authn.GenerateToken(*userB, time.Hour)
	if err != nil {
		log.Fatal(err)
	}

	status, body := call(http.MethodPost, *apiAddr+"/api/channels/dm", tokenA, map[string]string{"targetUserId": *userB})
	log.Printf("Open DM: %d %s", status, body)
	var dm struct {
		Channel struct {
			ID string `json:"id"`
		} `json:"channel"`
	}
	if err := json.Unmarshal(body, &dm); err != nil || dm.Channel.ID == "" {
		log.Fatalf("Unexpected DM response: %s", body)
	}

	content := fmt.Sprintf("verify %s", time.Now().Format(time.RFC3339))
	status, body = call(http.MethodPost, *apiAddr+"/api/channels/"+dm.Channel.ID+"/messages", tokenA, map[string]string{"content": content})
	log.Printf("Post: %d %s", status, body)

	log.Printf("Fetching history for %s as %s...", dm.Channel.ID, *userB)
	status, body = call(http.MethodGet, *apiAddr+"/api/channels/"+dm.Channel.ID+"/messages?limit=5", tokenB, nil)
	log.Printf("History: %d %s", status, body)
	if !bytes.Contains(body, []byte(content)) {
		log.Fatal("posted message missing from history")
	}
	log.Println("OK")
}
