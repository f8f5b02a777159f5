package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mahaj/village-chat/pkg/auth"
	"github.com/mahaj/village-chat/pkg/chat"
	"github.com/mahaj/village-chat/pkg/realtime"
)

// openDirect resolves the direct channel with other through the REST API.
func openDirect(apiAddr, token, other string) (string, error) {
	reqBody, _ := json.Marshal(map[string]string{"targetUserId": other})
	req, err := http.NewRequest(http.MethodPost, apiAddr+"/api/channels/dm", bytes.NewBuffer(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("open DM failed: %s", string(body))
	}

	var out struct {
		Channel struct {
			ID string `json:"id"`
		} `json:"channel"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Channel.ID, nil
}

func send(c *websocket.Conn, event string, data any) error {
	b, err := realtime.Encode(event, data)
	if err != nil {
		return err
	}
	return c.WriteMessage(websocket.TextMessage, b)
}

func render(raw []byte) {
	var f realtime.Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		log.Printf("Received raw: %s", raw)
		return
	}

	switch f.Event {
	case realtime.EventMessageNew:
		var m chat.MessageNew
		if err := json.Unmarshal(f.Data, &m); err != nil || m.Message.Content == nil {
			fmt.Printf("\r[%s] %s\n> ", f.Event, f.Data)
			return
		}
		fmt.Printf("\r%s: %s\n> ", m.Message.Username, *m.Message.Content)
	case realtime.EventTypingUser:
		var t struct {
			Username string `json:"username"`
		}
		_ = json.Unmarshal(f.Data, &t)
		fmt.Printf("\rUser %s is typing...      \n> ", t.Username)
	case realtime.EventTypingStop:
		// nothing to draw
	default:
		fmt.Printf("\r[%s] %s\n> ", f.Event, f.Data)
	}
}

func main() {
	serverAddr := flag.String("addr", "localhost:8080", "gateway service address")
	userID := flag.String("user", "user1", "user id")
	token := flag.String("token", "", "bearer token (minted from -secret when empty)")
	secret := flag.String("secret", os.Getenv("JWT_SECRET"), "development signing secret")
	channelID := flag.String("channel", "", "channel id")
	dmUser := flag.String("dm", "", "user id to dm (overrides -channel)")
	flag.Parse()

	if *token == "" {
		if *secret == "" {
			log.Fatal("either -token or -secret is required")
		}
		t, err := auth.NewAuthenticator(*secret, nil).GenerateToken(*userID, 24*time.Hour)
		if err != nil {
			log.Fatal("Failed to mint token:", err)
		}
		*token = t
	}

	apiAddr := "http://" + *serverAddr
	finalChannelID := *channelID
	if *dmUser != "" {
		id, err := openDirect(apiAddr, *token, *dmUser)
		if err != nil {
			log.Fatal(err)
		}
		finalChannelID = id
	}
	if finalChannelID == "" {
		log.Fatal("a -channel or -dm is required")
	}

	u := url.URL{Scheme: "ws", Host: *serverAddr, Path: "/ws"}
	log.Printf("connecting to %s", u.String())

	header := http.Header{}
	header.Add("Authorization", "Bearer "+*token)
	c, _, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer c.Close()

	if err := send(c, realtime.EventJoinChannel, finalChannelID); err != nil {
		log.Fatal("join:", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, message, err := c.ReadMessage()
			if err != nil {
				log.Println("read:", err)
				return
			}
			render(message)
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	quit := make(chan struct{})

	// Commands: /typing, /stop, /read, /call <user>, /hangup <user>, /quit.
	go func() {
		defer close(quit)
		scanner := bufio.NewScanner(os.Stdin)
		fmt.Print("> ")
		for scanner.Scan() {
			text := strings.TrimSpace(scanner.Text())
			var err error
			switch {
			case text == "":
			case text == "/quit":
				return
			case text == "/typing":
				err = send(c, realtime.EventTypingStart, finalChannelID)
			case text == "/stop":
				err = send(c, realtime.EventTypingStop, finalChannelID)
			case text == "/read":
				err = send(c, realtime.EventMessageRead, finalChannelID)
			case strings.HasPrefix(text, "/call "):
				err = send(c, realtime.EventCallOffer, map[string]any{
					"targetUserId": strings.TrimSpace(strings.TrimPrefix(text, "/call ")),
					"payload":      map[string]string{"type": "offer"},
				})
			case strings.HasPrefix(text, "/hangup "):
				err = send(c, realtime.EventCallEnd, map[string]any{
					"targetUserId": strings.TrimSpace(strings.TrimPrefix(text, "/hangup ")),
				})
			default:
				err = send(c, realtime.EventMessageSend, map[string]string{"channelId": finalChannelID, "content": text})
			}
			if err != nil {
				log.Println("write:", err)
				return
			}
			fmt.Print("> ")
		}
	}()

	select {
	case <-done:
		return
	case <-quit:
	case <-interrupt:
		log.Println("interrupt")
	}

	// Cleanly close the connection by sending a close message and then
	// waiting (with timeout) for the server to close the connection.
	err = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		log.Println("write close:", err)
		return
	}
	select {
	case <-done:
	case <-time.After(time.Second):
	}
}
