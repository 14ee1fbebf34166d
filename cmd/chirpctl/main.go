package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/chirp-im/chirp/internal/session"
	"github.com/chirp-im/chirp/internal/store"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c := newClient(session.SocketPath(sessionName))

	switch args[0] {
	case "status":
		cmdStatus(c, *jsonFlag)
	case "login":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chirpctl login <token>")
			os.Exit(1)
		}
		cmdLogin(sessionName, args[1])
	case "chats":
		cmdChats(c, *jsonFlag)
	case "messages":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chirpctl messages <chat-id>")
			os.Exit(1)
		}
		cmdMessages(c, args[1], *jsonFlag)
	case "send":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: chirpctl send <chat-id> <text...>")
			os.Exit(1)
		}
		cmdSend(c, args[1], strings.Join(args[2:], " "))
	case "read":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chirpctl read <chat-id>")
			os.Exit(1)
		}
		cmdRead(c, args[1])
	case "star", "unstar":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "usage: chirpctl %s <client-id>\n", args[0])
			os.Exit(1)
		}
		cmdStar(c, args[1], args[0] == "star")
	case "search":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chirpctl search <query...>")
			os.Exit(1)
		}
		cmdSearch(c, strings.Join(args[1:], " "), *jsonFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chirpctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                 Show daemon status")
	fmt.Fprintln(os.Stderr, "  login <token>          Store the server credential for this session")
	fmt.Fprintln(os.Stderr, "  chats                  List chats")
	fmt.Fprintln(os.Stderr, "  messages <chat-id>     Show recent messages in a chat")
	fmt.Fprintln(os.Stderr, "  send <chat-id> <text>  Send a message")
	fmt.Fprintln(os.Stderr, "  read <chat-id>         Mark a chat read")
	fmt.Fprintln(os.Stderr, "  star <client-id>       Star a message (unstar to remove)")
	fmt.Fprintln(os.Stderr, "  search <query>         Full-text search over messages")
}

// client talks to the daemon's control socket.
type client struct {
	http *http.Client
}

func newClient(socketPath string) *client {
	return &client{http: &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
		Timeout: 10 * time.Second,
	}}
}

func (c *client) get(path string, out any) {
	c.call(http.MethodGet, path, nil, out)
}

func (c *client) post(path string, in, out any) {
	c.call(http.MethodPost, path, in, out)
}

func (c *client) call(method, path string, in, out any) {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			fatal(err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, "http://daemon"+path, body)
	if err != nil {
		fatal(err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot reach daemon: %v\n", err)
		fmt.Fprintln(os.Stderr, "is chirpd running for this session?")
		os.Exit(1)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = resp.Status
		}
		fatal(fmt.Errorf("%s", e.Error))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			fatal(err)
		}
	}
}

func cmdStatus(c *client, jsonOut bool) {
	var resp struct {
		Session      string `json:"session"`
		State        string `json:"state"`
		Chats        int64  `json:"chats"`
		Messages     int64  `json:"messages"`
		PendingSends int64  `json:"pending_sends"`
		LastSyncAt   string `json:"last_sync_at"`
	}
	c.get("/v1/status", &resp)
	if jsonOut {
		outputJSON(resp)
		return
	}
	fmt.Printf("Session:  %s\n", resp.Session)
	fmt.Printf("State:    %s\n", resp.State)
	fmt.Printf("Chats:    %d\n", resp.Chats)
	fmt.Printf("Messages: %d\n", resp.Messages)
	fmt.Printf("Pending:  %d\n", resp.PendingSends)
	if resp.LastSyncAt != "" {
		fmt.Printf("Synced:   %s\n", resp.LastSyncAt)
	}
}

func cmdLogin(sessionName, token string) {
	if err := session.EnsureDir(sessionName); err != nil {
		fatal(err)
	}
	if err := session.NewCredentials(sessionName).Store(token); err != nil {
		fatal(err)
	}
	fmt.Printf("credential stored for session %q; restart chirpd to reconnect\n", sessionName)
}

func cmdChats(c *client, jsonOut bool) {
	var resp struct {
		Items []struct {
			store.Chat
			TypingUsers []string `json:"typing_users"`
		} `json:"items"`
	}
	c.get("/v1/chats", &resp)
	if jsonOut {
		outputJSON(resp.Items)
		return
	}
	for _, ch := range resp.Items {
		marker := " "
		if ch.Pinned {
			marker = "*"
		}
		line := fmt.Sprintf("%s %-24s", marker, ch.Name)
		if ch.UnreadCount > 0 {
			line += fmt.Sprintf(" (%d)", ch.UnreadCount)
		}
		if len(ch.TypingUsers) > 0 {
			line += " [typing: " + strings.Join(ch.TypingUsers, ", ") + "]"
		} else if ch.LastMessagePreview != "" {
			line += "  " + ch.LastMessagePreview
		}
		fmt.Println(line)
	}
}

func cmdMessages(c *client, chatID string, jsonOut bool) {
	var resp struct {
		Items []store.Message `json:"items"`
	}
	c.get("/v1/chats/"+url.PathEscape(chatID)+"/messages", &resp)
	if jsonOut {
		outputJSON(resp.Items)
		return
	}
	// Newest first on the wire; print oldest first for reading.
	for i := len(resp.Items) - 1; i >= 0; i-- {
		m := resp.Items[i]
		ts := time.UnixMilli(m.CreatedAt).Format("15:04")
		who := m.SenderID
		if m.FromMe {
			who = "me"
		}
		body := m.Body
		if m.Deleted {
			body = "<deleted>"
		}
		fmt.Printf("[%s] %s (%s): %s\n", ts, who, m.Status, body)
	}
}

func cmdSend(c *client, chatID, text string) {
	var resp struct {
		ClientID string `json:"client_id"`
	}
	c.post("/v1/chats/"+url.PathEscape(chatID)+"/messages", map[string]string{"body": text}, &resp)
	fmt.Printf("queued %s\n", resp.ClientID)
}

func cmdRead(c *client, chatID string) {
	c.post("/v1/chats/"+url.PathEscape(chatID)+"/read", map[string]string{}, nil)
	fmt.Println("marked read")
}

func cmdStar(c *client, clientID string, starred bool) {
	c.post("/v1/messages/"+url.PathEscape(clientID)+"/star", map[string]bool{"starred": starred}, nil)
	if starred {
		fmt.Println("starred")
	} else {
		fmt.Println("unstarred")
	}
}

func cmdSearch(c *client, query string, jsonOut bool) {
	var resp struct {
		Items []store.SearchResult `json:"items"`
	}
	c.get("/v1/search?q="+url.QueryEscape(query), &resp)
	if jsonOut {
		outputJSON(resp.Items)
		return
	}
	for _, r := range resp.Items {
		fmt.Printf("%s: %s\n", r.Message.ChatID, r.Snippet)
	}
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
