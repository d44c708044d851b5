package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/exec"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/m4xw311/parley/transport"
)

// ws_bridge exposes a stdio ACP server to WebSocket clients. Each socket
// connection gets its own subprocess; newline-delimited frames from the
// subprocess become typed envelopes on the socket, and socket messages are
// written to the subprocess stdin with the newline restored.

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type frameWriter interface {
	write(payload []byte) error
}

// wsWriter serializes writes; the stdout and stderr relays share one socket.
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) write(payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, payload)
}

func main() {
	addr := flag.String("addr", ":8080", "Address to listen on")
	flag.Parse()

	cmdArgs := flag.Args()
	if len(cmdArgs) == 0 {
		cmdArgs = []string{"parley"}
	}

	http.HandleFunc("/ws", handleWS(cmdArgs))
	fmt.Fprintf(os.Stderr, "WebSocket bridge running on ws://localhost%s/ws\n", *addr)
	log.Fatal(http.ListenAndServe(*addr, nil))
}

func handleWS(cmdArgs []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("Upgrade error:", err)
			return
		}
		defer conn.Close()

		cmd := exec.Command(cmdArgs[0], cmdArgs[1:]...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			log.Println("Error getting stdin:", err)
			return
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			log.Println("Error getting stdout:", err)
			return
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			log.Println("Error getting stderr:", err)
			return
		}

		if err := cmd.Start(); err != nil {
			log.Println("Error starting server:", err)
			return
		}
		defer func() {
			stdin.Close()
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
		}()

		out := &wsWriter{conn: conn}
		go relay(out, stdout, "stdout")
		go relay(out, stderr, "stderr")

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				log.Println("WS read error:", err)
				return
			}
			if _, err := stdin.Write(append(msg, '\n')); err != nil {
				log.Println("Stdin write error:", err)
				return
			}
		}
	}
}

// relay copies subprocess lines onto the socket. stdout lines are JSON-RPC
// frames and pass through as raw JSON; anything else gets quoted so the
// envelope stays valid.
func relay(out frameWriter, r io.Reader, kind string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), transport.MaxFrameSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		env := envelope{Type: kind}
		if kind == "stdout" && json.Valid(line) {
			env.Data = json.RawMessage(append([]byte(nil), line...))
		} else {
			quoted, err := json.Marshal(string(line))
			if err != nil {
				continue
			}
			env.Data = quoted
		}
		payload, err := json.Marshal(env)
		if err != nil {
			continue
		}
		if err := out.write(payload); err != nil {
			log.Println("WS write error:", err)
			return
		}
	}
}
