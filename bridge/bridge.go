// Package bridge exposes an interactive command over a websocket so it can
// be driven from a browser terminal.
//
// Every websocket connection spawns its own copy of the command. Each
// output line is sent as a JSON text message {"type": "stdout"|"stderr",
// "data": line}; every message received from the client is written to the
// command's stdin followed by a newline. When the command exits a final
// {"type": "exit", "data": "<code>"} message is sent and the connection is
// closed.
package bridge

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/m4xw311/loopy/errors"
)

// Path is where the websocket endpoint is mounted by ListenAndServe.
const Path = "/ws"

type Options struct {
	// Command is the argv spawned for each connection.
	Command []string
	Logger  *slog.Logger
}

// Message is the JSON frame sent to clients.
type Message struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler returns the websocket handler.
func Handler(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(opts.Command) == 0 {
			http.Error(w, "no command configured", http.StatusInternalServerError)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			opts.Logger.Warn("websocket upgrade failed", "err", err)
			return
		}
		defer conn.Close()
		serve(r.Context(), conn, opts)
	})
}

// ListenAndServe serves the bridge on addr until ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, opts Options) error {
	mux := http.NewServeMux()
	mux.Handle(Path, Handler(opts))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return errors.Wrapf(err, "web bridge stopped")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// conn serializes writes; gorilla connections allow one writer at a time.
type conn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *conn) send(m Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(m)
}

func serve(ctx context.Context, ws *websocket.Conn, opts Options) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c := &conn{ws: ws}
	logger := opts.Logger.With("remote", ws.RemoteAddr().String())

	cmd := exec.CommandContext(ctx, opts.Command[0], opts.Command[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		logger.Error("error getting stdin", "err", err)
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		logger.Error("error getting stdout", "err", err)
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		logger.Error("error getting stderr", "err", err)
		return
	}
	if err := cmd.Start(); err != nil {
		logger.Error("error starting command", "command", opts.Command, "err", err)
		_ = c.send(Message{Type: "stderr", Data: err.Error()})
		return
	}
	logger.Info("command started", "command", opts.Command, "pid", cmd.Process.Pid)

	var wg sync.WaitGroup
	wg.Add(2)
	go pump(&wg, c, stdout, "stdout", logger)
	go pump(&wg, c, stderr, "stderr", logger)

	// Client messages feed stdin; a closed connection kills the command.
	go func() {
		defer cancel()
		defer stdin.Close()
		for {
			_, msg, err := ws.ReadMessage()
			if err != nil {
				logger.Debug("websocket read ended", "err", err)
				return
			}
			if _, err := stdin.Write(append(msg, '\n')); err != nil {
				logger.Debug("stdin write failed", "err", err)
				return
			}
		}
	}()

	wg.Wait()
	code := 0
	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	logger.Info("command exited", "code", code)
	_ = c.send(Message{Type: "exit", Data: strconv.Itoa(code)})

	c.mu.Lock()
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.mu.Unlock()
}

func pump(wg *sync.WaitGroup, c *conn, r io.Reader, stream string, logger *slog.Logger) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := c.send(Message{Type: stream, Data: scanner.Text()}); err != nil {
			logger.Debug("websocket write failed", "stream", stream, "err", err)
			// Keep draining so the command never blocks on a full pipe.
			_, _ = io.Copy(io.Discard, r)
			return
		}
	}
}
