// Package acp serves loopy over the Agent Client Protocol so editors can
// drive it as an external agent.
//
// It implements a minimal subset of ACP over stdio:
//   - initialize
//   - session/new
//   - session/load (replays the saved conversation as session/update
//     notifications)
//   - session/prompt (streams agent_message_chunk, tool_call and
//     tool_result updates)
//   - session/cancel
//
// Messages are newline-delimited JSON objects rather than using
// Content-Length framing. Nothing but JSON-RPC messages is written to the
// output; diagnostics go to the logger.
package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/m4xw311/loopy/agent"
	"github.com/m4xw311/loopy/errors"
	"github.com/m4xw311/loopy/llm"
	"github.com/m4xw311/loopy/session"
	"github.com/spf13/afero"
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

// maxResourceSize caps the file content inlined for a resource_link.
const maxResourceSize = 50000

type Options struct {
	// NewAgent builds the engine backing one ACP session.
	NewAgent func() *agent.Agent
	// Store persists sessions after every prompt and backs session/load.
	// Nil keeps sessions in memory only.
	Store *session.Store
	// FS reads file:// resources. Defaults to the OS filesystem.
	FS     afero.Fs
	Logger *slog.Logger
}

// Run serves requests from in until it is exhausted or ctx is done.
func Run(ctx context.Context, in io.Reader, out io.Writer, opts Options) error {
	if opts.FS == nil {
		opts.FS = afero.NewOsFs()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := &server{
		ctx:      ctx,
		opts:     opts,
		sessions: make(map[string]*acpSession),
		out:      bufio.NewWriter(out),
		logger:   opts.Logger.With("component", "acp"),
	}
	defer s.prompts.Wait()

	reader := bufio.NewReader(in)
	for {
		payload, err := reader.ReadBytes('\n')
		if len(payload) == 0 && err != nil {
			if err == io.EOF {
				s.logger.Debug("input closed, exiting")
				return nil
			}
			return errors.Wrapf(err, "ACP: read error")
		}
		payload = []byte(strings.TrimSpace(string(payload)))
		if len(payload) == 0 {
			continue
		}
		s.logger.Debug("received", "payload", string(payload))

		var req jsonrpcRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			s.logger.Warn("JSON parse error", "err", err)
			_ = s.writeResponseError(nil, codeParseError, "Parse error", nil)
			continue
		}
		s.dispatch(&req)
	}
}

// jsonrpcRequest represents a JSON-RPC 2.0 request or notification.
type jsonrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonrpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpcError   `json:"error,omitempty"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type acpSession struct {
	id    string
	agent *agent.Agent
	// cancel aborts the prompt in flight, if any.
	cancel context.CancelFunc
}

type server struct {
	ctx  context.Context
	opts Options

	sessionsMu sync.Mutex
	sessions   map[string]*acpSession

	writeMu sync.Mutex
	out     *bufio.Writer

	prompts sync.WaitGroup
	logger  *slog.Logger
}

func (s *server) dispatch(req *jsonrpcRequest) {
	s.logger.Debug("dispatching", "method", req.Method, "id", req.ID)
	switch req.Method {
	case "initialize":
		s.handleInitialize(req)
	case "session/new":
		s.handleSessionNew(req)
	case "session/load":
		s.handleSessionLoad(req)
	case "session/prompt":
		// The prompt is registered here, in input order, so a later
		// session/cancel always finds it; the exchange itself runs
		// concurrently.
		if run := s.prepareSessionPrompt(req); run != nil {
			s.prompts.Add(1)
			go func() {
				defer s.prompts.Done()
				run()
			}()
		}
	case "session/cancel":
		s.handleSessionCancel(req)
	default:
		if req.ID != nil {
			_ = s.writeResponseError(req.ID, codeMethodNotFound, "Method not found", nil)
		}
	}
}

// writeJSON writes one newline-terminated message and flushes it.
func (s *server) writeJSON(obj any) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize JSON-RPC message")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(data); err != nil {
		return err
	}
	if err := s.out.WriteByte('\n'); err != nil {
		return err
	}
	return s.out.Flush()
}

// writeResponseOK sends a success response. A nil result is sent as null.
func (s *server) writeResponseOK(id, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize result")
	}
	return s.writeJSON(jsonrpcResponse{JSONRPC: "2.0", ID: id, Result: raw})
}

func (s *server) writeResponseError(id any, code int, msg string, data any) error {
	s.logger.Debug("error response", "code", code, "msg", msg, "data", data)
	return s.writeJSON(jsonrpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &jsonrpcError{Code: code, Message: msg, Data: data},
	})
}

func (s *server) writeUpdate(sessionID string, update map[string]any) error {
	return s.writeJSON(map[string]any{
		"jsonrpc": "2.0",
		"method":  "session/update",
		"params": map[string]any{
			"sessionId": sessionID,
			"update":    update,
		},
	})
}

func decodeParams(req *jsonrpcRequest, v any) error {
	if len(req.Params) == 0 {
		return nil
	}
	return json.Unmarshal(req.Params, v)
}

func (s *server) handleInitialize(req *jsonrpcRequest) {
	var p struct {
		ProtocolVersion int             `json:"protocolVersion"`
		ClientCaps      json.RawMessage `json:"clientCapabilities,omitempty"`
	}
	if err := decodeParams(req, &p); err != nil {
		s.logger.Debug("initialize params ignored", "err", err)
	}
	_ = s.writeResponseOK(req.ID, map[string]any{
		"protocolVersion": 1,
		"agentCapabilities": map[string]any{
			"loadSession": s.opts.Store != nil,
			"promptCapabilities": map[string]bool{
				"audio":           false,
				"embeddedContext": false,
				"image":           false,
			},
		},
		"authMethods": []any{},
	})
}

func (s *server) handleSessionNew(req *jsonrpcRequest) {
	sess := &acpSession{id: uuid.NewString(), agent: s.opts.NewAgent()}
	s.sessionsMu.Lock()
	s.sessions[sess.id] = sess
	s.sessionsMu.Unlock()
	s.logger.Info("session created", "session", sess.id)
	_ = s.writeResponseOK(req.ID, map[string]any{"sessionId": sess.id})
}

// handleSessionLoad restores a saved session and replays it: user messages
// as user_message_chunk, assistant text as agent_message_chunk, and each
// recorded tool call as tool_call followed by tool_result.
func (s *server) handleSessionLoad(req *jsonrpcRequest) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := decodeParams(req, &p); err != nil {
		_ = s.writeResponseError(req.ID, codeInvalidParams, "Invalid params", err.Error())
		return
	}
	if s.opts.Store == nil {
		_ = s.writeResponseError(req.ID, codeInternalError, "Internal error", "session storage is not available")
		return
	}
	saved, err := s.opts.Store.Load(p.SessionID)
	if err != nil {
		_ = s.writeResponseError(req.ID, codeInvalidParams, "Invalid params", fmt.Sprintf("session not found: %v", err))
		return
	}

	a := s.opts.NewAgent()
	a.SetMessages(saved.Messages)
	s.sessionsMu.Lock()
	s.sessions[p.SessionID] = &acpSession{id: p.SessionID, agent: a}
	s.sessionsMu.Unlock()

	s.logger.Info("replaying session", "session", p.SessionID, "messages", len(saved.Messages))
	for _, msg := range saved.Messages {
		switch msg.Role {
		case session.RoleUser:
			_ = s.writeUpdate(p.SessionID, textUpdate("user_message_chunk", msg.Content))
		case session.RoleAssistant:
			if len(msg.Steps) == 0 {
				if msg.Content != "" {
					_ = s.writeUpdate(p.SessionID, textUpdate("agent_message_chunk", msg.Content))
				}
				continue
			}
			for _, step := range msg.Steps {
				if step.Text != "" {
					_ = s.writeUpdate(p.SessionID, textUpdate("agent_message_chunk", step.Text))
				}
				for _, call := range step.ToolCalls {
					_ = s.writeUpdate(p.SessionID, toolCallUpdate(call.CallID, call.ToolName, call.Input))
					_ = s.writeUpdate(p.SessionID, toolResultUpdate(call.CallID, call.Result, call.IsError))
				}
			}
		}
	}
	_ = s.writeResponseOK(req.ID, nil)
}

// contentBlock is one element of a prompt. Only text and resource_link
// blocks are understood.
type contentBlock struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	URI         string `json:"uri,omitempty"`
	Name        string `json:"name,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Size        *int64 `json:"size,omitempty"`
}

// prepareSessionPrompt validates a prompt and returns the function running
// it, or nil when an error response has already been sent.
func (s *server) prepareSessionPrompt(req *jsonrpcRequest) func() {
	var p struct {
		SessionID string         `json:"sessionId"`
		Prompt    []contentBlock `json:"prompt"`
	}
	if err := decodeParams(req, &p); err != nil {
		_ = s.writeResponseError(req.ID, codeInvalidParams, "Invalid params", err.Error())
		return nil
	}

	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	sess, ok := s.sessions[p.SessionID]
	if !ok {
		_ = s.writeResponseError(req.ID, codeInvalidParams, "Invalid params", "unknown sessionId")
		return nil
	}
	if sess.cancel != nil {
		_ = s.writeResponseError(req.ID, codeInvalidRequest, "Invalid request", agent.ErrBusy.Error())
		return nil
	}
	ctx, cancel := context.WithCancel(s.ctx)
	sess.cancel = cancel
	return func() {
		defer cancel()
		s.runSessionPrompt(ctx, req.ID, sess, extractUserText(s.opts.FS, p.Prompt))
	}
}

// runSessionPrompt sends the prompt to the session's agent, forwarding
// its events as session/update notifications, then answers with the stop
// reason.
func (s *server) runSessionPrompt(ctx context.Context, id any, sess *acpSession, text string) {
	finishReason := ""
	unsubscribe := sess.agent.Subscribe(func(e agent.Event) {
		switch ev := e.(type) {
		case agent.TextDelta:
			_ = s.writeUpdate(sess.id, textUpdate("agent_message_chunk", ev.Text))
		case agent.ToolCallStarted:
			_ = s.writeUpdate(sess.id, toolCallUpdate(ev.CallID, ev.Name, ev.Input))
		case agent.ToolCallCompleted:
			_ = s.writeUpdate(sess.id, toolResultUpdate(ev.CallID, ev.Result, ev.IsError))
		case agent.Finished:
			finishReason = ev.FinishReason
		}
	})
	err := sess.agent.Send(ctx, text)
	unsubscribe()

	s.sessionsMu.Lock()
	sess.cancel = nil
	s.sessionsMu.Unlock()

	switch {
	case err == nil:
		s.save(sess)
		stopReason := "end_turn"
		if finishReason == llm.FinishMaxSteps {
			stopReason = "max_turn_requests"
		}
		_ = s.writeResponseOK(id, map[string]any{"stopReason": stopReason})
	case errors.Is(err, context.Canceled):
		s.save(sess)
		_ = s.writeResponseOK(id, map[string]any{"stopReason": "cancelled"})
	case errors.Is(err, agent.ErrBusy):
		_ = s.writeResponseError(id, codeInvalidRequest, "Invalid request", err.Error())
	case errors.Is(err, agent.ErrEmptyPrompt):
		_ = s.writeResponseError(id, codeInvalidParams, "Invalid params", err.Error())
	default:
		s.logger.Error("prompt failed", "session", sess.id, "err", err)
		_ = s.writeResponseError(id, codeInternalError, "Internal error", fmt.Sprintf("error processing user input: %v", err))
	}
}

func (s *server) handleSessionCancel(req *jsonrpcRequest) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := decodeParams(req, &p); err != nil {
		return
	}
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	if sess, ok := s.sessions[p.SessionID]; ok && sess.cancel != nil {
		s.logger.Info("cancelling prompt", "session", p.SessionID)
		sess.cancel()
	}
}

func (s *server) save(sess *acpSession) {
	if s.opts.Store == nil {
		return
	}
	saved := s.opts.Store.New(sess.id)
	cfg := sess.agent.Config()
	saved.Provider = llm.NormalizeProvider(cfg.Provider)
	saved.Model = cfg.Model
	saved.Messages = sess.agent.Messages()
	if err := s.opts.Store.Save(saved); err != nil {
		s.logger.Warn("failed to save session", "session", sess.id, "err", err)
	}
}

func textUpdate(kind, text string) map[string]any {
	return map[string]any{
		"sessionUpdate": kind,
		"content":       map[string]any{"type": "text", "text": text},
	}
}

func toolCallUpdate(id, name string, args map[string]any) map[string]any {
	return map[string]any{
		"sessionUpdate": "tool_call",
		"toolCall":      map[string]any{"id": id, "name": name, "args": args},
	}
}

func toolResultUpdate(id string, result any, isError bool) map[string]any {
	encoded, err := json.Marshal(result)
	if err != nil {
		encoded = []byte(fmt.Sprintf(`{"error":%q}`, err.Error()))
	}
	return map[string]any{
		"sessionUpdate": "tool_result",
		"toolResult": map[string]any{
			"toolCallId": id,
			"result":     string(encoded),
			"isError":    isError,
		},
	}
}

// readFileFromURI reads the file behind a file:// URI.
func readFileFromURI(fs afero.Fs, uri string) (string, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("invalid URI: %v", err)
	}
	if parsed.Scheme != "file" {
		return "", fmt.Errorf("unsupported URI scheme: %s", parsed.Scheme)
	}
	content, err := afero.ReadFile(fs, parsed.Path)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %v", err)
	}
	return string(content), nil
}

// extractUserText joins the prompt blocks into one message. Resource links
// are expanded into a labelled section, with the file inlined when it is
// local.
func extractUserText(fs afero.Fs, blocks []contentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if strings.TrimSpace(b.Text) != "" {
				parts = append(parts, b.Text)
			}
		case "resource_link":
			var r strings.Builder
			fmt.Fprintf(&r, "=== Resource: %s ===\n", b.Name)
			if b.Title != "" {
				fmt.Fprintf(&r, "Title: %s\n", b.Title)
			}
			if b.Description != "" {
				fmt.Fprintf(&r, "Description: %s\n", b.Description)
			}
			fmt.Fprintf(&r, "URI: %s\n", b.URI)
			if b.MimeType != "" {
				fmt.Fprintf(&r, "Type: %s\n", b.MimeType)
			}
			if b.Size != nil {
				fmt.Fprintf(&r, "Size: %d bytes\n", *b.Size)
			}

			if strings.HasPrefix(b.URI, "file://") {
				content, err := readFileFromURI(fs, b.URI)
				if err != nil {
					fmt.Fprintf(&r, "\n[Error reading file: %v]\n", err)
				} else {
					if len(content) > maxResourceSize {
						content = content[:maxResourceSize] + "\n\n[... truncated to 50KB ...]"
					}
					fmt.Fprintf(&r, "\n--- File Contents ---\n%s\n--- End of File ---\n", content)
				}
			} else {
				r.WriteString("\n[External resource - content not available]\n")
			}
			r.WriteString("=== End Resource ===\n")
			parts = append(parts, r.String())
		}
	}
	return strings.Join(parts, "\n")
}
