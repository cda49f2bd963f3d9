package runtime

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/skiffhq/skiff/pkg/hierarchy"
	"github.com/skiffhq/skiff/pkg/llms"
	"github.com/skiffhq/skiff/pkg/session"
)

func (a *Agent) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy := 0
	for _, name := range a.registry.Servers() {
		if b := a.registry.Binding(name); b != nil && b.Healthy() {
			healthy++
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"agent":       a.Name(),
		"model":       a.provider.ModelName(),
		"mcp_servers": healthy,
		"tools":       len(a.registry.Tools()),
	})
}

// handleTags advertises this agent as a single Ollama-style model.
func (a *Agent) handleTags(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"models": []map[string]string{
			{"name": a.Name(), "model": a.Name()},
		},
	})
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

// handleGenerate is the single-shot completion surface. No session state.
func (a *Agent) handleGenerate(w http.ResponseWriter, r *http.Request) {
	a.sessions.Cleanup()

	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	messages := []llms.Message{{Role: llms.RoleUser, Content: req.Prompt}}

	if req.Stream {
		a.streamConverse(w, r, messages)
		return
	}

	result, err := a.converse(r.Context(), messages)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "llm unavailable: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, a.finalFrame(result))
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []llms.Message `json:"messages"`
	Stream   bool           `json:"stream"`
}

// handleChat is the multi-turn surface. The session id rides the
// X-Session-ID header both ways; prompts route to the session's currently
// addressed hierarchy node.
func (a *Agent) handleChat(w http.ResponseWriter, r *http.Request) {
	a.sessions.Cleanup()

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	prompt := lastUserContent(req.Messages)
	if prompt == "" {
		writeError(w, http.StatusBadRequest, "messages must contain a user message")
		return
	}

	sess := a.sessions.Acquire(r.Header.Get(SessionHeader))
	w.Header().Set(SessionHeader, sess.ID)

	node := a.currentNode(sess)

	// Remote children answer over their own runtime surface; the reply is
	// recorded in this node's isolated memory.
	if node.Remote() {
		reply, err := a.delegator.Delegate(r.Context(), node, prompt)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		history := append(sess.MemoryFor(node.Name),
			llms.Message{Role: llms.RoleUser, Content: prompt},
			llms.Message{Role: llms.RoleAssistant, Content: reply})
		sess.SetMemory(node.Name, history)
		a.sessions.Update(sess)
		a.respondChat(w, req.Stream, &loopResult{Text: reply, Messages: history})
		return
	}

	memoryKey := ""
	if node.Name != a.tree.Root() {
		memoryKey = node.Name
	}
	messages := append(sess.MemoryFor(memoryKey), llms.Message{Role: llms.RoleUser, Content: prompt})

	if req.Stream {
		// Streamed turns bypass the tool loop; text flows straight through.
		a.streamConverse(w, r, messages)
		return
	}

	result, err := a.converse(r.Context(), messages)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "llm unavailable: "+err.Error())
		return
	}

	sess.SetMemory(memoryKey, result.Messages)
	a.sessions.Update(sess)
	a.respondChat(w, false, result)
}

func (a *Agent) respondChat(w http.ResponseWriter, stream bool, result *loopResult) {
	frame := a.finalFrame(result)
	frame["message"] = map[string]string{
		"role":    llms.RoleAssistant,
		"content": result.Text,
	}
	writeJSON(w, http.StatusOK, frame)
}

// finalFrame is the terminal response body shared by generate and chat.
func (a *Agent) finalFrame(result *loopResult) map[string]interface{} {
	frame := map[string]interface{}{
		"model":    a.Name(),
		"response": result.Text,
		"done":     true,
	}
	if result.Exhausted {
		frame["loop_exhausted"] = true
	}
	return frame
}

// streamConverse writes NDJSON frames {model, response, done}, closing with
// done:true.
func (a *Agent) streamConverse(w http.ResponseWriter, r *http.Request, messages []llms.Message) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	writeFrame := func(frame map[string]interface{}) {
		if err := enc.Encode(frame); err != nil {
			slog.Debug("stream write failed", "error", err)
		}
		flusher.Flush()
	}

	ch, err := a.provider.GenerateStreaming(r.Context(), messages, nil)
	if err != nil {
		writeFrame(map[string]interface{}{
			"model": a.Name(), "response": "", "done": true,
			"error": err.Error(),
		})
		return
	}

	for chunk := range ch {
		switch chunk.Type {
		case "text":
			writeFrame(map[string]interface{}{
				"model": a.Name(), "response": chunk.Text, "done": false,
			})
		case "error":
			writeFrame(map[string]interface{}{
				"model": a.Name(), "response": "", "done": true,
				"error": chunk.Error.Error(),
			})
			return
		}
	}
	writeFrame(map[string]interface{}{"model": a.Name(), "response": "", "done": true})
}

// handleTools lists the tools visible from the session's current node. Only
// the root node carries MCP bindings; descendants report their own (empty)
// configuration, never the ancestors'.
func (a *Agent) handleTools(w http.ResponseWriter, r *http.Request) {
	sess := a.sessions.Acquire(r.Header.Get(SessionHeader))
	w.Header().Set(SessionHeader, sess.ID)

	node := a.currentNode(sess)
	if node.Name != a.tree.Root() {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"agent": node.Name,
			"tools": []interface{}{},
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agent": node.Name,
		"tools": a.registry.Tools(),
	})
}

func (a *Agent) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.sessions.Stats())
}

func (a *Agent) handleSessionCleanup(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"evicted": a.sessions.Cleanup()})
}

func (a *Agent) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !a.sessions.Delete(id) {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "session": id})
}

type contextRequest struct {
	Agent string `json:"agent"`
}

func (a *Agent) handleContextEnter(w http.ResponseWriter, r *http.Request) {
	var req contextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Agent == "" {
		writeError(w, http.StatusBadRequest, "agent is required")
		return
	}

	sess := a.sessions.Acquire(r.Header.Get(SessionHeader))
	w.Header().Set(SessionHeader, sess.ID)

	nav := a.navigator(sess)
	if err := nav.Enter(req.Agent); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sess.ContextPath = nav.Path()
	a.sessions.Update(sess)
	writeJSON(w, http.StatusOK, map[string]interface{}{"path": nav.Path()})
}

func (a *Agent) handleContextExit(w http.ResponseWriter, r *http.Request) {
	sess := a.sessions.Acquire(r.Header.Get(SessionHeader))
	w.Header().Set(SessionHeader, sess.ID)

	nav := a.navigator(sess)
	nav.Exit()
	sess.ContextPath = nav.Path()
	a.sessions.Update(sess)
	writeJSON(w, http.StatusOK, map[string]interface{}{"path": nav.Path()})
}

func (a *Agent) handleContext(w http.ResponseWriter, r *http.Request) {
	sess := a.sessions.Acquire(r.Header.Get(SessionHeader))
	w.Header().Set(SessionHeader, sess.ID)

	nav := a.navigator(sess)
	node := nav.Current()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"path":     nav.Path(),
		"current":  node.Name,
		"children": node.Children,
		"remote":   node.Remote(),
	})
}

func (a *Agent) navigator(sess *session.Session) *hierarchy.Navigator {
	return hierarchy.RestorePath(a.tree, sess.ContextPath)
}

func (a *Agent) currentNode(sess *session.Session) *hierarchy.Node {
	return a.navigator(sess).Current()
}

func lastUserContent(messages []llms.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == llms.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
