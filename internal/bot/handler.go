package bot

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/atelierbot/atelier/internal/agent"
	"github.com/atelierbot/atelier/internal/draw"
	"github.com/atelierbot/atelier/internal/intent"
	"github.com/atelierbot/atelier/internal/llm"
	"github.com/atelierbot/atelier/internal/logger"
	"github.com/atelierbot/atelier/internal/queue"
	"github.com/atelierbot/atelier/internal/session"
	"github.com/atelierbot/atelier/internal/storage"
	"github.com/atelierbot/atelier/internal/sysinfo"
)

const (
	trigger = "ai"

	busyText    = "I'm still working on your previous message, give me a moment."
	failureText = "Something went wrong. Please try again."

	searchInstruction = "Answer the question using up-to-date web information. Be concise and cite your sources."

	presignedLinkTTL = 24 * time.Hour
)

const helpText = `Commands:
ai <message> - chat, ask for directions, or search the web
ai draw <description> - generate an image
ai queue - show the current draw queue
ai cancel - cancel your queued draw request
ai session - show your conversation session
ai reset - clear your conversation
ai status - show host status`

// HandlerConfig wires the Handler's collaborators. Search, Store, and
// Optimizer are optional; the toggles gate the draw pipeline and the
// model-backed classification pass.
type HandlerConfig struct {
	Sessions    *session.Store
	Classifier  *intent.Classifier
	Loop        *agent.Loop
	Manager     *queue.Manager
	Search      llm.LLM
	Store       *storage.Client
	Optimizer   *draw.PromptOptimizer
	WaitLimit   time.Duration
	DrawEnabled bool
	AIIntent    bool
}

// Handler routes triggered messages to the chat, agent, search, and
// draw pipelines. It is shared by all platform adapters.
type Handler struct {
	sessions    *session.Store
	classifier  *intent.Classifier
	loop        *agent.Loop
	manager     *queue.Manager
	search      llm.LLM
	store       *storage.Client
	optimizer   *draw.PromptOptimizer
	waitLimit   time.Duration
	drawEnabled bool
	aiIntent    bool
}

func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{
		sessions:    cfg.Sessions,
		classifier:  cfg.Classifier,
		loop:        cfg.Loop,
		manager:     cfg.Manager,
		search:      cfg.Search,
		store:       cfg.Store,
		optimizer:   cfg.Optimizer,
		waitLimit:   cfg.WaitLimit,
		drawEnabled: cfg.DrawEnabled,
		aiIntent:    cfg.AIIntent,
	}
}

// stripTrigger returns the command body of a triggered message, or
// false when the message is not addressed to the bot.
func stripTrigger(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(trimmed)

	if lower == trigger {
		return "", true
	}
	if strings.HasPrefix(lower, trigger+" ") {
		return strings.TrimSpace(trimmed[len(trigger)+1:]), true
	}
	return "", false
}

// Handle processes one inbound message end to end, delivering all
// output through the responder. Untriggered messages are ignored.
func (h *Handler) Handle(ctx context.Context, msg Incoming, r Responder) {
	body, ok := stripTrigger(msg.Text)
	if !ok {
		return
	}
	if body == "" {
		h.reply(r, helpText)
		return
	}

	cmd, rest := splitCommand(body)
	switch cmd {
	case "draw":
		h.handleDraw(ctx, msg, rest, r)
	case "queue":
		h.handleQueue(msg, r)
	case "cancel":
		h.handleCancel(msg, r)
	case "session":
		h.handleSession(msg, r)
	case "reset":
		h.handleReset(msg, r)
	case "status":
		h.handleStatus(r)
	case "help":
		h.reply(r, helpText)
	default:
		h.handleChat(ctx, msg, body, r)
	}
}

func splitCommand(body string) (string, string) {
	parts := strings.SplitN(body, " ", 2)
	cmd := strings.ToLower(parts[0])
	rest := ""
	if len(parts) == 2 {
		rest = strings.TrimSpace(parts[1])
	}
	return cmd, rest
}

func (h *Handler) handleChat(ctx context.Context, msg Incoming, text string, r Responder) {
	sess := h.sessions.GetOrCreate(msg.UserID, msg.GroupID)
	if !sess.TryAcquire() {
		h.reply(r, busyText)
		return
	}
	defer sess.Release()

	// A paused agent run resumes with the user's answer, keeping the
	// original intent.
	if sess.Status() == session.StatusAwaitingInput && sess.Intent() != "" {
		sess.Conversation.Append(llm.Message{Role: "user", Content: text})
		reply, err := h.loop.Run(ctx, sess)
		if err != nil {
			logger.Error("Agent resume failed", "user", msg.UserID, "error", err)
			h.reply(r, failureText)
			return
		}
		h.reply(r, reply)
		return
	}

	res := h.classify(ctx, text)
	logger.Debug("Intent classified", "user", msg.UserID, "intent", res.Intent, "confidence", res.Confidence)

	switch res.Intent {
	case intent.Map:
		sess.SetIntent(strings.ToLower(string(intent.Map)))
		sess.Conversation.Append(llm.Message{Role: "user", Content: text})
		reply, err := h.loop.Run(ctx, sess)
		if err != nil {
			logger.Error("Agent run failed", "user", msg.UserID, "error", err)
			h.reply(r, failureText)
			return
		}
		h.reply(r, reply)
	case intent.Search:
		h.reply(r, h.runSearch(ctx, sess, text))
	default:
		reply, err := sess.Conversation.Chat(ctx, text)
		if err != nil {
			logger.Error("Chat failed", "user", msg.UserID, "error", err)
			h.reply(r, failureText)
			return
		}
		h.reply(r, reply)
	}
}

// classify resolves the intent, keyword rules first. The AI classifier
// never fails the message flow: a degraded result routes to plain chat.
func (h *Handler) classify(ctx context.Context, text string) intent.Result {
	if kw := intent.ByKeywords(text); kw == intent.Map || kw == intent.Search {
		return intent.Result{Intent: kw, NeedsTools: true, Confidence: 1.0, Reasoning: "keyword match"}
	}
	if !h.aiIntent {
		return intent.Result{Intent: intent.Chat, Confidence: 1.0, Reasoning: "model classification disabled"}
	}
	return h.classifier.Classify(ctx, text)
}

func (h *Handler) runSearch(ctx context.Context, sess *session.Session, query string) string {
	if h.search != nil {
		resp, err := h.search.Search(ctx, query, searchInstruction)
		if err == nil {
			sess.Conversation.Append(llm.Message{Role: "user", Content: query})
			sess.Conversation.Append(llm.Message{Role: "assistant", Content: resp.Text})
			return formatSearch(resp)
		}
		logger.Warn("Search provider failed, falling back to chat", "error", err)
	}

	reply, err := sess.Conversation.Chat(ctx, query)
	if err != nil {
		logger.Error("Search fallback failed", "error", err)
		return failureText
	}
	return reply
}

func formatSearch(resp *llm.SearchResponse) string {
	if len(resp.Sources) == 0 {
		return resp.Text
	}

	var b strings.Builder
	b.WriteString(resp.Text)
	b.WriteString("\n\nSources:")
	for i, src := range resp.Sources {
		b.WriteString("\n")
		if src.Title != "" {
			fmt.Fprintf(&b, "%d. %s - %s", i+1, src.Title, src.URL)
		} else {
			fmt.Fprintf(&b, "%d. %s", i+1, src.URL)
		}
	}
	return b.String()
}

func (h *Handler) handleDraw(ctx context.Context, msg Incoming, prompt string, r Responder) {
	if !h.drawEnabled {
		h.reply(r, "Image generation is currently disabled.")
		return
	}
	if prompt == "" {
		h.reply(r, "Usage: ai draw <description of the image>")
		return
	}

	prompt = h.optimizer.Optimize(ctx, prompt)

	req := h.manager.Add(msg.UserID, prompt, msg.ImagePath)
	logger.Info("Draw request queued", "user", msg.UserID, "id", req.ID, "position", req.Position)

	h.reply(r, fmt.Sprintf("Your image request is queued at position %d. Estimated wait: %s.",
		req.Position, formatDuration(req.EstimatedWait)))

	done := h.manager.AwaitCompletion(ctx, req.ID, h.waitLimit)
	if done == nil {
		h.reply(r, "Your image is taking longer than expected. Use \"ai queue\" to check progress.")
		return
	}

	switch done.Status {
	case queue.StatusCompleted:
		h.deliverImages(ctx, done, r)
	case queue.StatusFailed:
		h.reply(r, "Image generation failed: "+done.Error)
	case queue.StatusCancelled:
		h.reply(r, "Your image request was cancelled.")
	}
}

func (h *Handler) deliverImages(ctx context.Context, req *queue.Request, r Responder) {
	if req.Result == nil || len(req.Result.Images) == 0 {
		h.reply(r, "Generation finished but produced no images.")
		return
	}

	total := len(req.Result.Images)
	var links []string
	for i, img := range req.Result.Images {
		// single image carries the prompt; a set gets index captions
		caption := truncate(req.Prompt, 100)
		if total > 1 {
			caption = fmt.Sprintf("%d/%d %s", i+1, total, truncate(req.Prompt, 80))
		}
		if err := r.ReplyImage(img.LocalPath, caption); err != nil {
			logger.Error("Image delivery failed", "path", img.LocalPath, "error", err)
		}

		if h.store != nil {
			if url, err := h.uploadImage(ctx, img.LocalPath); err != nil {
				logger.Warn("Image upload failed", "path", img.LocalPath, "error", err)
			} else {
				links = append(links, url)
			}
		}
	}

	if len(links) > 0 {
		h.reply(r, "Download links (valid 24h):\n"+strings.Join(links, "\n"))
	}
}

func (h *Handler) uploadImage(ctx context.Context, path string) (string, error) {
	name := filepath.Base(path)
	if err := h.store.UploadFile(ctx, name, path, "image/png"); err != nil {
		return "", err
	}
	return h.store.PresignedURL(ctx, name, presignedLinkTTL)
}

func (h *Handler) handleQueue(msg Incoming, r Responder) {
	snap := h.manager.Snapshot()

	var b strings.Builder
	fmt.Fprintf(&b, "Queue: %d waiting", snap.QueueLength)
	if snap.ProcessingID != "" {
		b.WriteString(", 1 in progress")
	}
	fmt.Fprintf(&b, "\nAverage generation time: %s", formatDuration(snap.AverageProcessing))
	if snap.InCooldown {
		fmt.Fprintf(&b, "\nCooling down for another %s", formatDuration(snap.CooldownRemaining))
	}
	if pos := h.manager.PositionOf(msg.UserID); pos > 0 {
		fmt.Fprintf(&b, "\nYour request is at position %d", pos)
	}

	h.reply(r, b.String())
}

func (h *Handler) handleCancel(msg Incoming, r Responder) {
	latest := h.manager.LatestStatusFor(msg.UserID)
	if latest == nil {
		h.reply(r, "You have no draw requests.")
		return
	}
	if latest.Status != queue.StatusPending {
		h.reply(r, fmt.Sprintf("Your latest request can no longer be cancelled (status: %s).", latest.Status))
		return
	}
	if h.manager.Cancel(latest.ID) {
		h.reply(r, "Your draw request has been cancelled.")
		return
	}
	h.reply(r, "That request already started and cannot be cancelled.")
}

func (h *Handler) handleSession(msg Incoming, r Responder) {
	if h.sessions.Timeout() <= 0 {
		h.reply(r, "Context retention is disabled; each message starts fresh.")
		return
	}

	info := h.sessions.SessionInfo(msg.UserID, msg.GroupID)
	if info == nil {
		h.reply(r, "No active session. Say \"ai <message>\" to start one.")
		return
	}
	h.reply(r, fmt.Sprintf("Session: %d messages in history, expires in %s.",
		info.HistoryLen, formatDuration(info.ExpiresIn)))
}

func (h *Handler) handleReset(msg Incoming, r Responder) {
	if h.sessions.Clear(msg.UserID, msg.GroupID) {
		h.reply(r, "Conversation cleared.")
		return
	}
	h.reply(r, "No active session to clear.")
}

func (h *Handler) handleStatus(r Responder) {
	h.reply(r, sysinfo.Collect().Summary())
}

func (h *Handler) reply(r Responder, text string) {
	if text == "" {
		return
	}
	if err := r.Reply(text); err != nil {
		logger.Error("Reply failed", "error", err)
	}
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	return d.Round(time.Second).String()
}

// truncate cuts on a rune boundary so CJK prompts stay valid UTF-8.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	end := 0
	for i := range s {
		if i > max {
			break
		}
		end = i
	}
	return s[:end] + "..."
}
