package webhooks

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/dlhauer/zulip/internal/config"
	"github.com/dlhauer/zulip/internal/infrastructure"
	"github.com/dlhauer/zulip/pkg/queue"
	"github.com/sony/gobreaker"
)

const defaultTopic = "(no topic)"

var (
	channelPrefixRe = regexp.MustCompile(`^[@#]`)

	// Slack wraps links as <url|label>.
	slackLinkRe = regexp.MustCompile(`<(\w+?://.*?)\|(.*?)>`)

	// Slack uses *text* for bold and _text_ for emphasis; both render as bold
	// here. The inner group must start and end on a non-space character.
	slackBoldRe     = regexp.MustCompile(`([^\w])\*([^\s*](?:[^*\n]*[^\s*])?)\*([^\w])`)
	slackEmphasisRe = regexp.MustCompile(`([^\w])_([^\s_](?:[^_\n]*[^\s_])?)_([^\w])`)
)

// SlackIncomingHandler accepts Slack-compatible incoming webhook payloads,
// converts them to Markdown and enqueues the resulting message event. A
// circuit breaker sheds load when the queue keeps refusing publishes.
type SlackIncomingHandler struct {
	publisher      queue.Publisher
	queueName      string
	circuitBreaker *gobreaker.CircuitBreaker
	logger         infrastructure.Logger
	now            func() time.Time
}

func NewSlackIncomingHandler(
	publisher queue.Publisher,
	queueName string,
	cfg config.WebhookConfig,
	logger infrastructure.Logger,
) *SlackIncomingHandler {
	cbSettings := gobreaker.Settings{
		Name:        "slack-incoming-webhook",
		MaxRequests: cfg.CircuitBreaker.MaxRequests,
		Interval:    cfg.CircuitBreaker.Interval,
		Timeout:     cfg.CircuitBreaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info().
				Str("name", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	}

	return &SlackIncomingHandler{
		publisher:      publisher,
		queueName:      queueName,
		circuitBreaker: gobreaker.NewCircuitBreaker(cbSettings),
		logger:         logger,
		now:            time.Now,
	}
}

// ServeHTTP implements the Slack incoming webhook contract: the payload
// arrives either form-encoded under "payload" or raw in the body as JSON.
func (h *SlackIncomingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	payload, err := h.decodePayload(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Malformed JSON")

		return
	}

	topic := h.resolveTopic(r, payload)
	content := renderContent(payload)

	if content == "" {
		// Nothing to send is still a success for Slack compatibility.
		h.writeSuccess(w)

		return
	}

	event := map[string]any{
		"type":    "webhook_message",
		"client":  "SlackIncoming",
		"topic":   topic,
		"content": content,
		"time":    h.now().Unix(),
	}

	if _, err := h.circuitBreaker.Execute(func() (any, error) {
		return nil, h.publisher.PublishJSON(h.queueName, event)
	}); err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			h.logger.Warn().Str("queue", h.queueName).Msg("circuit breaker is open, dropping webhook")
			h.writeError(w, http.StatusServiceUnavailable, "Service temporarily unavailable")

			return
		}

		h.logger.Error().Err(err).Str("queue", h.queueName).Msg("failed to enqueue webhook event")
		h.writeError(w, http.StatusInternalServerError, "Failed to enqueue message")

		return
	}

	h.writeSuccess(w)
}

func (h *SlackIncomingHandler) decodePayload(r *http.Request) (map[string]any, error) {
	payload := map[string]any{}

	if encoded := r.FormValue("payload"); encoded != "" {
		if err := json.Unmarshal([]byte(encoded), &payload); err != nil {
			return nil, err
		}

		return payload, nil
	}

	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return nil, err
	}

	return payload, nil
}

func (h *SlackIncomingHandler) resolveTopic(r *http.Request, payload map[string]any) string {
	if topic := r.FormValue("topic"); topic != "" {
		return topic
	}

	if channel, ok := payload["channel"].(string); ok {
		return channelPrefixRe.ReplaceAllString(channel, "")
	}

	return defaultTopic
}

// renderContent converts one Slack payload into Markdown, preferring blocks,
// then attachments, then the plain text field.
func renderContent(payload map[string]any) string {
	var body strings.Builder

	if blocks, ok := payload["blocks"].([]any); ok {
		for _, raw := range blocks {
			if block, ok := raw.(map[string]any); ok {
				body.WriteString(renderBlock(block))
			}
		}
	}

	if attachments, ok := payload["attachments"].([]any); ok {
		for _, raw := range attachments {
			if attachment, ok := raw.(map[string]any); ok {
				body.WriteString(renderAttachment(attachment))
			}
		}
	}

	content := body.String()

	if content == "" {
		if text, ok := payload["text"].(string); ok {
			content = text
			if emoji, ok := payload["icon_emoji"].(string); ok && emoji != "" {
				content = emoji + " " + content
			}
		}
	}

	if content == "" {
		return ""
	}

	return replaceFormatting(strings.TrimSpace(replaceLinks(content)))
}

func renderBlock(block map[string]any) string {
	if blockType, _ := block["type"].(string); blockType != "section" {
		return ""
	}

	var body strings.Builder

	// Section text nests, e.g. block["text"]["text"] for rich text objects.
	text := block["text"]
	for {
		nested, ok := text.(map[string]any)
		if !ok {
			break
		}
		text = nested["text"]
	}
	if text, ok := text.(string); ok {
		body.WriteString("\n\n")
		body.WriteString(text)
	}

	if accessory, ok := block["accessory"].(map[string]any); ok {
		if accessoryType, _ := accessory["type"].(string); accessoryType == "image" {
			altText, _ := accessory["alt_text"].(string)
			imageURL, _ := accessory["image_url"].(string)
			body.WriteString("\n[" + altText + "](" + imageURL + ")")
		}
	}

	return body.String()
}

func renderAttachment(attachment map[string]any) string {
	var body strings.Builder

	title, hasTitle := attachment["title"].(string)
	titleLink, hasLink := attachment["title_link"].(string)
	if hasTitle && hasLink {
		body.WriteString("[" + title + "](" + titleLink + ")\n")
	}

	if text, ok := attachment["text"].(string); ok {
		body.WriteString(text)
	}

	return body.String()
}

func replaceLinks(text string) string {
	return slackLinkRe.ReplaceAllString(text, "[$2]($1)")
}

func replaceFormatting(text string) string {
	text = slackBoldRe.ReplaceAllString(text, "${1}**${2}**${3}")
	text = slackEmphasisRe.ReplaceAllString(text, "${1}**${2}**${3}")

	return text
}

func (h *SlackIncomingHandler) writeSuccess(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"result": "success", "msg": ""})
}

func (h *SlackIncomingHandler) writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"result": "error", "msg": msg})
}
