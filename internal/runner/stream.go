package runner

import (
	"encoding/json"
	"strings"
)

// streamEvent is one line of the agent CLI's stream-json output.
type streamEvent struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Message   *struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text,omitempty"`
		} `json:"content"`
	} `json:"message,omitempty"`

	Result       string  `json:"result,omitempty"`
	IsError      bool    `json:"is_error,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	DurationMs   int64   `json:"duration_ms,omitempty"`
}

func (e streamEvent) text() string {
	if e.Message == nil {
		return ""
	}
	var b strings.Builder
	for _, block := range e.Message.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// streamCollector accumulates stream-json lines into a Result.
type streamCollector struct {
	onSession SessionHandler
	onDelta   DeltaHandler

	sessionID  string
	assistant  strings.Builder
	result     string
	cost       float64
	durationMs int64
	completed  bool
	isError    bool
}

func newStreamCollector(onSession SessionHandler, onDelta DeltaHandler) *streamCollector {
	return &streamCollector{onSession: onSession, onDelta: onDelta}
}

// ConsumeLine parses one line; non-JSON lines (diagnostics) are ignored.
func (c *streamCollector) ConsumeLine(line string) {
	line = strings.TrimSpace(line)
	if line == "" || line[0] != '{' {
		return
	}
	var evt streamEvent
	if err := json.Unmarshal([]byte(line), &evt); err != nil {
		return
	}

	if evt.SessionID != "" && c.sessionID == "" {
		c.sessionID = evt.SessionID
		if c.onSession != nil {
			c.onSession(evt.SessionID)
		}
	}

	switch evt.Type {
	case "assistant":
		text := evt.text()
		if text == "" {
			return
		}
		if c.assistant.Len() > 0 {
			c.assistant.WriteString("\n")
		}
		c.assistant.WriteString(text)
		if c.onDelta != nil {
			c.onDelta(text)
		}
	case "result":
		c.completed = true
		c.isError = evt.IsError || (evt.Subtype != "" && evt.Subtype != "success")
		c.result = evt.Result
		c.cost = evt.TotalCostUSD
		if c.cost == 0 {
			c.cost = evt.CostUSD
		}
		c.durationMs = evt.DurationMs
	}
}

func (c *streamCollector) Result() Result {
	text := strings.TrimSpace(c.result)
	if text == "" {
		text = strings.TrimSpace(c.assistant.String())
	}
	text, restart := extractRestartMarker(text)
	return Result{
		Text:         text,
		Success:      c.completed && !c.isError,
		CostUSD:      c.cost,
		DurationMs:   c.durationMs,
		SessionID:    c.sessionID,
		NeedsRestart: restart,
	}
}

func (c *streamCollector) Completed() bool { return c.completed }
