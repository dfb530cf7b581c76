package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/chapohq/chapo/internal/config"
	"github.com/chapohq/chapo/pkg/protocol"
)

const eventLabelWidth = 18

func chatCmd() *cobra.Command {
	var (
		addr      string
		sessionID string
		message   string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to a running gateway",
		Run: func(cmd *cobra.Command, args []string) {
			setupLogging()

			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				fmt.Fprintf(os.Stderr, "load config: %v\n", err)
				os.Exit(1)
			}
			if addr == "" {
				addr = cfg.Gateway.Addr()
			}
			if sessionID == "" {
				sessionID = "cli-" + uuid.NewString()[:8]
			}
			runChat(cfg, addr, sessionID, message)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "gateway address (default from config)")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (default: fresh)")
	cmd.Flags().StringVarP(&message, "message", "m", "", "one-shot message; omit for interactive mode")
	return cmd
}

// chatClient wraps the command/response/event protocol over one connection.
type chatClient struct {
	conn      *websocket.Conn
	sessionID string
	stdin     *bufio.Scanner

	// ids of the most recent unanswered gates
	questionID string
	approvalID string
}

func runChat(cfg *config.Config, addr, sessionID, message string) {
	ctx := context.Background()

	wsURL := fmt.Sprintf("ws://%s/ws", addr)
	opts := &websocket.DialOptions{}
	if cfg.Gateway.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + cfg.Gateway.Token}}
	}
	conn, _, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect %s: %v\n", wsURL, err)
		fmt.Fprintln(os.Stderr, "Is the gateway running? Start it with: chapo gateway")
		os.Exit(1)
	}
	conn.SetReadLimit(1 << 20)
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	c := &chatClient{conn: conn, sessionID: sessionID, stdin: bufio.NewScanner(os.Stdin)}

	if message != "" {
		answer, err := c.request(ctx, message)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(answer)
		return
	}

	fmt.Fprintf(os.Stderr, "CHAPO chat — session %s\n", sessionID)
	fmt.Fprintln(os.Stderr, "Type \"exit\" to quit, \"/new\" for a fresh session")
	fmt.Fprintln(os.Stderr)

	for {
		fmt.Fprint(os.Stderr, "You: ")
		if !c.stdin.Scan() {
			return
		}
		input := strings.TrimSpace(c.stdin.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			return
		}
		if input == "/new" {
			c.sessionID = "cli-" + uuid.NewString()[:8]
			fmt.Fprintf(os.Stderr, "New session: %s\n\n", c.sessionID)
			continue
		}

		answer, err := c.request(ctx, input)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
			continue
		}
		fmt.Printf("\n%s\n\n", answer)
	}
}

// request runs one user turn, resolving question and approval gates
// interactively until the loop completes.
func (c *chatClient) request(ctx context.Context, message string) (string, error) {
	payload, _ := json.Marshal(protocol.RequestPayload{Message: message})
	result, err := c.command(ctx, protocol.CommandRequest, payload)
	if err != nil {
		return "", err
	}

	for result.Status == protocol.StatusWaitingForUser {
		result, err = c.resolveGate(ctx, result)
		if err != nil {
			return "", err
		}
	}
	if result.Status == protocol.StatusError {
		return "", fmt.Errorf("%s", result.Answer)
	}
	return result.Answer, nil
}

// resolveGate prompts for whichever gate suspended the loop and resumes it.
func (c *chatClient) resolveGate(ctx context.Context, result *protocol.LoopResult) (*protocol.LoopResult, error) {
	if c.approvalID != "" {
		fmt.Fprint(os.Stderr, "Approve? [y/N]: ")
		approved := false
		if c.stdin.Scan() {
			in := strings.ToLower(strings.TrimSpace(c.stdin.Text()))
			approved = in == "y" || in == "yes" || in == "ja"
		}
		payload, _ := json.Marshal(protocol.ApprovalPayload{ApprovalID: c.approvalID, Approved: approved})
		c.approvalID = ""
		return c.command(ctx, protocol.CommandApproval, payload)
	}

	question := result.Question
	if question == "" {
		question = "Der Agent wartet auf eine Antwort."
	}
	fmt.Fprintf(os.Stderr, "\nCHAPO asks: %s\nAnswer: ", question)
	if !c.stdin.Scan() {
		return nil, fmt.Errorf("input closed while a question was pending")
	}
	payload, _ := json.Marshal(protocol.QuestionPayload{
		QuestionID: c.questionID,
		Answer:     strings.TrimSpace(c.stdin.Text()),
	})
	c.questionID = ""
	return c.command(ctx, protocol.CommandQuestion, payload)
}

// command sends one command frame and reads frames until its response
// arrives, rendering events along the way.
func (c *chatClient) command(ctx context.Context, command string, payload json.RawMessage) (*protocol.LoopResult, error) {
	reqID := uuid.NewString()[:8]
	frame := protocol.CommandFrame{
		Kind:      "command",
		Command:   command,
		SessionID: c.sessionID,
		RequestID: reqID,
		Payload:   payload,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, err
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return nil, fmt.Errorf("send %s: %w", command, err)
	}

	for {
		_, raw, err := c.conn.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("read: %w", err)
		}
		var kind struct {
			Kind string `json:"kind"`
		}
		if err := json.Unmarshal(raw, &kind); err != nil {
			continue
		}

		switch kind.Kind {
		case "event":
			var ev protocol.EventFrame
			if err := json.Unmarshal(raw, &ev); err == nil {
				c.renderEvent(&ev)
			}
		case "response":
			var resp protocol.ResponseFrame
			if err := json.Unmarshal(raw, &resp); err != nil {
				return nil, fmt.Errorf("parse response: %w", err)
			}
			if resp.RequestID != reqID {
				continue
			}
			if !resp.OK {
				return nil, fmt.Errorf("%s", resp.Error)
			}
			return decodeLoopResult(resp.Result)
		}
	}
}

func decodeLoopResult(result any) (*protocol.LoopResult, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	var lr protocol.LoopResult
	if err := json.Unmarshal(data, &lr); err != nil {
		return nil, fmt.Errorf("parse loop result: %w", err)
	}
	return &lr, nil
}

// renderEvent prints one progress line per interesting event. Labels are
// padded to a fixed display width so CJK agent output stays aligned.
func (c *chatClient) renderEvent(ev *protocol.EventFrame) {
	label := func(s string) string { return runewidth.FillRight("["+s+"]", eventLabelWidth) }

	switch ev.Type {
	case protocol.EventAgentThinking:
		fmt.Fprintf(os.Stderr, "%s ...\n", label("thinking"))
	case protocol.EventAgentSwitch:
		var p struct{ From, To string }
		decodePayload(ev.Payload, &p)
		fmt.Fprintf(os.Stderr, "%s %s -> %s\n", label("agent"), p.From, p.To)
	case protocol.EventToolCall:
		var p protocol.ToolCallPayload
		decodePayload(ev.Payload, &p)
		fmt.Fprintf(os.Stderr, "%s %s\n", label("tool"), p.Tool)
	case protocol.EventToolResult:
		var p protocol.ToolResultPayload
		decodePayload(ev.Payload, &p)
		if p.Tool == protocol.DecisionPathToolName || p.Preview == "" {
			return
		}
		preview := runewidth.Truncate(strings.ReplaceAll(p.Preview, "\n", " "), 80, "…")
		fmt.Fprintf(os.Stderr, "%s %s: %s\n", label("result"), p.Tool, preview)
	case protocol.EventDelegation:
		var p protocol.DelegationPayload
		decodePayload(ev.Payload, &p)
		fmt.Fprintf(os.Stderr, "%s %s (%s): %s\n", label("delegation"), strings.ToUpper(p.Target), p.Domain, p.Objective)
	case protocol.EventParallelStart:
		var p protocol.ParallelPayload
		decodePayload(ev.Payload, &p)
		fmt.Fprintf(os.Stderr, "%s %d sub-objectives\n", label("parallel"), p.Count)
	case protocol.EventUserQuestion:
		var p protocol.UserQuestionPayload
		decodePayload(ev.Payload, &p)
		c.questionID = p.QuestionID
	case protocol.EventApprovalRequest:
		var p protocol.ApprovalRequestPayload
		decodePayload(ev.Payload, &p)
		c.approvalID = p.ApprovalID
		fmt.Fprintf(os.Stderr, "%s %s\n", label("approval"), p.Description)
	case protocol.EventActionPending:
		var p protocol.ActionPendingPayload
		decodePayload(ev.Payload, &p)
		if p.Preview != "" {
			fmt.Fprintf(os.Stderr, "%s %s\n", label("pending"), p.Preview)
		}
	case protocol.EventError:
		fmt.Fprintf(os.Stderr, "%s %v\n", label("error"), ev.Payload)
	}
}

// decodePayload converts an event's generic payload into a typed struct.
func decodePayload(payload, out any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_ = json.Unmarshal(data, out)
}
