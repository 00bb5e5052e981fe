package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	input "github.com/tcnksm/go-input"

	"github.com/go-go-golems/chatagent/pkg/agentclient"
	"github.com/go-go-golems/chatagent/pkg/chatproto"
)

var (
	userLabel      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	assistantLabel = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("170"))
	noticeStyle    = lipgloss.NewStyle().Faint(true)
)

type chatFlags struct {
	server string
	userID string
	copy   bool
	render bool
}

func newChatCommand() *cobra.Command {
	var f chatFlags
	cmd := &cobra.Command{
		Use:   "chat <agent>",
		Short: "Chat with an agent from the terminal",
		Long: `Opens a websocket to the agent and tunnels each prompt as a chat request.
Lines starting with / are commands: /clear empties the shared history, /history
prints it and /exit leaves.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			return runChat(cmd.Context(), args[0], f)
		},
	}
	cmd.Flags().StringVar(&f.server, "server", "ws://localhost:8080", "Agent server base URL")
	cmd.Flags().StringVar(&f.userID, "user", "", "User id attached to chat requests")
	cmd.Flags().BoolVar(&f.copy, "copy", false, "Copy each reply to the clipboard")
	cmd.Flags().BoolVar(&f.render, "render", true, "Render replies as markdown when stdout is a terminal")
	return cmd
}

// agentURL joins the server base URL and the agent name.
func agentURL(server, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.Contains(name, "/") {
		return "", errors.Errorf("invalid agent name %q", name)
	}
	u, err := url.Parse(server)
	if err != nil {
		return "", errors.Wrapf(err, "parse server url %q", server)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/agents/" + name
	return u.String(), nil
}

// chatHistory is the terminal's view of the shared log. The agent does not
// echo an exchange back to the connection that started it, so replies are
// appended locally.
type chatHistory struct {
	mu   sync.Mutex
	msgs []chatproto.Message
}

func (h *chatHistory) set(msgs []chatproto.Message) {
	h.mu.Lock()
	h.msgs = append([]chatproto.Message(nil), msgs...)
	h.mu.Unlock()
}

func (h *chatHistory) append(msgs ...chatproto.Message) []chatproto.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, msgs...)
	return append([]chatproto.Message(nil), h.msgs...)
}

func (h *chatHistory) snapshot() []chatproto.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]chatproto.Message(nil), h.msgs...)
}

func runChat(ctx context.Context, name string, f chatFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	target, err := agentURL(f.server, name)
	if err != nil {
		return err
	}

	cache := agentclient.NewInitialMessagesCache(nil)
	initial, err := cache.GetForAgent(ctx, target)
	if err != nil {
		return err
	}
	history := &chatHistory{}
	history.set(initial)

	client, err := agentclient.Dial(ctx, target,
		agentclient.WithUserID(f.userID),
		agentclient.WithInitialMessages(initial))
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()
	if err := client.Init(); err != nil {
		return err
	}

	stdout := os.Stdout
	tty := isatty.IsTerminal(stdout.Fd())
	client.OnMessages(func(msgs []chatproto.Message) {
		history.set(msgs)
		_, _ = fmt.Fprintln(stdout, noticeStyle.Render(fmt.Sprintf("(history updated elsewhere: %d messages)", len(msgs))))
	})
	client.OnClear(func() {
		history.set(nil)
		_, _ = fmt.Fprintln(stdout, noticeStyle.Render("(history cleared elsewhere)"))
	})

	printHistory(stdout, history.snapshot())

	ui := &input.UI{Writer: os.Stderr, Reader: os.Stdin}
	for {
		select {
		case <-client.Done():
			return errors.New("agent connection closed")
		default:
		}
		line, err := ui.Ask(userLabel.Render("you"), &input.Options{HideOrder: true})
		if err != nil {
			if errors.Is(err, input.ErrInterrupted) {
				return nil
			}
			return errors.Wrap(err, "read prompt")
		}
		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		case "/clear":
			history.set(nil)
			if err := client.ClearHistory(); err != nil {
				return err
			}
			continue
		case "/history":
			printHistory(stdout, history.snapshot())
			continue
		}

		reply, err := exchange(ctx, client, target, history, line)
		if err == nil {
			syncHistory(ctx, cache, target, history)
		}
		if err != nil {
			log.Error().Err(err).Msg("chat request failed")
			continue
		}
		_, _ = fmt.Fprintln(stdout, assistantLabel.Render("assistant"))
		_, _ = fmt.Fprintln(stdout, renderReply(reply, tty && f.render))
		if f.copy {
			if err := clipboard.WriteAll(reply); err != nil {
				log.Warn().Err(err).Msg("copy reply to clipboard")
			}
		}
	}
}

// exchange sends one prompt and collects the streamed reply.
func exchange(ctx context.Context, client *agentclient.Client, target string, history *chatHistory, prompt string) (string, error) {
	msgs := history.append(chatproto.NewMessage(uuid.NewString(), "user", prompt))
	body, err := chatproto.NewChatRequestBody(msgs)
	if err != nil {
		return "", err
	}
	resp, err := client.Fetch(ctx, target, chatproto.RequestInit{Body: body})
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return string(out), errors.Wrap(err, "read reply")
	}
	reply := string(out)
	if reply != "" {
		history.append(chatproto.NewMessage(uuid.NewString(), "assistant", reply))
	}
	return reply, nil
}

// syncHistory replaces the local view with the stored log once the agent
// has persisted the reply, so later requests carry the agent's message ids.
// The local view is kept when the stored log does not end with a reply.
func syncHistory(ctx context.Context, cache *agentclient.InitialMessagesCache, target string, history *chatHistory) {
	endpoint, err := agentclient.GetMessagesURL(target)
	if err != nil {
		return
	}
	cache.Forget(endpoint)
	stored, err := cache.Get(ctx, endpoint)
	if err != nil {
		log.Debug().Err(err).Msg("reload history failed, keeping local view")
		return
	}
	if !endsWithReply(stored, history.snapshot()) {
		return
	}
	history.set(stored)
}

// endsWithReply reports whether stored holds the local log's user turn
// followed by an assistant message.
func endsWithReply(stored, local []chatproto.Message) bool {
	if len(stored) < 2 || len(local) < 2 {
		return false
	}
	lastUser := local[len(local)-2]
	return stored[len(stored)-1].Role() == "assistant" && stored[len(stored)-2].ID == lastUser.ID
}

func renderReply(reply string, markdown bool) string {
	if !markdown {
		return reply
	}
	styled, err := glamour.Render(reply, "dark")
	if err != nil {
		log.Debug().Err(err).Msg("markdown render failed, printing raw reply")
		return reply
	}
	return strings.TrimRight(styled, "\n")
}

func printHistory(w io.Writer, msgs []chatproto.Message) {
	for _, m := range msgs {
		label := assistantLabel
		if m.Role() == "user" {
			label = userLabel
		}
		_, _ = fmt.Fprintf(w, "%s %s\n", label.Render(m.Role()), m.Content())
	}
}
