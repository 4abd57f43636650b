// ThreadClaw - Discord thread and chat assistant
// License: MIT

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/zhaopengme/threadclaw/pkg/bus"
	"github.com/zhaopengme/threadclaw/pkg/chat"
	"github.com/zhaopengme/threadclaw/pkg/history"
	"github.com/zhaopengme/threadclaw/pkg/images"
	"github.com/zhaopengme/threadclaw/pkg/providers"
)

const (
	consoleChannel = "console"
	consoleUserID  = "console-user"
	consoleBotID   = "console-bot"
)

var chatMessage string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the model from the terminal, using the Discord prompt pipeline",
	RunE:  runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatMessage, "message", "m", "", "send one message and exit")
}

func runChat(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx := cmd.Context()
	provider, model, err := providers.CreateProvider(ctx, cfg.LLM)
	if err != nil {
		return fmt.Errorf("creating provider: %w", err)
	}
	imageCache, err := images.NewCache(images.Options{})
	if err != nil {
		return err
	}

	session := newConsoleSession(os.Stdout)
	handler := chat.NewHandler(cfg, chat.Deps{
		History:  session,
		Provider: provider,
		Model:    model,
		Tools:    newToolRegistry(cfg, nil),
		Images:   imageCache,
		Out:      session,
	})

	if chatMessage != "" {
		return session.send(ctx, handler, chatMessage)
	}

	fmt.Printf("%s Interactive mode with %s (Ctrl+C to exit)\n\n", logo, model)
	interactiveMode(ctx, handler, session)
	return nil
}

func interactiveMode(ctx context.Context, handler *chat.Handler, session *consoleSession) {
	prompt := fmt.Sprintf("%s You: ", logo)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     filepath.Join(os.TempDir(), ".threadclaw_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Printf("Error initializing readline: %v\n", err)
		fmt.Println("Falling back to simple input mode...")
		simpleInteractiveMode(ctx, handler, session)
		return
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				fmt.Println("\nGoodbye!")
				return
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}
		if !session.handleLine(ctx, handler, line) {
			return
		}
	}
}

func simpleInteractiveMode(ctx context.Context, handler *chat.Handler, session *consoleSession) {
	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Printf("%s You: ", logo)
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				fmt.Println("\nGoodbye!")
				return
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}
		if !session.handleLine(ctx, handler, line) {
			return
		}
	}
}

// consoleSession stands in for a Discord channel: it keeps the
// conversation as channel history and prints what the handler sends.
type consoleSession struct {
	mu   sync.Mutex
	out  io.Writer
	msgs []history.Message
	seq  int
}

func newConsoleSession(out io.Writer) *consoleSession {
	return &consoleSession{out: out}
}

// handleLine reports false when the user asked to quit.
func (s *consoleSession) handleLine(ctx context.Context, handler *chat.Handler, line string) bool {
	input := strings.TrimSpace(line)
	if input == "" {
		return true
	}
	if input == "exit" || input == "quit" {
		fmt.Fprintln(s.out, "Goodbye!")
		return false
	}
	if err := s.send(ctx, handler, input); err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
	}
	return true
}

func (s *consoleSession) send(ctx context.Context, handler *chat.Handler, content string) error {
	msg := s.record(consoleUserID, "you", content)
	return handler.Handle(ctx, bus.InboundMessage{
		Channel:  consoleChannel,
		SenderID: consoleUserID,
		ChatID:   consoleChannel,
		Content:  content,
		Metadata: map[string]string{
			bus.MetaMessageID:   msg.ID,
			bus.MetaBotID:       consoleBotID,
			bus.MetaDisplayName: "you",
		},
	})
}

func (s *consoleSession) record(authorID, name, content string) history.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	msg := history.Message{
		ID:        strconv.Itoa(s.seq),
		ChannelID: consoleChannel,
		Author:    history.Author{ID: authorID, DisplayName: name, Bot: authorID == consoleBotID},
		Content:   content,
		CreatedAt: time.Now(),
	}
	s.msgs = append(s.msgs, msg)
	return msg
}

// Fetch returns the newest total messages, oldest first.
func (s *consoleSession) Fetch(_ context.Context, _ string, total int) ([]history.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := max(len(s.msgs)-total, 0)
	return append([]history.Message(nil), s.msgs[start:]...), nil
}

func (s *consoleSession) PublishOutbound(msg bus.OutboundMessage) {
	switch msg.Kind {
	case bus.KindTyping:
	case bus.KindReaction:
		fmt.Fprintf(s.out, "\n%s %s\n\n", logo, msg.Metadata[bus.MetaEmoji])
	default:
		fmt.Fprintf(s.out, "\n%s %s\n\n", logo, msg.Content)
		// The footer is for the reader, not for the next prompt.
		content, _, _ := strings.Cut(msg.Content, "\n\n-# Time:")
		s.record(consoleBotID, "threadclaw", content)
	}
}
