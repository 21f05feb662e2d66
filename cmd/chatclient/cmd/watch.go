package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"salonchat/internal/api"
	"salonchat/internal/conversation"
	"salonchat/internal/events"
	"salonchat/internal/models"
	"salonchat/internal/unread"
	"salonchat/internal/websocket"
)

var (
	markRead    bool
	sendTimeout time.Duration
)

func init() {
	watchCmd.Flags().BoolVar(&markRead, "read", false, "mark incoming messages as read")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 10*time.Second, "how long to wait for delivery")
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(sendCmd)
}

type chat struct {
	client  *api.Client
	socket  *websocket.Client
	bus     *events.Bus
	session *conversation.Session
}

func openChat(ctx context.Context, log *zap.Logger) (*chat, error) {
	client, err := login(ctx, log)
	if err != nil {
		return nil, err
	}
	socket := newSocket(log)
	bus := events.NewBus(log)
	return &chat{
		client:  client,
		socket:  socket,
		bus:     bus,
		session: conversation.NewSession(socket, bus, log),
	}, nil
}

func (c *chat) Close() {
	c.session.Close()
	c.socket.Close()
}

// join connects and waits until the conversation's history has arrived.
func (c *chat) join(ctx context.Context, conversationID string) error {
	c.socket.Connect(c.client.Token())
	if err := c.session.Join(conversationID); err != nil {
		return err
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for c.session.State() != conversation.Active {
		select {
		case <-ctx.Done():
			return fmt.Errorf("joining %s: %w", conversationID, ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

func printMessage(out io.Writer, m models.Message) {
	status := ""
	if m.IsRead {
		status = " (read)"
	}
	fmt.Fprintf(out, "[%s] %s: %s%s\n", m.CreatedAt.Local().Format(time.TimeOnly), m.Sender.DisplayName(), m.Content, status)
	for _, a := range m.Attachments {
		fmt.Fprintf(out, "    attachment: %s (%s)\n", a.Name, a.URL)
	}
}

var watchCmd = &cobra.Command{
	Use:   "watch [conversation-id]",
	Short: "Follow a conversation live",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		log := newLogger()
		c, err := openChat(ctx, log)
		if err != nil {
			return err
		}
		defer c.Close()

		badge := unread.New(c.client, c.bus, log)
		defer badge.Close()
		badge.Load(ctx)
		if convs, err := c.client.Conversations(ctx); err == nil {
			counts := make(map[string]int, len(convs))
			for _, conv := range convs {
				counts[conv.ID] = conv.UnreadCount
			}
			badge.SetConversations(counts)
		}
		fmt.Printf("unread: %d\n", badge.Total())
		offBadge := badge.OnChange(func(total int) { fmt.Printf("unread: %d\n", total) })
		defer offBadge()

		// Registered after the session's own listeners, so the session has
		// applied each event by the time these run.
		offs := []func(){
			c.socket.On(models.EventNewMessage, func(payload json.RawMessage) {
				var m models.Message
				if json.Unmarshal(payload, &m) != nil || m.ConversationID != c.session.ActiveConversation() {
					return
				}
				printMessage(os.Stdout, m)
				if markRead && !m.IsRead {
					c.session.MarkAsRead(m.ID)
				}
			}),
			c.socket.On(models.EventUserTyping, func(json.RawMessage) {
				var names []string
				for _, u := range c.session.TypingUsers() {
					names = append(names, u.UserName)
				}
				if len(names) > 0 {
					fmt.Printf("%s typing...\n", strings.Join(names, ", "))
				}
			}),
			c.socket.On(models.EventDisconnect, func(json.RawMessage) { fmt.Println("-- disconnected, reconnecting") }),
		}
		defer func() {
			for _, off := range offs {
				off()
			}
		}()

		if err := c.join(ctx, args[0]); err != nil {
			return err
		}
		for _, m := range c.session.Messages() {
			printMessage(os.Stdout, m)
		}
		if markRead {
			if err := c.session.MarkConversationAsRead(); err != nil {
				log.Warn("mark conversation as read", zap.Error(err))
			}
		}

		<-ctx.Done()
		c.session.Leave(args[0])
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send [conversation-id] [message]",
	Short: "Send a message to a conversation",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), sendTimeout)
		defer cancel()

		c, err := openChat(ctx, newLogger())
		if err != nil {
			return err
		}
		defer c.Close()

		content := strings.Join(args[1:], " ")
		delivered := make(chan models.Message, 1)
		off := c.socket.On(models.EventNewMessage, func(payload json.RawMessage) {
			var m models.Message
			if json.Unmarshal(payload, &m) == nil && m.Content == content {
				select {
				case delivered <- m:
				default:
				}
			}
		})
		defer off()

		if err := c.join(ctx, args[0]); err != nil {
			return err
		}
		if err := c.session.SendMessage(content, nil); err != nil {
			return err
		}

		select {
		case m := <-delivered:
			fmt.Printf("sent %s\n", m.ID)
			c.session.Leave(args[0])
			return nil
		case <-ctx.Done():
			return fmt.Errorf("message not confirmed: %w", ctx.Err())
		}
	},
}
