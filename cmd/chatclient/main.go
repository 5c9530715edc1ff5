package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/camerpulse/camerpulse-sub041/internal/auth"
	"github.com/camerpulse/camerpulse-sub041/internal/backoff"
	"github.com/camerpulse/camerpulse-sub041/internal/chat"
	"github.com/camerpulse/camerpulse-sub041/internal/client"
	clog "github.com/camerpulse/camerpulse-sub041/internal/log"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
)

func main() {
	app := &cli.Command{
		Name:  "chatclient",
		Usage: "Terminal client for channel chat",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "env", Usage: "Log mode (dev prints human readable logs)", Value: "dev"},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			clog.Init(c.String("env"))
			return ctx, nil
		},
		Commands: []*cli.Command{
			connectCommand(),
			tokenCommand(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Fatal().Err(err).Send()
	}
}

func connectCommand() *cli.Command {
	return &cli.Command{
		Name:  "connect",
		Usage: "Join a channel and chat from stdin",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Usage: "WebSocket endpoint", Value: "ws://localhost:8080/ws"},
			&cli.StringFlag{Name: "channel", Usage: "Channel id", Required: true},
			&cli.StringFlag{Name: "client-id", Usage: "Stable client id (random when empty)"},
			&cli.StringFlag{Name: "token", Usage: "Access token; omit to join as guest"},
			&cli.StringFlag{Name: "reconnect", Usage: "fixed or exponential", Value: "exponential"},
			&cli.DurationFlag{Name: "reconnect-delay", Usage: "Base reconnect delay", Value: 3 * time.Second},
			&cli.DurationFlag{Name: "reconnect-max", Usage: "Upper bound for exponential backoff", Value: 30 * time.Second},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			clientID := c.String("client-id")
			if clientID == "" {
				clientID = uuid.NewString()
			}
			cl := client.New(client.Options{
				URL:       c.String("url"),
				ChannelID: c.String("channel"),
				ClientID:  clientID,
				Token:     c.String("token"),
				Backoff:   backoff.New(c.String("reconnect"), c.Duration("reconnect-delay"), c.Duration("reconnect-max")),
				OnState: func(s client.State) {
					fmt.Fprintf(os.Stderr, "* %s\n", s)
				},
			})
			return connect(ctx, cl)
		},
	}
}

func connect(ctx context.Context, cl *client.Client) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan error, 1)
	go func() { done <- cl.Run(ctx) }()
	go printEvents(ctx, cl)

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		select {
		case err := <-done:
			return err
		case line, ok := <-lines:
			if !ok {
				stop()
				<-done
				return nil
			}
			if err := handleLine(cl, line); err != nil {
				if errors.Is(err, client.ErrNotConnected) {
					fmt.Fprintln(os.Stderr, "* connecting..., message not sent")
					continue
				}
				fmt.Fprintf(os.Stderr, "* %v\n", err)
			}
		}
	}
}

// handleLine 支持 /reply <id> <text>、/recent、/typing、/stop，其余内容作为消息发送。
func handleLine(cl *client.Client, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	switch {
	case line == "/recent":
		return cl.RequestRecent(50)
	case line == "/typing":
		return cl.StartTyping()
	case line == "/stop":
		return cl.StopTyping()
	case strings.HasPrefix(line, "/reply "):
		parts := strings.SplitN(strings.TrimPrefix(line, "/reply "), " ", 2)
		if len(parts) != 2 {
			return errors.New("usage: /reply <message-id> <text>")
		}
		return cl.Reply(parts[0], parts[1])
	}
	return cl.SendMessage(line)
}

func printEvents(ctx context.Context, cl *client.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-cl.Events():
			switch f.Type {
			case chat.TypeNewMessage, chat.TypeMessageUpdated:
				m, err := f.ChatMessage()
				if err != nil {
					continue
				}
				fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Format("15:04"), m.AuthorID, m.Content)
			case chat.TypeRecentMessages:
				for _, m := range f.Messages {
					fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Format("15:04"), m.AuthorID, m.Content)
				}
			case chat.TypeUserTyping:
				if s := cl.Typing(); s.Label != "" {
					fmt.Fprintf(os.Stderr, "* %s\n", s.Label)
				}
			case chat.TypeNotification:
				if f.Notification != nil {
					fmt.Printf("(!) %s: %s\n", f.Notification.Title, f.Notification.Message)
				}
			case chat.TypeError:
				fmt.Fprintf(os.Stderr, "* server error %s: %s\n", f.Code, string(f.Message))
			}
		}
	}
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Mint an access token for local testing",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Usage: "User id", Required: true},
			&cli.StringFlag{Name: "secret", Usage: "JWT secret", Sources: cli.EnvVars("JWT_SECRET"), Required: true},
			&cli.DurationFlag{Name: "ttl", Usage: "Token lifetime", Value: time.Hour},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			tok, err := auth.GenerateAccessToken(c.String("user"), c.String("secret"), int(c.Duration("ttl").Minutes()))
			if err != nil {
				return fmt.Errorf("generate token: %w", err)
			}
			fmt.Println(tok)
			return nil
		},
	}
}
