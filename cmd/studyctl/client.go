package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"cardspace_rt/client/realtime"
	"cardspace_rt/server/common/log"
	"cardspace_rt/server/presence/domain"
)

type clientFlags struct {
	url       string
	workspace string
	token     string
	polling   bool
	identity  domain.Identity
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.url, "url", "http://localhost:3001", "Presence server base url")
	cmd.Flags().StringVar(&f.workspace, "workspace", "", "Workspace id to join")
	cmd.Flags().StringVar(&f.token, "token", "", "Handshake token")
	cmd.Flags().BoolVar(&f.polling, "polling", false, "Use the long-polling transport only")
	cmd.Flags().StringVar(&f.identity.ID, "user-id", "", "User id")
	cmd.Flags().StringVar(&f.identity.Email, "email", "", "User email")
	cmd.Flags().StringVar(&f.identity.Name, "name", "", "Display name")
	_ = cmd.MarkFlagRequired("workspace")
	_ = cmd.MarkFlagRequired("email")
}

func (f *clientFlags) open() (*realtime.Provider, error) {
	opts := realtime.DefaultOptions()
	opts.URL = f.url
	opts.WorkspaceID = f.workspace
	opts.Token = f.token
	opts.Identity = f.identity
	opts.Logger = log.Zap()
	if f.polling {
		opts.Transports = []realtime.TransportKind{realtime.TransportPolling}
	}
	return realtime.New(opts)
}

// printer writes presence changes and new chat lines as they appear.
type printer struct {
	out          io.Writer
	users        string
	messages     int
	typing       string
	status       realtime.Status
	reconnecting bool
}

func (p *printer) print(s realtime.Snapshot) {
	if s.Status != p.status || s.Reconnecting != p.reconnecting {
		p.status, p.reconnecting = s.Status, s.Reconnecting
		fmt.Fprintf(p.out, "* %s transport=%s reconnecting=%t\n", s.Status, s.Transport, s.Reconnecting)
	}
	if users := names(s.ConnectedUsers); users != p.users {
		p.users = users
		fmt.Fprintf(p.out, "* online: %s\n", users)
	}
	if typing := names(s.TypingUsers); typing != p.typing {
		p.typing = typing
		if typing != "" {
			fmt.Fprintf(p.out, "* typing: %s\n", typing)
		}
	}
	for _, msg := range s.Messages[min(p.messages, len(s.Messages)):] {
		if !msg.IsSelf {
			fmt.Fprintf(p.out, "<%s> %s\n", displayName(msg.Sender), msg.Text)
		}
	}
	p.messages = len(s.Messages)
	if s.LastError != "" {
		fmt.Fprintf(p.out, "! %s\n", s.LastError)
	}
}

func names(users []domain.Identity) string {
	out := make([]string, 0, len(users))
	for _, user := range users {
		out = append(out, displayName(user))
	}
	return strings.Join(out, ", ")
}

func displayName(user domain.Identity) string {
	if user.Name != "" {
		return user.Name
	}
	return user.Email
}

func newWatchCmd() *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Join a workspace and print presence and chat activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			provider, err := flags.open()
			if err != nil {
				return err
			}
			defer provider.Close()

			updates := make(chan struct{}, 1)
			unsubscribe := provider.Subscribe(func(realtime.Snapshot) {
				select {
				case updates <- struct{}{}:
				default:
				}
			})
			defer unsubscribe()

			p := &printer{out: cmd.OutOrStdout()}
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-updates:
					p.print(provider.Snapshot())
				}
			}
		},
	}
	flags.register(cmd)
	return cmd
}

func newChatCmd() *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Join a workspace and send stdin lines as chat messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			provider, err := flags.open()
			if err != nil {
				return err
			}
			defer provider.Close()

			p := &printer{out: cmd.OutOrStdout()}
			updates := make(chan struct{}, 1)
			unsubscribe := provider.Subscribe(func(realtime.Snapshot) {
				select {
				case updates <- struct{}{}:
				default:
				}
			})
			defer unsubscribe()

			lines := make(chan string)
			go readLines(ctx, cmd.InOrStdin(), lines)
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-updates:
					p.print(provider.Snapshot())
				case line, ok := <-lines:
					if !ok {
						return nil
					}
					if strings.TrimSpace(line) == "" {
						continue
					}
					if !provider.SendTyping() || !provider.SendMessage(line) {
						fmt.Fprintln(cmd.ErrOrStderr(), "! not connected, message dropped")
						continue
					}
					provider.SendStopTyping()
				}
			}
		},
	}
	flags.register(cmd)
	return cmd
}

func readLines(ctx context.Context, in io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		select {
		case lines <- scanner.Text():
		case <-ctx.Done():
			return
		}
	}
}
