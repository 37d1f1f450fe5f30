package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"vibez/internal/media"
	"vibez/internal/message"
	"vibez/internal/pane"
	"vibez/internal/remote"
	"vibez/internal/tui"
)

const requestTimeout = 15 * time.Second

var (
	passwordFlag string
	limitFlag    int
	fileFlag     string
	archivedFlag bool
	undoFlag     bool
)

// ---------------------------------------------
// 🔐 Account commands
// ---------------------------------------------

var registerCmd = &cobra.Command{
	Use:   "register <username>",
	Short: "Create an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := readPassword(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()
		u, err := current.client.Register(ctx, args[0], password)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Registered %s (id %s). Run `vibez login %s` next.\n", u.Username, u.ID, u.Username)
		return nil
	},
}

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Log in and remember the session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := readPassword(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()
		s, err := current.client.Login(ctx, args[0], password)
		if err != nil {
			return err
		}
		current.session = session{Server: current.cfg.ServerURL, Token: s.Token, UserID: s.UserID, Username: s.Username}
		if err := saveSession(current.cfg.SessionFile, current.session); err != nil {
			return fmt.Errorf("save session: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s.\n", s.Username)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the saved session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		current.names.Clear()
		current.session = session{}
		current.client.SetToken("")
		if err := clearSession(current.cfg.SessionFile); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Logged out.")
		return nil
	},
}

var usersCmd = &cobra.Command{
	Use:   "users <query>",
	Short: "Search users by name",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := current.requireSession(); err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()
		users, err := current.client.SearchUsers(ctx, args[0])
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tUSERNAME")
		for _, u := range users {
			fmt.Fprintf(tw, "%s\t%s\n", u.ID, u.Username)
		}
		return tw.Flush()
	},
}

// readPassword takes --password or one line from stdin.
func readPassword(cmd *cobra.Command) (string, error) {
	if passwordFlag != "" {
		return passwordFlag, nil
	}
	fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", errors.New("password is required")
	}
	return line, nil
}

// ---------------------------------------------
// 💬 Conversation commands
// ---------------------------------------------

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List conversations, favorites first, then most recent",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := current.requireSession(); err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()
		convs, err := current.client.Conversations(ctx)
		if err != nil {
			return err
		}

		byID := make(map[string]remote.Conversation, len(convs))
		plain := make([]message.Conversation, 0, len(convs))
		for _, c := range convs {
			current.remember(c)
			if c.Archived != archivedFlag {
				continue
			}
			byID[c.ID] = c
			plain = append(plain, c.Conversation)
		}
		message.SortByActivity(plain)
		slices.SortStableFunc(plain, func(a, b message.Conversation) int {
			return favoriteRank(byID[a.ID]) - favoriteRank(byID[b.ID])
		})

		self := current.session.UserID
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTITLE\tLAST MESSAGE\t")
		for _, pc := range plain {
			c := byID[pc.ID]
			last := ""
			if c.LastMessage != nil {
				last = fmt.Sprintf("%s: %s", current.name(c.LastMessage.SenderID), truncate(c.LastMessage.Text, 40))
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.ID, c.Title(self), last, markers(c, self))
		}
		return tw.Flush()
	},
}

func favoriteRank(c remote.Conversation) int {
	if c.Favorite {
		return 0
	}
	return 1
}

func markers(c remote.Conversation, self string) string {
	var out []string
	if message.UnreadCount(c.Conversation, self) > 0 {
		out = append(out, "•")
	}
	if c.Favorite {
		out = append(out, "★")
	}
	if c.Muted {
		out = append(out, "muted")
	}
	return strings.Join(out, " ")
}

// actionCmd builds a command that applies one conversation action for the
// current user.
func actionCmd(use, short string, action func() message.Action) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <conversation-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := current.requireSession(); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			c, err := current.client.ConversationAction(ctx, args[0], action())
			if err != nil {
				return err
			}
			current.remember(c)
			fmt.Fprintf(cmd.OutOrStdout(), "%s: favorite %s, archived %s, muted %s\n",
				c.Title(current.session.UserID), onOff(c.Favorite), onOff(c.Archived), onOff(c.Muted))
			return nil
		},
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

var (
	favoriteCmd = actionCmd("favorite", "Toggle a conversation as favorite", func() message.Action {
		return message.ToggleFavorite
	})
	archiveCmd = actionCmd("archive", "Hide a conversation from the list (--undo to restore)", func() message.Action {
		if undoFlag {
			return message.Unarchive
		}
		return message.Archive
	})
	muteCmd = actionCmd("mute", "Toggle muting a conversation", func() message.Action {
		return message.ToggleMute
	})
)

var openCmd = &cobra.Command{
	Use:   "open <user-id>",
	Short: "Find or start a private conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := current.requireSession(); err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()
		id, err := current.client.StartPrivate(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

var groupCmd = &cobra.Command{
	Use:   "group <name> <user-id>...",
	Short: "Create a group conversation",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := current.requireSession(); err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()
		id, err := current.client.CreateGroup(ctx, args[0], args[1:])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Print the newest messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := current.requireSession(); err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()
		if err := current.loadNames(ctx, args[0]); err != nil {
			return err
		}
		page, err := current.client.FetchPage(ctx, args[0], "", limitFlag)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for i := len(page.Messages) - 1; i >= 0; i-- {
			m := page.Messages[i]
			fmt.Fprintf(out, "%s  %-12s %s\n", m.Timestamp.Local().Format("Jan 02 15:04"), current.name(m.SenderID), summary(m))
		}
		if page.Next != "" && len(page.Messages) == limitFlag {
			fmt.Fprintln(out, "(older messages not shown, use --limit)")
		}
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> [text...]",
	Short: "Send a message and wait until the server has it",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := current.requireSession(); err != nil {
			return err
		}
		text := strings.Join(args[1:], " ")
		p := current.pane(args[0])
		defer p.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()
		if err := p.Open(ctx); err != nil {
			return err
		}

		var (
			id  string
			err error
		)
		if fileFlag != "" {
			a, ferr := media.FromPath(fileFlag)
			if ferr != nil {
				return ferr
			}
			id, err = p.SendFile(a, text)
		} else {
			id, err = p.SendText(text)
		}
		if err != nil {
			return err
		}
		// Uploads have no request timeout.
		return awaitConfirmed(cmd.Context(), p, id)
	},
}

// awaitConfirmed blocks until the message keyed id is confirmed or failed.
func awaitConfirmed(ctx context.Context, p *pane.Pane, id string) error {
	for {
		for _, m := range p.View().Messages {
			if m.Key() != id {
				continue
			}
			switch {
			case m.Status == message.StatusError:
				return errors.New("message was not sent")
			case m.Status.Confirmed():
				return nil
			}
		}
		select {
		case <-p.Updates():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

var clearCmd = &cobra.Command{
	Use:   "clear <conversation-id>",
	Short: "Delete the whole history of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := current.requireSession(); err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()
		n, err := current.client.ClearMessages(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d messages.\n", n)
		return nil
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat <conversation-id>",
	Short: "Open a conversation in the terminal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := current.requireSession(); err != nil {
			return err
		}
		convID, self := args[0], current.session.UserID

		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		conv, err := current.client.Conversation(ctx, convID)
		cancel()
		if err != nil {
			return err
		}
		current.remember(conv)

		return tui.Run(tui.Options{
			Pane:      current.pane(convID),
			Self:      self,
			Assistant: current.cfg.AssistantID,
			Title:     conv.Title(self),
			Names:     current.name,
			Typing: func(ctx context.Context) ([]string, error) {
				c, err := current.client.Conversation(ctx, convID)
				if err != nil {
					return nil, err
				}
				var names []string
				for _, id := range message.TypingOthers(c.Conversation, self) {
					names = append(names, current.name(id))
				}
				return names, nil
			},
		})
	},
}

func init() {
	registerCmd.Flags().StringVarP(&passwordFlag, "password", "p", "", "password (read from stdin if empty)")
	loginCmd.Flags().StringVarP(&passwordFlag, "password", "p", "", "password (read from stdin if empty)")
	historyCmd.Flags().IntVarP(&limitFlag, "limit", "n", pane.DefaultPageSize, "number of messages")
	sendCmd.Flags().StringVarP(&fileFlag, "file", "f", "", "attach a file; the text becomes its caption")
	conversationsCmd.Flags().BoolVar(&archivedFlag, "archived", false, "list archived conversations instead")
	archiveCmd.Flags().BoolVar(&undoFlag, "undo", false, "unarchive instead")
}

// ---------------------------------------------
// 🧰 Helpers
// ---------------------------------------------

func (a *app) pane(conversationID string) *pane.Pane {
	return pane.New(a.client, a.uploader, pane.Config{
		ConversationID: conversationID,
		UserID:         a.session.UserID,
		AssistantID:    a.cfg.AssistantID,
		Logger:         a.log,
	})
}

func (a *app) remember(c remote.Conversation) {
	for id, name := range c.Members {
		a.names.Put(id, name)
	}
}

func (a *app) loadNames(ctx context.Context, conversationID string) error {
	c, err := a.client.Conversation(ctx, conversationID)
	if err != nil {
		return err
	}
	a.remember(c)
	return nil
}

func (a *app) name(userID string) string {
	if userID == a.session.UserID {
		return "you"
	}
	return a.names.GetOr(userID, userID)
}

func summary(m message.Message) string {
	if c, ok := m.Content.(message.Media); ok && !m.Deleted {
		return c.Summary()
	}
	return m.Text()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
