package client

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/omochice/json-socket-chat/pkg/protocol"
)

// Help lists the commands understood by Run.
const Help = `Commands:
  <text>                 send to everyone
  /pm <user> <text>      send a private message
  /file <path> [user]    send a file (image, video and audio by extension)
  /users                 refresh the online user list
  /history [n]           show the last n room messages
  /dm <user> [n]         show the conversation with user
  /read <user>           mark the conversation with user as read
  /convs                 list conversations
  /quit                  log out and exit`

// Run reads commands from in until EOF or /quit and writes server output
// to out. It logs in with password first; register creates the account
// before that.
func Run(c *Client, password string, register bool, in io.Reader, out io.Writer) error {
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for msg := range c.Messages() {
			if line := Format(msg); line != "" {
				fmt.Fprintln(out, line)
			}
		}
	}()

	if register {
		if err := c.Register(password, ""); err != nil {
			return err
		}
	}
	if err := c.Login(password); err != nil {
		return err
	}

	fmt.Fprintln(out, "Type your messages (/help for commands, /quit to exit):")
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		quit, err := execute(c, line, out)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
		if quit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading input: %w", err)
	}

	c.Disconnect()
	<-printed
	return nil
}

func execute(c *Client, line string, out io.Writer) (quit bool, err error) {
	if !strings.HasPrefix(line, "/") {
		return false, c.SendMessage(line)
	}

	cmd, rest, _ := strings.Cut(line, " ")
	args := strings.Fields(rest)
	switch cmd {
	case "/quit", "/exit":
		return true, c.Logout()
	case "/help":
		fmt.Fprintln(out, Help)
		return false, nil
	case "/pm":
		to, text, ok := strings.Cut(strings.TrimSpace(rest), " ")
		if !ok || strings.TrimSpace(text) == "" {
			return false, fmt.Errorf("usage: /pm <user> <text>")
		}
		return false, c.SendPrivate(to, strings.TrimSpace(text))
	case "/file":
		if len(args) == 0 {
			return false, fmt.Errorf("usage: /file <path> [user]")
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			return false, err
		}
		receiver := ""
		if len(args) > 1 {
			receiver = args[1]
		}
		return false, c.SendFile(KindOf(args[0]), receiver, filepath.Base(args[0]), data)
	case "/users":
		return false, c.RefreshUsers()
	case "/history":
		return false, c.History(limitArg(args, 0))
	case "/dm":
		if len(args) == 0 {
			return false, fmt.Errorf("usage: /dm <user> [n]")
		}
		return false, c.PrivateHistory(args[0], limitArg(args, 1))
	case "/read":
		if len(args) == 0 {
			return false, fmt.Errorf("usage: /read <user>")
		}
		return false, c.MarkRead(args[0])
	case "/convs":
		return false, c.ListConversations()
	default:
		return false, fmt.Errorf("unknown command %s", cmd)
	}
}

func limitArg(args []string, i int) int {
	if len(args) <= i {
		return 0
	}
	n, err := strconv.Atoi(args[i])
	if err != nil {
		return 0
	}
	return n
}

// KindOf picks the attachment type for a file name.
func KindOf(name string) protocol.MessageType {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp":
		return protocol.TypeImage
	case ".mp4", ".webm", ".mov", ".mkv":
		return protocol.TypeVideo
	case ".mp3", ".wav", ".ogg", ".m4a", ".flac":
		return protocol.TypeAudio
	default:
		return protocol.TypeFile
	}
}

// Format renders a server message as one line for a terminal. Messages
// with nothing to show render as "".
func Format(msg protocol.ServerMessage) string {
	switch msg.Type {
	case protocol.TypeText:
		if msg.Receiver != "" {
			return fmt.Sprintf("[%s] (private) %s: %s", msg.Timestamp, msg.Username, msg.Content)
		}
		return fmt.Sprintf("[%s] %s: %s", msg.Timestamp, msg.Username, msg.Content)
	case protocol.TypeImage, protocol.TypeVideo, protocol.TypeAudio, protocol.TypeFile:
		return fmt.Sprintf("[%s] %s sent %s %s (%s) %s",
			msg.Timestamp, msg.Username, msg.Type, msg.Filename, humanize.IBytes(uint64(msg.Size)), msg.FileURL)
	case protocol.TypeSystem:
		return fmt.Sprintf("*** %s ***", msg.Message)
	case protocol.TypeUserList:
		return "online: " + strings.Join(msg.Users, ", ")
	case protocol.TypeHistory, protocol.TypePrivateHistory:
		var b strings.Builder
		fmt.Fprintf(&b, "--- %d messages ---", len(msg.Messages))
		for i := len(msg.Messages) - 1; i >= 0; i-- {
			m := msg.Messages[i]
			content := m.Content
			if m.IsDeleted {
				content = "(deleted)"
			}
			name := m.Username
			if name == "" {
				name = "*"
			}
			fmt.Fprintf(&b, "\n%s %s: %s", m.CreatedAt, name, content)
		}
		return b.String()
	case protocol.TypeConversations:
		if len(msg.Conversations) == 0 {
			return "no conversations"
		}
		lines := make([]string, 0, len(msg.Conversations))
		for _, conv := range msg.Conversations {
			line := fmt.Sprintf("%s (%d unread)", conv.With, conv.Unread)
			if conv.Muted {
				line += " [muted]"
			}
			lines = append(lines, line)
		}
		return strings.Join(lines, "\n")
	case protocol.TypeMarkReadSuccess:
		return fmt.Sprintf("marked %d messages read", msg.Updated)
	case protocol.TypeMessageEdited:
		return fmt.Sprintf("*** %s edited a message: %s ***", msg.Username, msg.Content)
	case protocol.TypeMessageDeleted:
		return fmt.Sprintf("*** %s deleted a message ***", msg.Username)
	case protocol.TypeMessageSent, protocol.TypeUserListRefreshed:
		return ""
	default:
		if msg.Message != "" {
			if !msg.Success {
				return fmt.Sprintf("%s: %s", msg.Type, msg.Message)
			}
			return msg.Message
		}
		return ""
	}
}
