// Package protocol defines the chat-level texts and commands exchanged over an
// established cryptchat channel.
package protocol

import (
	"sort"
	"strings"
)

// Server prompts and replies
const (
	PromptUsername  = "Enter username: "
	UsernameTaken   = "Username taken!\n" + PromptUsername
	UsernameGranted = "Username granted!"
	InvalidCommand  = "Invalid command! Type /help for help.\n"

	HelpText = "/quit - quit the chat\n" +
		"/list - list usernames\n" +
		"/help - show this help message"

	UserListPrefix = "Users: "
)

// Command names
const (
	CmdQuit = "/quit"
	CmdList = "/list"
	CmdHelp = "/help"
)

// CommandPrefix marks a line as a command rather than chat text.
const CommandPrefix = "/"

// Command is a parsed chat-phase line.
type Command int

const (
	// NotCommand is an ordinary chat line.
	NotCommand Command = iota
	Quit
	List
	Help
	// Unknown is any other line starting with "/".
	Unknown
)

func (c Command) String() string {
	switch c {
	case Quit:
		return CmdQuit
	case List:
		return CmdList
	case Help:
		return CmdHelp
	case Unknown:
		return "unknown"
	default:
		return "chat"
	}
}

// ParseCommand classifies a chat-phase line. Surrounding whitespace left by
// line-oriented clients is ignored.
func ParseCommand(line string) Command {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, CommandPrefix) {
		return NotCommand
	}
	switch line {
	case CmdQuit:
		return Quit
	case CmdList:
		return List
	case CmdHelp:
		return Help
	default:
		return Unknown
	}
}

// IsBlank reports whether a line carries no content.
func IsBlank(line string) bool {
	return strings.TrimSpace(line) == ""
}

// FormatChat attributes a chat line to its sender.
func FormatChat(username, text string) string {
	return username + ": " + text
}

// FormatUserList renders the /list reply, sorted by name. The result is split
// into several lines when it would not fit in maxLen bytes; each line starts
// with UserListPrefix. A single name longer than the limit is still emitted
// on its own line.
func FormatUserList(names []string, maxLen int) []string {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	var (
		lines []string
		cur   strings.Builder
	)
	cur.WriteString(UserListPrefix)
	count := 0

	for _, name := range sorted {
		sep := ""
		if count > 0 {
			sep = ", "
		}
		if count > 0 && cur.Len()+len(sep)+len(name) > maxLen {
			lines = append(lines, cur.String())
			cur.Reset()
			cur.WriteString(UserListPrefix)
			count = 0
			sep = ""
		}
		cur.WriteString(sep)
		cur.WriteString(name)
		count++
	}
	return append(lines, cur.String())
}

// ParseUserList extracts names from a /list reply line. It returns false for
// lines that are not user lists.
func ParseUserList(line string) ([]string, bool) {
	if !strings.HasPrefix(line, UserListPrefix) {
		return nil, false
	}
	rest := strings.TrimPrefix(line, UserListPrefix)
	if rest == "" {
		return []string{}, true
	}
	return strings.Split(rest, ", "), true
}
