package cli

import (
	"bufio"
	"fmt"
	"strings"
)

// printlnFn is a test seam for user-facing output. In tests, replace it with a stub.
var printlnFn = fmt.Println

// execIface defines the minimal command surface the REPL needs to operate.
// The real App type satisfies this interface; tests can provide a lightweight stub.
type execIface interface {
	List()
	Chat(peer string) error
	SendText(peer, text string) error
	Burn(peer, text string) error
	Image(peer, path string) error
	History(peer string) error
	All(text string) error
}

// runREPL reads a line from the scanner, parses the first token as the
// command and dispatches to methods on 'a'. Unknown commands are reported
// back to the user. The loop exits on scanner EOF or when the user types
// "exit" or "quit".
func runREPL(a execIface, statusFn func() string, scanner *bufio.Scanner) {
	for {
		printlnFn(fmt.Sprintf("chat %s > ", statusFn()))
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		cmd := strings.Fields(line)[0]

		switch cmd {
		case "help":
			printlnFn("Available commands: (l)ist, chat <peer>, send <peer> <text>, burn <peer> <text>, image <peer> <path>, history <peer>, all <text>, exit")

		case "l", "list":
			a.List()

		case "chat":
			peer, ok := arg1(line)
			if !ok {
				printlnFn("Usage: chat <peer>")
				continue
			}
			report(a.Chat(peer))

		case "send":
			peer, text, ok := arg2(line)
			if !ok {
				printlnFn("Usage: send <peer> <text>")
				continue
			}
			report(a.SendText(peer, text))

		case "burn":
			peer, text, ok := arg2(line)
			if !ok {
				printlnFn("Usage: burn <peer> <text>")
				continue
			}
			report(a.Burn(peer, text))

		case "image":
			peer, path, ok := arg2(line)
			if !ok {
				printlnFn("Usage: image <peer> <path>")
				continue
			}
			report(a.Image(peer, path))

		case "history":
			peer, ok := arg1(line)
			if !ok {
				printlnFn("Usage: history <peer>")
				continue
			}
			report(a.History(peer))

		case "all":
			f := strings.Fields(line)
			if len(f) < 2 {
				printlnFn("Usage: all <text>")
				continue
			}
			report(a.All(strings.Join(f[1:], " ")))

		case "exit", "quit":
			printlnFn("Bye!")
			return

		default:
			printlnFn("Unknown command:", cmd)
		}
	}
}

func report(err error) {
	if err != nil {
		printlnFn("error:", err)
	}
}

func arg1(line string) (string, bool) {
	f := strings.Fields(line)
	if len(f) != 2 {
		return "", false
	}
	return f[1], true
}

func arg2(line string) (string, string, bool) {
	f := strings.Fields(line)
	if len(f) < 3 {
		return "", "", false
	}
	return f[1], strings.Join(f[2:], " "), true
}
