package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/aeolun/chatterbox/pkg/client"
	"github.com/aeolun/chatterbox/pkg/client/ui"
	"github.com/aeolun/chatterbox/pkg/protocol"
	tea "github.com/charmbracelet/bubbletea"
	flag "github.com/spf13/pflag"
	"golang.org/x/term"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	configPath := flag.String("config", client.DefaultConfigPath(), "Path to config file")
	serverAddr := flag.StringP("server", "s", "", "Server address: host[:port], ssh://[user@]host[:port] or ws://host:port (overrides config)")
	username := flag.StringP("username", "u", "", "Username to register (prompts when empty)")
	plain := flag.Bool("plain", false, "Use the line-mode interface even on a terminal")
	debugLog := flag.String("debug-log", "", "Write connection debug logging to this file")
	resetConfig := flag.Bool("reset-config", false, "Back up and reset the config file to defaults, then exit")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Printf("Chatterbox Client %s\n", Version)
		os.Exit(0)
	}

	if *resetConfig {
		if err := client.ResetConfigToDefault(*configPath, true); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to reset config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Config reset to defaults: %s\n", *configPath)
		os.Exit(0)
	}

	config, err := client.LoadClientConfig(*configPath)
	if err != nil {
		var cfgErr *client.ConfigError
		if errors.As(err, &cfgErr) {
			fmt.Fprintf(os.Stderr, "Config error in %s: %v\n", cfgErr.Path, cfgErr)
			fmt.Fprintf(os.Stderr, "Fix the file or run with --reset-config\n")
		} else {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		}
		os.Exit(1)
	}

	// A bare positional argument names the server host
	addr := config.GetServerAddress()
	if flag.NArg() > 0 {
		addr = flag.Arg(0)
	}
	if *serverAddr != "" {
		addr = *serverAddr
	}

	conn, err := client.NewConnection(addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid server address: %v\n", err)
		os.Exit(1)
	}

	if *debugLog != "" {
		f, err := os.OpenFile(*debugLog, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open debug log: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		conn.SetLogger(log.New(f, "", log.LstdFlags|log.Lmicroseconds))
	}

	if err := conn.Connect(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to Server, shutting down client: %v\n", err)
		os.Exit(1)
	}

	if warning := conn.SecurityWarning(); warning != "" {
		fmt.Fprintf(os.Stderr, "Warning: %s\n", warning)
	}

	stdin := bufio.NewReader(os.Stdin)
	name, err := register(conn, stdin, *username, config)
	if err != nil {
		conn.Close()
		if errors.Is(err, errQuit) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Connected to server as %s\n", name)

	config.Local.LastUsername = name
	if err := client.SaveClientConfig(*configPath, config); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to remember username: %v\n", err)
	}

	chat := client.NewChat(conn, name, config.UI.Sound, config.UI.Verbose)

	var code int
	if !*plain && term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd())) {
		code = runTUI(conn, chat, name)
	} else {
		code = runPlain(conn, chat, stdin)
	}

	conn.Close()
	os.Exit(code)
}

var errQuit = errors.New("quit")

// register prompts for a name until the server accepts one. Typing quit
// leaves without registering.
func register(conn *client.Connection, stdin *bufio.Reader, name string, config client.TOMLConfig) (string, error) {
	for {
		if name == "" {
			prompt := "Choose a username: "
			if last := config.Local.LastUsername; last != "" {
				prompt = fmt.Sprintf("Choose a username [%s]: ", last)
			}
			fmt.Print(prompt)

			line, err := stdin.ReadString('\n')
			if err != nil && (line == "" || !errors.Is(err, io.EOF)) {
				return "", errQuit
			}
			name = strings.TrimSpace(line)
			if name == "" {
				name = config.Local.LastUsername
			}
			if name == "" {
				continue
			}
		}

		if strings.EqualFold(name, "quit") {
			return "", errQuit
		}

		err := conn.Register(name, config.RegisterTimeout())
		switch {
		case err == nil:
			return name, nil
		case errors.Is(err, client.ErrNameTaken):
			fmt.Printf("\t***ERROR! the username you have chosen ('%s') is already taken\n", name)
			name = ""
		default:
			return "", fmt.Errorf("registration failed: %w", err)
		}
	}
}

func runTUI(conn *client.Connection, chat *client.Chat, name string) int {
	model := ui.NewModel(conn, chat, name, conn.SecurityWarning())
	p := tea.NewProgram(model, tea.WithAltScreen())

	final, err := p.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error running program: %v\n", err)
		return 1
	}

	m := final.(ui.Model)
	if m.ExitCode() == client.ExitDisconnected {
		fmt.Println("disconnected from the server, shutting down")
	}
	return m.ExitCode()
}

// runPlain is the line-mode interface: stdin lines go to the server and
// server lines are printed as they arrive
func runPlain(conn *client.Connection, chat *client.Chat, stdin *bufio.Reader) int {
	go func() {
		for {
			line, err := stdin.ReadString('\n')
			if line = strings.TrimRight(line, "\r\n"); line != "" {
				feedback, sendErr := chat.Submit(line)
				if feedback != "" {
					fmt.Println(feedback)
				}
				if sendErr != nil {
					fmt.Fprintf(os.Stderr, "%v\n", sendErr)
					return
				}
			}
			if err != nil {
				// End of input leaves the chat cleanly
				_ = conn.Send(protocol.TagDisconnect)
				return
			}
		}
	}()

	for msg := range conn.Incoming() {
		ev := chat.Receive(msg)
		if ev.Show {
			fmt.Println(ev.Text)
		}
		if ev.Exit {
			return client.ExitDisconnected
		}
	}

	if err := conn.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "Connection lost: %v\n", err)
	} else {
		fmt.Fprintln(os.Stderr, "Server closed the connection")
	}
	return 1
}
