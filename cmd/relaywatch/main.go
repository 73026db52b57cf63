// Command relaywatch shows the captcharelay message stream in the terminal.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/Rorqualx/captcharelay-go/internal/intercept"
)

func main() {
	cfg := streamConfig{
		BaseURL: getEnv("RELAYWATCH_URL", "http://127.0.0.1:8192"),
		APIKey:  os.Getenv("RELAYWATCH_API_KEY"),
		Filter:  os.Getenv("RELAYWATCH_FILTER"),
	}
	target, err := cfg.streamURL()
	if err != nil {
		fmt.Fprintf(os.Stderr, "relaywatch: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// No client timeout: the stream stays open.
	client := &http.Client{}
	events := make(chan tea.Msg, 64)

	connect := func() tea.Cmd {
		return func() tea.Msg {
			go stream(ctx, client, cfg, events)
			return nil
		}
	}

	p := tea.NewProgram(newModel(target, connect), tea.WithAltScreen(), tea.WithContext(ctx))
	go func() {
		for {
			select {
			case msg := <-events:
				p.Send(msg)
			case <-ctx.Done():
				return
			}
		}
	}()

	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		fmt.Fprintf(os.Stderr, "relaywatch: %v\n", err)
		os.Exit(1)
	}
}

// stream reads the relay stream until it ends and reports progress on events.
func stream(ctx context.Context, client *http.Client, cfg streamConfig, events chan<- tea.Msg) {
	send := func(msg tea.Msg) {
		select {
		case events <- msg:
		case <-ctx.Done():
		}
	}

	body, err := openStream(ctx, client, cfg)
	if err != nil {
		send(streamErrMsg{err: err})
		return
	}
	defer body.Close()

	send(connectedMsg{})
	err = readMessages(body, func(msg intercept.RelayMessage) {
		send(relayMsg(msg))
	})
	if err == nil {
		err = errors.New("stream closed by server")
	}
	if ctx.Err() == nil {
		send(streamErrMsg{err: err})
	}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
