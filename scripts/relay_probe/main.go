// relay_probe is an interactive probe for a running relay: it connects
// with a token, prints every event it receives, and sends chat messages
// typed on stdin.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/decx/relay-server/relayclient"
)

func main() {
	if err := run(); err != nil {
		log.Printf("relay_probe: %v", err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", "ws://localhost:8080/ws", "relay WebSocket address")
	token := flag.String("token", "", "JWT for the live connection (see `relay token`)")
	thread := flag.String("thread", "", "thread id to send messages to")
	flag.Parse()

	if *token == "" {
		return fmt.Errorf("-token is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := relayclient.New(relayclient.Options{
		URL:   *addr,
		Token: *token,
		OnEvent: func(ev relayclient.Event) {
			pretty, _ := json.Marshal(ev.Payload)
			fmt.Printf("[%s] %s %s\n", ev.ReceivedAt.Format("15:04:05"), ev.Type, pretty)
		},
		OnStateChange: func(s relayclient.State) {
			fmt.Printf("-- %s\n", s)
		},
	})
	if err != nil {
		return err
	}

	go func() {
		if runErr := client.Run(ctx); runErr != nil && ctx.Err() == nil {
			log.Printf("connection loop: %v", runErr)
			stop()
		}
	}()

	if state, err := client.FetchState(ctx); err == nil {
		fmt.Printf("unread messages: %d, notifications: %d\n",
			state.UnreadMessageCount, len(state.Notifications))
	}

	fmt.Println("Type messages and press Enter to send. Ctrl+C to exit.")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if *thread == "" {
			fmt.Println("no -thread set, dropping input")
			continue
		}
		if err := client.SendNewMessage(ctx, *thread, text, uuid.NewString()); err != nil {
			log.Printf("send: %v", err)
		}
	}

	return scanner.Err()
}
