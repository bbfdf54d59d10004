package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/inercia/courier/internal/client"
	"github.com/inercia/courier/internal/event"
)

var (
	streamServer  string
	streamConvID  string
	streamMessage string
	streamToken   string
)

// streamCmd represents the stream command
var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Send a prompt and stream the response to stdout",
	Long: `Connect to a Courier server, send a prompt, and print the streamed
response. The session reconnects automatically through transient
failures until the worker turn completes.

Example:
  courier stream --message "hello"                  # New conversation
  courier stream --conversation abc --message "hi"  # Existing one`,
	RunE: runStream,
}

func init() {
	rootCmd.AddCommand(streamCmd)

	streamCmd.Flags().StringVar(&streamServer, "server", "http://127.0.0.1:8080", "Courier server base URL")
	streamCmd.Flags().StringVar(&streamConvID, "conversation", "", "Conversation ID (a new one is created when empty)")
	streamCmd.Flags().StringVarP(&streamMessage, "message", "m", "", "Prompt message to send")
	streamCmd.Flags().StringVar(&streamToken, "token", "", "Bearer token for authenticated servers")
}

func runStream(cmd *cobra.Command, args []string) error {
	if streamMessage == "" {
		return fmt.Errorf("--message is required")
	}

	c := client.New(streamServer, client.WithToken(streamToken))

	conversationID := streamConvID
	if conversationID == "" {
		conv, err := c.CreateConversation()
		if err != nil {
			return err
		}
		conversationID = conv.ID
		fmt.Fprintf(os.Stderr, "conversation: %s\n", conversationID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	sessionCfg := client.SessionConfig{
		BackoffBase: cfg.Client.BackoffBase.Std(),
		BackoffMax:  cfg.Client.BackoffMax.Std(),
		MaxAttempts: cfg.Client.MaxAttempts,
	}

	var failed error
	session, err := c.Stream(ctx, conversationID, streamMessage, sessionCfg, client.SessionCallbacks{
		OnEvent: func(ev event.Event) {
			if ev.Kind == event.KindContent {
				var payload struct {
					Text string `json:"text"`
				}
				if jsonUnmarshalPayload(ev, &payload) {
					fmt.Print(payload.Text)
				}
			}
		},
		OnCompleted: func(usage event.Usage) {
			fmt.Printf("\n(%d events, %dms)\n", usage.Events, usage.DurationMS)
		},
		OnReconnecting: func(attempt int, delay time.Duration) {
			fmt.Fprintf(os.Stderr, "reconnecting (attempt %d) in %s...\n", attempt, delay)
		},
		OnFailed: func(err error) {
			failed = err
		},
	})
	if err != nil {
		return err
	}

	<-session.Done()
	if failed != nil {
		return failed
	}
	return nil
}

func jsonUnmarshalPayload(ev event.Event, v interface{}) bool {
	if len(ev.Payload) == 0 {
		return false
	}
	return json.Unmarshal(ev.Payload, v) == nil
}
