package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/speed-chat/server/internal/stream"
	"github.com/speed-chat/server/pkg/client"
)

var (
	chatServer string
	chatThread string
	chatUser   string
)

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Send one message to a running server and print the streamed reply",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if chatThread == "" {
			chatThread = uuid.NewString()
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "thread %s\n", chatThread)

		c := client.New(chatServer)
		reply, err := c.SendMessage(cmd.Context(), client.SendRequest{
			ThreadID: chatThread,
			UserID:   chatUser,
			Content:  strings.Join(args, " "),
		}, func(ch stream.Chunk) {
			switch ch.Type {
			case stream.ChunkAssistant:
				fmt.Fprint(out, ch.Content)
			case stream.ChunkToolResult:
				fmt.Fprintf(out, "\n[%s finished]\n", ch.ToolResult.Name)
			}
		})
		fmt.Fprintln(out)
		if reply != nil {
			printTranscript(out, reply.Entries)
		}
		return err
	},
}

func init() {
	chatCmd.Flags().StringVar(&chatServer, "server", "http://localhost:8787", "API base URL")
	chatCmd.Flags().StringVar(&chatThread, "thread", "", "thread id (a new one when empty)")
	chatCmd.Flags().StringVar(&chatUser, "user", os.Getenv("SPEED_USER_ID"), "user id the message is sent as")
}

func printTranscript(out io.Writer, entries []stream.Entry) {
	fmt.Fprintln(out, "---")
	for _, e := range entries {
		switch e.Role {
		case stream.RoleToolCall:
			fmt.Fprintf(out, "tool_call   %s %s\n", e.ToolCall.Name, e.ToolCall.Args)
		case stream.RoleToolResult:
			fmt.Fprintf(out, "tool_result %s (%d bytes)\n", e.ToolResult.Name, len(e.Content))
		default:
			fmt.Fprintf(out, "%-11s %s\n", e.Role, e.Content)
		}
	}
}
