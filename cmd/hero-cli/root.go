package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/xiaot623/hero/internal/protocol"
)

type globalOptions struct {
	addr    string
	userID  int64
	apiKey  string
	timeout time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:           "hero-cli",
		Short:         "Watch and answer hero live channel traffic",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVar(&opts.addr, "addr", "ws://localhost:8080/ws", "WebSocket server address")
	rootCmd.PersistentFlags().Int64Var(&opts.userID, "user", 0, "User ID to connect as")
	rootCmd.PersistentFlags().StringVar(&opts.apiKey, "api-key", os.Getenv("API_KEY"), "API key for authentication")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "How long to wait for a reply")
	_ = rootCmd.MarkPersistentFlagRequired("user")

	rootCmd.AddCommand(
		newWatchCmd(opts),
		newApproveCmd(opts),
		newDenyCmd(opts),
		newCancelCmd(opts),
		newAnswerCmd(opts),
		newRespondCmd(opts),
	)

	return rootCmd
}

func newWatchCmd(opts *globalOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print live events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := Dial(opts.addr, opts.userID, opts.apiKey)
			if err != nil {
				return err
			}
			defer client.Close()

			interrupt := make(chan os.Signal, 1)
			signal.Notify(interrupt, os.Interrupt)
			defer signal.Stop(interrupt)
			stopped := make(chan struct{})
			go func() {
				<-interrupt
				close(stopped)
				client.conn.Close()
			}()

			for seen := 0; limit <= 0 || seen < limit; seen++ {
				data, err := client.Next()
				if err != nil {
					select {
					case <-stopped:
						return nil
					default:
						return fmt.Errorf("read: %w", err)
					}
				}
				printEvent(cmd, data)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "Exit after this many events (0 means no limit)")
	return cmd
}

func printEvent(cmd *cobra.Command, data []byte) {
	var event map[string]interface{}
	if err := json.Unmarshal(data, &event); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Unmarshal error: %v\n", err)
		return
	}
	formatted, _ := json.MarshalIndent(event, "", "  ")
	fmt.Fprintf(cmd.OutOrStdout(), "[%v]\n%s\n", event["type"], formatted)
}

func newApproveCmd(opts *globalOptions) *cobra.Command {
	var reason, hash string
	var remember bool

	cmd := &cobra.Command{
		Use:   "approve <execution-id>",
		Short: "Approve a pending ability execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendDecision(cmd, opts, args[0], true, reason, remember, hash)
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded with the decision")
	cmd.Flags().BoolVar(&remember, "remember", false, "Pre-approve this ability for the rest of the session")
	cmd.Flags().StringVar(&hash, "hash", "", "Request hash shown in the approval request")
	return cmd
}

func newDenyCmd(opts *globalOptions) *cobra.Command {
	var reason, hash string

	cmd := &cobra.Command{
		Use:   "deny <execution-id>",
		Short: "Deny a pending ability execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendDecision(cmd, opts, args[0], false, reason, false, hash)
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded with the decision")
	cmd.Flags().StringVar(&hash, "hash", "", "Request hash shown in the approval request")
	return cmd
}

func sendDecision(cmd *cobra.Command, opts *globalOptions, executionID string, approved bool, reason string, remember bool, hash string) error {
	msg := protocol.ApprovalResponse{
		Type:               protocol.TypeApprovalResponse,
		ExecutionID:        executionID,
		Approved:           approved,
		Reason:             reason,
		RememberForSession: remember,
	}
	if hash != "" {
		msg.RequestHash = &hash
	}
	return roundTrip(cmd, opts, msg, protocol.TypeApprovalResult, executionID)
}

func newCancelCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <execution-id>",
		Short: "Withdraw a pending approval request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg := protocol.ApprovalCancel{Type: protocol.TypeApprovalCancel, ExecutionID: args[0]}
			return roundTrip(cmd, opts, msg, protocol.TypeApprovalCancelResult, args[0])
		},
	}
}

func newAnswerCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "answer <question-id> <answer>",
		Short: "Answer a pending question",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg := protocol.QuestionResponse{Type: protocol.TypeQuestionResponse, QuestionID: args[0], Answer: args[1]}
			return roundTrip(cmd, opts, msg, protocol.TypeQuestionResponseResult, args[0])
		},
	}
}

func newRespondCmd(opts *globalOptions) *cobra.Command {
	var failed bool

	cmd := &cobra.Command{
		Use:   "respond <interaction-id> [payload-json]",
		Short: "Respond to a pending interaction",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := json.RawMessage(`null`)
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return fmt.Errorf("payload is not valid JSON")
				}
				payload = json.RawMessage(args[1])
			}
			success := !failed
			msg := protocol.InteractionResponse{
				Type:          protocol.TypeInteractionResponse,
				InteractionID: args[0],
				Payload:       payload,
				Success:       &success,
			}
			return roundTrip(cmd, opts, msg, protocol.TypeInteractionResponseResult, args[0])
		},
	}

	cmd.Flags().BoolVar(&failed, "failed", false, "Report the interaction as failed")
	return cmd
}

func roundTrip(cmd *cobra.Command, opts *globalOptions, msg interface{}, replyType, id string) error {
	client, err := Dial(opts.addr, opts.userID, opts.apiKey)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Send(msg); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()
	ack, err := client.Await(ctx, replyType, id)
	if err != nil {
		return err
	}
	if !ack.Success {
		return fmt.Errorf("%s: %s", id, ack.Error)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", id)
	return nil
}
