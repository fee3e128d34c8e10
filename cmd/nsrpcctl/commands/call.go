package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nsrpc/nsrpc/internal/iterator"
	"github.com/nsrpc/nsrpc/internal/wire"
)

// callKwargsJSON carries the --kwargs flag's raw JSON object.
var callKwargsJSON string

func callCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call <action>",
		Short: "Invoke a procedure registered in the target namespace",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runCall(args[0])
		},
	}
	cmd.Flags().StringVar(&callKwargsJSON, "kwargs", "{}", "JSON object of keyword arguments")
	return cmd
}

func runCall(action string) error {
	kwargs := map[string]any{}
	if err := json.Unmarshal([]byte(callKwargsJSON), &kwargs); err != nil {
		return fmt.Errorf("nsrpcctl: parse --kwargs: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	sess, closer, err := dial(ctx)
	if err != nil {
		return err
	}
	defer closer()

	result, err := sess.Call(ctx, wire.RequestPayload{Action: action, Kwargs: kwargs})
	if err != nil {
		return fmt.Errorf("nsrpcctl: call %s: %w", action, err)
	}

	if seq, ok := result.(*iterator.RemoteSequence); ok {
		return printSequence(ctx, seq)
	}
	return printResult(result)
}

// printSequence drains a lazy-sequence result, printing each item as it
// arrives.
func printSequence(ctx context.Context, seq *iterator.RemoteSequence) error {
	var streamErr error
	for value, err := range seq.Seq(ctx) {
		if err != nil {
			streamErr = err
			break
		}
		if jsonErr := printResult(value); jsonErr != nil {
			return jsonErr
		}
	}
	return streamErr
}

func printResult(v any) error {
	if outputFormat == "json" {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("nsrpcctl: marshal result: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}
	fmt.Printf("%v\n", v)
	return nil
}
