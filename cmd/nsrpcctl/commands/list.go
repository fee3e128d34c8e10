package commands

import (
	"context"
	"fmt"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"

	"github.com/nsrpc/nsrpc/internal/registry"
	"github.com/nsrpc/nsrpc/internal/wire"
)

var listUpstreamOnly bool

func listCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List procedures registered in the target namespace",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runList()
		},
	}
	cmd.Flags().BoolVar(&listUpstreamOnly, "upstream", false, "list only local procedures and those learned from an upstream, leaving out downstream ones")
	return cmd
}

func runList() error {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	sess, closer, err := dial(ctx)
	if err != nil {
		return err
	}
	defer closer()

	raw, err := sess.Call(ctx, wire.RequestPayload{
		Action: wire.ActionGetRegisteredFunctions,
		Kwargs: map[string]any{"all_functions": !listUpstreamOnly, "upstream": listUpstreamOnly},
	})
	if err != nil {
		return fmt.Errorf("nsrpcctl: list: %w", err)
	}

	descriptors, err := decodeDescriptors(raw)
	if err != nil {
		return err
	}

	if outputFormat == "json" {
		return printResult(descriptors)
	}
	for _, d := range descriptors {
		fmt.Printf("%-30s params=%d  result=%s\n", d.Name, len(d.Params), resultKindLabel(d.ResultKind))
	}
	return nil
}

func resultKindLabel(k registry.ResultKind) string {
	switch k {
	case registry.Value:
		return "value"
	case registry.AsyncValue:
		return "async_value"
	case registry.LazySequence:
		return "lazy_sequence"
	case registry.AsyncLazySequence:
		return "async_lazy_sequence"
	default:
		return "unknown"
	}
}

// decodeDescriptors normalizes a get_registered_functions response body
// into []registry.Descriptor. Over JSON it arrives as a generic []any of
// map[string]any and must be re-shaped.
func decodeDescriptors(raw any) ([]registry.Descriptor, error) {
	if raw == nil {
		return nil, nil
	}
	if ds, ok := raw.([]registry.Descriptor); ok {
		return ds, nil
	}

	var out []registry.Descriptor
	if err := mapstructure.Decode(raw, &out); err != nil {
		return nil, fmt.Errorf("nsrpcctl: decode descriptors: %w", err)
	}
	return out, nil
}
