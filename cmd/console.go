package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"cloud-admin/internal/client"
	"cloud-admin/internal/config"
	"cloud-admin/internal/console"
	"cloud-admin/internal/modules"
)

func newConsoleCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "console",
		Short: "Run admin commands against the master",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List the master's admin modules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, func(ctx context.Context, cl *client.Client) (json.RawMessage, error) {
				return cl.Command(ctx, "list", "", nil)
			})
		},
	}

	toggle := func(command string) *cobra.Command {
		return &cobra.Command{
			Use:   command + " <module>",
			Short: "Run the " + command + " command on a module, master and monitors",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withClient(cmd, func(ctx context.Context, cl *client.Client) (json.RawMessage, error) {
					return cl.Command(ctx, command, args[0], nil)
				})
			},
		}
	}

	request := &cobra.Command{
		Use:   "request <module> [json-body]",
		Short: "Call a module's client handler",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body any
			if len(args) == 2 {
				if err := json.Unmarshal([]byte(args[1]), &body); err != nil {
					return fmt.Errorf("bad json body: %w", err)
				}
			}
			return withClient(cmd, func(ctx context.Context, cl *client.Client) (json.RawMessage, error) {
				return cl.Request(ctx, args[0], body)
			})
		},
	}

	servers := &cobra.Command{
		Use:   "servers",
		Short: "List the registered servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, func(ctx context.Context, cl *client.Client) (json.RawMessage, error) {
				return cl.Request(ctx, console.ConsoleModuleID, modules.SignalRequest{Signal: modules.SignalList})
			})
		},
	}

	signalCmd := &cobra.Command{
		Use:   "signal <stop|kill> <server-id>",
		Short: "Send a control signal to a server",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := json.Marshal(modules.SignalTarget{ServerID: args[1]})
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, cl *client.Client) (json.RawMessage, error) {
				return cl.Request(ctx, console.ConsoleModuleID, modules.SignalRequest{Signal: args[0], Body: target})
			})
		},
	}

	c.AddCommand(list, toggle("enable"), toggle("disable"), request, servers, signalCmd)
	return c
}

// withClient connects an admin client, runs call and prints its result
// as indented JSON.
func withClient(cmd *cobra.Command, call func(ctx context.Context, cl *client.Client) (json.RawMessage, error)) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	cc := cfg.Client
	cl := client.New(client.Options{
		Username: cc.Username,
		Password: cc.Password,
		MD5:      cc.MD5,
		Logger:   log,
	})
	ctx, cancel := context.WithTimeout(cmd.Context(), config.Seconds(cc.Timeout))
	defer cancel()

	if err := cl.Connect(ctx, "cli-"+uuid.NewString(), cc.MasterAddr); err != nil {
		return err
	}
	defer cl.Close()

	res, err := call(ctx, cl)
	if err != nil {
		return err
	}
	var v any
	if len(res) == 0 || json.Unmarshal(res, &v) != nil {
		fmt.Fprintln(cmd.OutOrStdout(), string(res))
		return nil
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
