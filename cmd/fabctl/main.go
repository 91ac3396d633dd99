// fabctl is the operator CLI for fabaccessd. It speaks the daemon's JSON
// gRPC surface; the acting user travels in request metadata.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/abergmeier/fabaccess-server/internal/api"
)

var (
	serverAddr string
	asUser     string
)

func main() {
	root := &cobra.Command{
		Use:          "fabctl",
		Short:        "Control a running fabaccessd",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&serverAddr, "server", "s", "localhost:59661", "daemon address")
	root.PersistentFlags().StringVarP(&asUser, "user", "u", "", "acting user")

	root.AddCommand(
		claimCmd(), releaseCmd(), blockCmd(), unblockCmd(), forceCmd(),
		listCmd(), watchCmd(),
	)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func dial() (*grpc.ClientConn, error) {
	return grpc.NewClient(serverAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(api.CodecName)),
	)
}

func callCtx() context.Context {
	ctx := context.Background()
	if asUser != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, api.IdentityKey, asUser)
	}
	return ctx
}

// invoke runs one unary call and prints the acknowledged sequence number.
func invoke(method string, req any) error {
	conn, err := dial()
	if err != nil {
		return err
	}
	defer conn.Close()
	var reply api.ActionReply
	if err := conn.Invoke(callCtx(), "/"+api.ServiceName+"/"+method, req, &reply); err != nil {
		return err
	}
	fmt.Printf("ok seq=%d\n", reply.Seq)
	return nil
}

func claimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "claim RESOURCE",
		Short: "Take a machine into use",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return invoke("Claim", &api.ClaimRequest{Resource: args[0]})
		},
	}
}

func releaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release RESOURCE",
		Short: "Give a machine back",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return invoke("Release", &api.ReleaseRequest{Resource: args[0]})
		},
	}
}

func blockCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "block RESOURCE",
		Short: "Administratively lock a machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return invoke("Block", &api.BlockRequest{Resource: args[0], Reason: reason})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the machine is locked")
	return cmd
}

func unblockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unblock RESOURCE",
		Short: "Return a blocked machine to free",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return invoke("Unblock", &api.UnblockRequest{Resource: args[0]})
		},
	}
}

func forceCmd() *cobra.Command {
	var forUser, reason string
	cmd := &cobra.Command{
		Use:   "force RESOURCE STATUS",
		Short: "Force a machine into an arbitrary state (requires manage)",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			req := &api.ForceSetRequest{
				Resource: args[0],
				Status:   args[1],
				User:     forUser,
				Reason:   reason,
			}
			return invoke("ForceSet", req)
		},
	}
	cmd.Flags().StringVar(&forUser, "for", "", "user embedded in the target state")
	cmd.Flags().StringVar(&reason, "reason", "", "reason embedded in the target state")
	return cmd
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List machines you may see",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			conn, err := dial()
			if err != nil {
				return err
			}
			defer conn.Close()
			var reply api.ListReply
			if err := conn.Invoke(callCtx(), "/"+api.ServiceName+"/List", &api.ListRequest{}, &reply); err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(reply.Resources)
		},
	}
}

var subscribeStreamDesc = grpc.StreamDesc{
	StreamName:    "Subscribe",
	ServerStreams: true,
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch RESOURCE",
		Short: "Follow a machine's state events",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			conn, err := dial()
			if err != nil {
				return err
			}
			defer conn.Close()

			stream, err := conn.NewStream(callCtx(), &subscribeStreamDesc, "/"+api.ServiceName+"/Subscribe")
			if err != nil {
				return err
			}
			if err := stream.SendMsg(&api.SubscribeRequest{Resource: args[0]}); err != nil {
				return err
			}
			if err := stream.CloseSend(); err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			for {
				var ev api.StateEvent
				if err := stream.RecvMsg(&ev); err != nil {
					if err == io.EOF {
						return nil
					}
					return err
				}
				if err := enc.Encode(ev); err != nil {
					return err
				}
			}
		},
	}
}
