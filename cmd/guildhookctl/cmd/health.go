package cmd

import (
	"context"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// healthCmd checks both ingest surfaces.
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the ingest service",
	Long:  `Check the management API's /healthz and the gRPC health service.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		healthy := true

		if err := doJSON(ctx, http.MethodGet, "/healthz", nil, nil, nil); err != nil {
			fmt.Printf("✗ API is unhealthy: %v\n", err)
			healthy = false
		} else {
			fmt.Println("✓ API is healthy")
		}

		conn, err := grpc.NewClient(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		defer conn.Close()

		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
		switch {
		case err != nil:
			fmt.Printf("✗ gRPC is unhealthy: %v\n", err)
			healthy = false
		case resp.GetStatus() != healthpb.HealthCheckResponse_SERVING:
			fmt.Printf("✗ gRPC status: %s\n", resp.GetStatus())
			healthy = false
		default:
			fmt.Println("✓ gRPC is serving")
		}

		if !healthy {
			return fmt.Errorf("service unhealthy")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
