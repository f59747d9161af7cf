package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tabwire/bridge/pkg/coordinator"
	"github.com/tabwire/bridge/pkg/transport"
	"github.com/tabwire/bridge/pkg/types"
)

var pingCount int

// pingCmd connects as a context and round-trips health checks
var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Connect to the hub and round-trip health checks",
	RunE:  runPing,
}

func runPing(cmd *cobra.Command, args []string) error {
	if err := initLogger(); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if cfg.ContextID == "" {
		cfg.ContextID = string(types.GenerateID())
	}

	tr, err := transport.NewSocketTransport(types.ID(cfg.ContextID), cfg.Transport, rootLog)
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	coord, err := coordinator.New(cfg, tr, store, rootLog)
	if err != nil {
		return err
	}
	defer coord.Cleanup()

	ctx := context.Background()
	if err := coord.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}

	for i := 0; i < pingCount; i++ {
		start := time.Now()
		resp, err := coord.SendMessage(ctx, &types.Request{
			Type:     types.MessageTypeHealthCheck,
			Payload:  map[string]interface{}{},
			Priority: types.PriorityHigh,
		})
		if err != nil {
			fmt.Printf("ping %d: error: %v\n", i+1, err)
			continue
		}
		fmt.Printf("ping %d: %s in %s\n", i+1, resp.Data, time.Since(start).Round(time.Millisecond))
	}

	stats := coord.Statistics()
	out, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func init() {
	pingCmd.Flags().IntVar(&pingCount, "count", 3, "Number of health checks to send")
	rootCmd.AddCommand(pingCmd)
}
