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

	"github.com/tabwire/bridge/internal/config"
	"github.com/tabwire/bridge/pkg/storage"
	"github.com/tabwire/bridge/pkg/transport"
	"github.com/tabwire/bridge/pkg/types"
)

// hubCmd runs the privileged side of the transport
var hubCmd = &cobra.Command{
	Use:   "hub",
	Short: "Run the background hub",
	Long: `Runs the privileged hub process. Contexts connect over the unix
socket, register themselves, and exchange request/response, event, and
state-sync frames through it.`,
	RunE: runHub,
}

func runHub(cmd *cobra.Command, args []string) error {
	if err := initLogger(); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	hub, err := transport.NewHub(cfg.Transport, rootLog)
	if err != nil {
		return err
	}

	registerHubHandlers(hub, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := hub.Listen(ctx); err != nil {
		return err
	}
	rootLog.Info("Hub is running. Press Ctrl+C to stop.",
		"socket_path", cfg.Transport.SocketPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	rootLog.Info("Shutting down hub")
	return hub.Close()
}

// registerHubHandlers wires the built-in message types to the hub's store
func registerHubHandlers(hub *transport.Hub, store storage.Store) {
	hub.Handle(types.MessageTypeContextRegister, func(ctx context.Context, req *types.Request) *types.Response {
		return okResponse(req, map[string]interface{}{"registered": true})
	})

	hub.Handle(types.MessageTypeContextUnregister, func(ctx context.Context, req *types.Request) *types.Response {
		return okResponse(req, map[string]interface{}{"registered": false})
	})

	hub.Handle(types.MessageTypeSettingsGet, func(ctx context.Context, req *types.Request) *types.Response {
		key, _ := req.Payload["key"].(string)
		if key == "" {
			return errResponse(req, types.ErrCodeValidation, "payload key is required")
		}
		values, err := store.Get(ctx, []string{settingsKey(key)})
		if err != nil {
			return errResponse(req, types.ErrCodeInternal, err.Error())
		}
		raw, ok := values[settingsKey(key)]
		if !ok {
			return errResponse(req, types.ErrCodeNotFound, "setting not found: "+key)
		}
		return okResponse(req, map[string]interface{}{"key": key, "value": json.RawMessage(raw)})
	})

	hub.Handle(types.MessageTypeSettingsUpdate, func(ctx context.Context, req *types.Request) *types.Response {
		key, _ := req.Payload["key"].(string)
		if key == "" {
			return errResponse(req, types.ErrCodeValidation, "payload key is required")
		}
		raw, err := json.Marshal(req.Payload["value"])
		if err != nil {
			return errResponse(req, types.ErrCodeValidation, "value is not serializable")
		}
		if err := store.Set(ctx, map[string][]byte{settingsKey(key): raw}); err != nil {
			return errResponse(req, types.ErrCodeInternal, err.Error())
		}

		// Tell every context the setting moved
		hub.PushEvent(&types.Event{
			Type:     types.EventTypeSettingsChanged,
			Severity: types.SeverityInfo,
			Source:   "hub",
			Data:     map[string]interface{}{key: req.Payload["value"]},
		})
		return okResponse(req, map[string]interface{}{"key": key, "updated": true})
	})

	hub.Handle(types.MessageTypeJobSubmit, func(ctx context.Context, req *types.Request) *types.Response {
		jobID := types.GenerateID()
		hub.PushEvent(&types.Event{
			Type:     types.EventTypeJobStarted,
			Severity: types.SeverityInfo,
			Source:   "hub",
			Data:     map[string]interface{}{"job_id": string(jobID)},
		})
		return okResponse(req, map[string]interface{}{"job_id": string(jobID), "accepted": true})
	})

	hub.Handle(types.MessageTypeJobCancel, func(ctx context.Context, req *types.Request) *types.Response {
		jobID, _ := req.Payload["job_id"].(string)
		if jobID == "" {
			return errResponse(req, types.ErrCodeValidation, "payload job_id is required")
		}
		hub.PushEvent(&types.Event{
			Type:     types.EventTypeJobFailed,
			Severity: types.SeverityWarning,
			Source:   "hub",
			Data:     map[string]interface{}{"job_id": jobID, "reason": "canceled"},
		})
		return okResponse(req, map[string]interface{}{"job_id": jobID, "canceled": true})
	})

	hub.Handle(types.MessageTypeAgentAnalyze, func(ctx context.Context, req *types.Request) *types.Response {
		// Analysis runs elsewhere; the hub acknowledges and reports back
		// through agent.result events when workers finish.
		return okResponse(req, map[string]interface{}{
			"queued_at": time.Now().UnixMilli(),
		})
	})
}

func openStore(cfg *config.Config) (storage.Store, error) {
	if cfg.Storage.Driver == "sqlite" {
		return storage.NewSQLiteStore(cfg.Storage.Path)
	}
	return storage.NewMemoryStore(), nil
}

func settingsKey(key string) string {
	return "settings/" + key
}

func okResponse(req *types.Request, data map[string]interface{}) *types.Response {
	raw, _ := json.Marshal(data)
	return &types.Response{
		Success:       true,
		Data:          raw,
		CorrelationID: req.CorrelationID,
		Timestamp:     types.NewTimestamp(),
	}
}

func errResponse(req *types.Request, code, msg string) *types.Response {
	return &types.Response{
		Success:       false,
		ErrorCode:     code,
		ErrorMessage:  msg,
		CorrelationID: req.CorrelationID,
		Timestamp:     types.NewTimestamp(),
	}
}

func init() {
	rootCmd.AddCommand(hubCmd)
}
