package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"wagate/internal/config"
	"wagate/internal/queue"
	"wagate/internal/storage"
	"wagate/pkg/logx"
)

// offline holds the durable handles a one-shot command works against. The
// running gateway shares them through the same sqlite file.
type offline struct {
	cfg   *config.Config
	store storage.Store
	queue queue.Queue
}

func openOffline(cmd *cobra.Command) (*offline, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(strings.TrimSpace(cfg.Storage.Driver), "memory") {
		return nil, errors.New("storage.driver is memory: nothing to share with a running gateway")
	}
	var d config.Durations
	busy := d.Get("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	base := d.Get("queue.backoff_base", cfg.Queue.BackoffBase, 0)
	bmax := d.Get("queue.backoff_max", cfg.Queue.BackoffMax, 0)
	if err := d.Err(); err != nil {
		return nil, err
	}
	path := strings.TrimSpace(cfg.Storage.Path)
	if path == "" {
		path = "./data/wagate.db"
	}
	st, err := storage.Open(storage.Config{
		Driver:         cfg.Storage.Driver,
		Path:           path,
		BusyTimeout:    busy,
		MaxRecordBytes: cfg.Storage.MaxRecordBytes,
	}, logx.NewConsole("WARN"))
	if err != nil {
		return nil, err
	}
	o := &offline{cfg: cfg, store: st}

	db, _ := storage.SQLDB(st)
	q, err := queue.Open(cmd.Context(), queue.Config{
		DB:     db,
		Policy: queue.Policy{MaxAttempts: cfg.Queue.MaxAttempts, BackoffBase: base, BackoffMax: bmax},
	})
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("open queue: %w", err)
	}
	o.queue = q
	return o, nil
}

func (o *offline) Close() error { return o.store.Close() }

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func withOffline(fn func(ctx context.Context, cmd *cobra.Command, o *offline, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		o, err := openOffline(cmd)
		if err != nil {
			return err
		}
		defer o.Close()
		return fn(cmd.Context(), cmd, o, args)
	}
}
