package ingest

import (
	"context"
	"io"
	"log/slog"

	"github.com/nxadm/tail"

	"scanguard/internal/config"
)

func StartFileTail(ctx context.Context, cfg config.FileTailConfig, pipe *Pipe, logger *slog.Logger) {
	if !cfg.Enabled {
		if logger != nil {
			logger.Info("file tail ingest disabled")
		}
		return
	}
	for _, path := range cfg.Files {
		if logger != nil {
			logger.Info("file tail ingest enabled", "path", path, "start_at_end", cfg.StartAtEnd)
		}
		go func(path string) {
			if err := TailFile(ctx, path, cfg.StartAtEnd, pipe, logger); err != nil && logger != nil {
				logger.Error("tail failed", "path", path, "err", err)
			}
		}(path)
	}
}

// TailFile follows path across rotation until ctx is done.
func TailFile(ctx context.Context, path string, startAtEnd bool, pipe *Pipe, logger *slog.Logger) error {
	whence := io.SeekStart
	if startAtEnd {
		whence = io.SeekEnd
	}
	t, err := tail.TailFile(path, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: false,
		Location:  &tail.SeekInfo{Offset: 0, Whence: whence},
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return err
	}
	defer t.Cleanup()
	defer func() { _ = t.Stop() }()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-t.Lines:
			if !ok {
				return t.Err()
			}
			if line.Err != nil {
				if logger != nil {
					logger.Warn("tail read error", "path", path, "err", line.Err)
				}
				continue
			}
			pipe.Emit(ctx, "file_tail", line.Text)
		}
	}
}
