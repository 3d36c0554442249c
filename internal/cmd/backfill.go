package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	errspkg "github.com/drblury/eventrelay/internal/runtime/errors"
	"github.com/drblury/eventrelay/internal/runtime/events"
	loggingpkg "github.com/drblury/eventrelay/internal/runtime/logging"
	"github.com/drblury/eventrelay/sink"
)

// maxLineSize bounds one NDJSON line; events are far smaller.
const maxLineSize = 1 << 20

// openSink opens the configured document store.
var openSink = sink.Open

type backfillResult struct {
	inserted int
	skipped  int
}

func newBackfillCommand(flags *overrides) *cobra.Command {
	var (
		batchSize   int
		skipInvalid bool
	)

	cmd := &cobra.Command{
		Use:   "backfill [file]",
		Short: "Load newline-delimited JSON events straight into the document store",
		Long: `backfill reads one game event per line from file, or stdin when file is
omitted or "-", and writes them to the document store in batches, bypassing
the broker. A malformed line aborts the run unless --skip-invalid is set.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, log, err := setup(flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if err := conf.ValidateSink(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if batchSize <= 0 {
				return errors.New("--batch must be positive")
			}

			in, source := cmd.InOrStdin(), "stdin"
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in, source = f, args[0]
			}

			store, err := openSink(cmd.Context(), conf)
			if err != nil {
				return &errspkg.ConnectionError{Component: "sink", Target: conf.SinkSystem, Err: err}
			}
			defer func() {
				if err := store.Close(); err != nil {
					log.Error("Failed to close document store", err, nil)
				}
			}()

			b := &backfiller{
				store:        store,
				collection:   conf.SinkCollection,
				writeTimeout: conf.SinkWriteTimeout,
				batchSize:    batchSize,
				skipInvalid:  skipInvalid,
				logger:       log.With(loggingpkg.LogFields{"source": source}),
				now:          time.Now,
			}
			res, err := b.run(cmd.Context(), source, in)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "backfilled %d documents into %s (%d skipped)\n", res.inserted, conf.SinkCollection, res.skipped)
			return err
		},
	}

	cmd.Flags().IntVar(&batchSize, "batch", 100, "documents per InsertMany call")
	cmd.Flags().BoolVar(&skipInvalid, "skip-invalid", false, "log and skip malformed lines instead of aborting")
	return cmd
}

type backfiller struct {
	store        sink.Store
	collection   string
	writeTimeout time.Duration
	batchSize    int
	skipInvalid  bool
	logger       loggingpkg.ServiceLogger
	now          func() time.Time
}

func (b *backfiller) run(ctx context.Context, source string, in io.Reader) (backfillResult, error) {
	var res backfillResult
	batch := make([]sink.Document, 0, b.batchSize)

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	line := int64(0)
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		event, err := events.Decode(raw)
		if err != nil {
			decodeErr := &errspkg.DecodeError{Topic: source, Offset: line, Err: err}
			if !b.skipInvalid {
				return res, decodeErr
			}
			res.skipped++
			b.logger.Error("Skipping malformed line", decodeErr, loggingpkg.LogFields{"line": line})
			continue
		}

		batch = append(batch, sink.NewDocument(event.WithDefaults(b.now())))
		if len(batch) == b.batchSize {
			if err := b.flush(ctx, batch); err != nil {
				return res, err
			}
			res.inserted += len(batch)
			batch = batch[:0]
		}
	}
	if err := scanner.Err(); err != nil {
		return res, fmt.Errorf("read %s: %w", source, err)
	}

	if len(batch) > 0 {
		if err := b.flush(ctx, batch); err != nil {
			return res, err
		}
		res.inserted += len(batch)
	}
	b.logger.Info("Backfill complete", loggingpkg.LogFields{
		"collection": b.collection,
		"inserted":   res.inserted,
		"skipped":    res.skipped,
	})
	return res, nil
}

func (b *backfiller) flush(ctx context.Context, batch []sink.Document) error {
	if b.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.writeTimeout)
		defer cancel()
	}
	ids, err := b.store.InsertMany(ctx, batch)
	if err != nil {
		return &errspkg.SinkWriteError{Collection: b.collection, Err: err}
	}
	b.logger.Debug("Inserted batch", loggingpkg.LogFields{
		"collection": b.collection,
		"count":      len(ids),
	})
	return nil
}
