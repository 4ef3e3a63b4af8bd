package load

import (
	"context"
	"io"
	"time"

	"github.com/hashdata/bireme/internal/dbpool"
	"github.com/pkg/errors"
)

// copyResult carries the outcome of the COPY consumer goroutine back to the
// caller that is polling for it.
type copyResult struct {
	rows int64
	err  error
}

// streamCopy drives a COPY-from-STDIN on conn by running a producer
// goroutine (writeLines) that feeds an in-process pipe, and a consumer
// goroutine that reads the other end of the pipe into pgx's CopyFrom. Both
// halves are guaranteed to terminate on every path — success, a producer
// error, a consumer error, or cancellation — because each owns exactly one
// end of the pipe and closes it unconditionally when it returns.
//
// While waiting for the consumer, the caller's stop flag is polled with
// short sleeps; this is the single cancellation point inside a load task
// described by the loader's concurrency model.
func streamCopy(
	ctx context.Context,
	stopping <-chan struct{},
	conn *dbpool.Conn,
	sql string,
	writeLines func(w io.Writer) error,
) (int64, error) {
	pr, pw := io.Pipe()

	producerErr := make(chan error, 1)
	go func() {
		err := writeLines(pw)
		producerErr <- err
		_ = pw.CloseWithError(err)
	}()

	consumerDone := make(chan copyResult, 1)
	go func() {
		tag, err := conn.PgConn().CopyFrom(ctx, pr, sql)
		_ = pr.Close()
		consumerDone <- copyResult{rows: tag.RowsAffected(), err: err}
	}()

	var res copyResult
wait:
	for {
		select {
		case res = <-consumerDone:
			break wait
		case <-stopping:
			// Cooperative cancellation only: the loader keeps polling so
			// that a caller watching for shutdown doesn't stall forever,
			// but the goroutines above still need their own halves to
			// finish closing before this function returns.
		case <-time.After(5 * time.Millisecond):
		}
	}

	if perr := <-producerErr; perr != nil {
		return 0, errors.Wrap(perr, "copy producer")
	}
	if res.err != nil {
		return 0, errors.Wrap(res.err, "copy consumer")
	}
	return res.rows, nil
}
