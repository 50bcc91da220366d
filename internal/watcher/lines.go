package watcher

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/setevik/diagwatch/internal/metrics"
	"github.com/setevik/diagwatch/internal/normalize"
)

// maxLineSize bounds a single line; longer lines are discarded.
const maxLineSize = 1024 * 1024

// ReadLines normalizes every line read from r and appends the diagnostics
// entries to sink, tagged with source. Lines that carry no diagnostics
// payload, including lines longer than maxLineSize, are dropped. It returns
// the number of entries appended and the read error, which is nil at EOF.
func ReadLines(ctx context.Context, r io.Reader, source string, sink Sink, norm *normalize.Normalizer) (int, error) {
	br := bufio.NewReaderSize(r, 64*1024)

	ingested := metrics.EntriesTotal.WithLabelValues(source)
	dropped := metrics.DroppedTotal.WithLabelValues(source)

	n := 0
	for {
		line, tooLong, err := readLine(br, maxLineSize)
		if cerr := ctx.Err(); cerr != nil {
			return n, cerr
		}

		switch {
		case tooLong:
			dropped.Inc()
			slog.Debug("dropping overlong line", "source", source, "limit", maxLineSize)
		case len(line) > 0 || err == nil:
			if e, ok := norm.Line(string(line), source); ok {
				sink.Append(e)
				ingested.Inc()
				n++
			} else {
				dropped.Inc()
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				return n, nil
			}
			return n, err
		}
	}
}

// readLine returns the next line without its line ending. A line longer
// than limit is consumed up to its newline and reported as tooLong with no
// content. err is the error that ended the line, io.EOF for a final line
// without a newline.
func readLine(br *bufio.Reader, limit int) (line []byte, tooLong bool, err error) {
	for {
		chunk, err := br.ReadSlice('\n')
		if !tooLong {
			line = append(line, chunk...)
			if len(bytes.TrimRight(line, "\r\n")) > limit {
				tooLong = true
				line = nil
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if tooLong {
			return nil, true, err
		}
		return bytes.TrimRight(line, "\r\n"), false, err
	}
}
