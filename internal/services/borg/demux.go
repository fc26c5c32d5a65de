package borg

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"sync"

	"github.com/fgeck/goborg-homelab/internal/models"
)

// maxLine bounds a single physical output line. borg listings can get long
// but never anywhere near this.
const maxLine = 4 * 1024 * 1024

// StreamItem is one unit delivered by the demultiplexer: either a raw
// stdout line or a decoded stderr protocol message, never both.
type StreamItem struct {
	Line []byte          // raw stdout line
	Msg  *models.Message // decoded stderr protocol message
}

// demux drains both subprocess streams concurrently and fans the items into
// a single channel. Order is preserved within each stream; no order is
// guaranteed between the two. The channel closes once both readers reach
// end of stream. Reading both pipes in parallel is what keeps the
// subprocess from deadlocking on a full pipe buffer.
func (s *Impl) demux(stdout, stderr io.Reader) <-chan StreamItem {
	out := make(chan StreamItem)
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		s.readRaw(stdout, out)
	}()
	go func() {
		defer wg.Done()
		s.readProtocol(stderr, out)
	}()
	go func() {
		wg.Wait()
		close(out)
	}()

	return out
}

// readRaw forwards a stream line by line.
func (s *Impl) readRaw(r io.Reader, out chan<- StreamItem) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	for sc.Scan() {
		line := make([]byte, len(sc.Bytes()))
		copy(line, sc.Bytes())
		out <- StreamItem{Line: line}
	}
	if err := sc.Err(); err != nil {
		s.logger.Debug().Err(err).Msg("stdout reader stopped")
		drain(r)
	}
}

// drain consumes the rest of a stream after a scanner error so the
// subprocess cannot block on a full pipe buffer.
func drain(r io.Reader) {
	_, _ = io.Copy(io.Discard, r)
}

// readProtocol reconstructs JSON messages from the framed stderr protocol.
// borg may split one object across several physical lines, so lines
// accumulate until the buffer both starts with '{' and parses as a complete
// value. Content that does not start with '{' is not protocol output and is
// only logged at debug level, never delivered.
func (s *Impl) readProtocol(r io.Reader, out chan<- StreamItem) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)

	var pending []byte
	for sc.Scan() {
		line := sc.Bytes()
		if len(pending) == 0 && !bytes.HasPrefix(bytes.TrimLeft(line, " \t"), []byte("{")) {
			s.logger.Debug().Str("line", string(line)).Msg("non-protocol stderr output")
			continue
		}

		pending = append(pending, line...)
		var msg models.Message
		if err := json.Unmarshal(pending, &msg); err != nil {
			// Assume the JSON itself is well-formed: a decode error just
			// means borg split the object over multiple lines and the rest
			// is still to come.
			pending = append(pending, '\n')
			continue
		}
		pending = nil
		out <- StreamItem{Msg: &msg}
	}
	if err := sc.Err(); err != nil {
		s.logger.Debug().Err(err).Msg("stderr reader stopped")
		drain(r)
	}
	if len(pending) > 0 {
		s.logger.Debug().Str("buffer", string(pending)).Msg("incomplete protocol message at end of stream")
	}
}
