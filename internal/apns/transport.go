package apns

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// StreamHandlers receive the decoded events of one stream. They run
// synchronously inside Transport.Feed.
type StreamHandlers struct {
	Headers func(status int, header http.Header, endStream bool)
	Data    func(data []byte, endStream bool)
	Reset   func(code http2.ErrCode)
}

// Transport multiplexes streams over a channel. Outbound frames are written as
// they are produced; inbound bytes are handed to Feed.
type Transport interface {
	Start() error
	NewStream(h StreamHandlers) (uint32, error)
	SendHeaders(streamID uint32, fields []hpack.HeaderField, endStream bool) error
	SendData(streamID uint32, data []byte, endStream bool) error
	Feed(p []byte) error
}

const (
	frameHeaderLen      = 9
	defaultWindowSize   = 65535
	defaultMaxFrameSize = 16384
	defaultHeaderTable  = 4096
	maxHeaderListSize   = 64 << 10
	flagEndHeaders      = 0x4
	maxStreamID         = 1<<31 - 1

	// initialMaxConcurrent caps open streams until the gateway's SETTINGS
	// frame says otherwise.
	initialMaxConcurrent = 100
)

var errStreamIDsExhausted = errors.New("apns: stream ids exhausted")

type transportStream struct {
	handlers StreamHandlers
	window   int64

	// opened is set once HEADERS went out. Until then the header block waits
	// in heldFields for a free concurrency slot.
	opened      bool
	heldFields  []hpack.HeaderField
	heldEnd     bool
	gotResponse bool

	pending    []byte
	pendingEnd bool
	queued     bool
}

// framerTransport is a client-side HTTP/2 connection driven by Feed.
type framerTransport struct {
	out    io.Writer
	in     bytes.Buffer
	framer *http2.Framer

	encBuf bytes.Buffer
	enc    *hpack.Encoder

	nextStreamID  uint32
	streams       map[uint32]*transportStream
	queue         []uint32
	waiting       []uint32
	active        int
	maxConcurrent int

	connWindow    int64
	initialWindow int64
	maxFrameSize  int
	goAway        bool
}

func newFramerTransport(out io.Writer) *framerTransport {
	t := &framerTransport{
		out:           out,
		nextStreamID:  1,
		streams:       make(map[uint32]*transportStream),
		connWindow:    defaultWindowSize,
		initialWindow: defaultWindowSize,
		maxFrameSize:  defaultMaxFrameSize,
		maxConcurrent: initialMaxConcurrent,
	}
	t.framer = http2.NewFramer(out, &t.in)
	t.framer.SetMaxReadFrameSize(defaultMaxFrameSize)
	t.framer.ReadMetaHeaders = hpack.NewDecoder(defaultHeaderTable, nil)
	t.framer.MaxHeaderListSize = maxHeaderListSize
	t.enc = hpack.NewEncoder(&t.encBuf)
	return t
}

// Start writes the client preface and initial settings.
func (t *framerTransport) Start() error {
	if _, err := io.WriteString(t.out, http2.ClientPreface); err != nil {
		return err
	}
	return t.framer.WriteSettings(http2.Setting{ID: http2.SettingEnablePush, Val: 0})
}

func (t *framerTransport) NewStream(h StreamHandlers) (uint32, error) {
	if t.goAway {
		return 0, errors.New("apns: gateway sent GOAWAY")
	}
	if t.nextStreamID > maxStreamID {
		return 0, errStreamIDsExhausted
	}
	id := t.nextStreamID
	t.nextStreamID += 2
	t.streams[id] = &transportStream{handlers: h, window: t.initialWindow}
	return id, nil
}

// SendHeaders opens the stream. When the gateway's concurrency limit is
// reached the header block is held and written once earlier streams close.
// Streams must be given their headers in id order.
func (t *framerTransport) SendHeaders(streamID uint32, fields []hpack.HeaderField, endStream bool) error {
	s, ok := t.streams[streamID]
	if !ok {
		return fmt.Errorf("apns: unknown stream %d", streamID)
	}
	if !s.opened && (len(t.waiting) > 0 || t.active >= t.maxConcurrent) {
		s.heldFields = slices.Clone(fields)
		s.heldEnd = endStream
		t.waiting = append(t.waiting, streamID)
		return nil
	}
	return t.writeHeaders(streamID, s, fields, endStream)
}

func (t *framerTransport) writeHeaders(streamID uint32, s *transportStream, fields []hpack.HeaderField, endStream bool) error {
	if !s.opened {
		s.opened = true
		t.active++
	}
	t.encBuf.Reset()
	for _, f := range fields {
		if err := t.enc.WriteField(f); err != nil {
			return err
		}
	}

	block := t.encBuf.Bytes()
	first := true
	for first || len(block) > 0 {
		chunk := block
		if len(chunk) > t.maxFrameSize {
			chunk = chunk[:t.maxFrameSize]
		}
		block = block[len(chunk):]
		endHeaders := len(block) == 0

		var err error
		if first {
			err = t.framer.WriteHeaders(http2.HeadersFrameParam{
				StreamID:      streamID,
				BlockFragment: chunk,
				EndStream:     endStream,
				EndHeaders:    endHeaders,
			})
			first = false
		} else {
			err = t.framer.WriteContinuation(streamID, endHeaders, chunk)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// SendData queues data behind the stream and connection flow control windows
// and writes whatever the windows allow right away.
func (t *framerTransport) SendData(streamID uint32, data []byte, endStream bool) error {
	s, ok := t.streams[streamID]
	if !ok {
		return fmt.Errorf("apns: unknown stream %d", streamID)
	}
	s.pending = append(s.pending, data...)
	s.pendingEnd = s.pendingEnd || endStream
	if !s.opened {
		return nil
	}
	t.enqueue(streamID, s)
	return t.flushPending()
}

func (t *framerTransport) enqueue(id uint32, s *transportStream) {
	if !s.queued && (len(s.pending) > 0 || s.pendingEnd) {
		s.queued = true
		t.queue = append(t.queue, id)
	}
}

// closeStream forgets a finished stream and hands its slot to the next held
// stream.
func (t *framerTransport) closeStream(id uint32) error {
	s, ok := t.streams[id]
	if !ok {
		return nil
	}
	delete(t.streams, id)
	if s.opened {
		t.active--
	}
	return t.openWaiting()
}

func (t *framerTransport) openWaiting() error {
	for len(t.waiting) > 0 && t.active < t.maxConcurrent && !t.goAway {
		id := t.waiting[0]
		t.waiting = t.waiting[1:]
		s, ok := t.streams[id]
		if !ok {
			continue
		}
		fields := s.heldFields
		s.heldFields = nil
		if err := t.writeHeaders(id, s, fields, s.heldEnd); err != nil {
			return err
		}
		t.enqueue(id, s)
	}
	return t.flushPending()
}

func (t *framerTransport) flushPending() error {
	remaining := t.queue[:0]
	for _, id := range t.queue {
		s, ok := t.streams[id]
		if !ok {
			continue
		}
		if err := t.writeAvailable(id, s); err != nil {
			return err
		}
		if len(s.pending) > 0 || s.pendingEnd {
			remaining = append(remaining, id)
			continue
		}
		s.queued = false
	}
	t.queue = remaining
	return nil
}

func (t *framerTransport) writeAvailable(id uint32, s *transportStream) error {
	for len(s.pending) > 0 {
		n := int64(len(s.pending))
		n = min(n, int64(t.maxFrameSize), t.connWindow, s.window)
		if n <= 0 {
			return nil
		}
		end := s.pendingEnd && n == int64(len(s.pending))
		if err := t.framer.WriteData(id, end, s.pending[:n]); err != nil {
			return err
		}
		t.connWindow -= n
		s.window -= n
		s.pending = s.pending[n:]
		if end {
			s.pendingEnd = false
		}
	}
	if s.pendingEnd {
		s.pendingEnd = false
		return t.framer.WriteData(id, true, nil)
	}
	return nil
}

// Feed decodes every complete frame buffered so far. Any decode failure is
// returned as a *ProtocolDecodeError.
func (t *framerTransport) Feed(p []byte) error {
	t.in.Write(p)
	for {
		ready, err := t.frameReady()
		if err != nil {
			return &ProtocolDecodeError{Err: err}
		}
		if !ready {
			return nil
		}
		f, err := t.framer.ReadFrame()
		if err != nil {
			return &ProtocolDecodeError{Err: err}
		}
		if err := t.handle(f); err != nil {
			return err
		}
	}
}

// frameReady reports whether the buffer holds a whole frame, including the
// CONTINUATION frames that finish a header block.
func (t *framerTransport) frameReady() (bool, error) {
	buf := t.in.Bytes()
	for {
		if len(buf) < frameHeaderLen {
			return false, nil
		}
		length := int(buf[0])<<16 | int(buf[1])<<8 | int(buf[2])
		if length > defaultMaxFrameSize {
			return false, http2.ErrFrameTooLarge
		}
		if len(buf) < frameHeaderLen+length {
			return false, nil
		}
		typ := http2.FrameType(buf[3])
		flags := buf[4]
		buf = buf[frameHeaderLen+length:]

		switch typ {
		case http2.FrameHeaders, http2.FramePushPromise, http2.FrameContinuation:
			if flags&flagEndHeaders == 0 {
				continue
			}
		}
		return true, nil
	}
}

func (t *framerTransport) handle(f http2.Frame) error {
	switch f := f.(type) {
	case *http2.SettingsFrame:
		return t.handleSettings(f)
	case *http2.WindowUpdateFrame:
		return t.handleWindowUpdate(f)
	case *http2.PingFrame:
		if f.IsAck() {
			return nil
		}
		return t.framer.WritePing(true, f.Data)
	case *http2.MetaHeadersFrame:
		return t.handleHeaders(f)
	case *http2.DataFrame:
		return t.handleData(f)
	case *http2.RSTStreamFrame:
		s, ok := t.streams[f.StreamID]
		if !ok {
			return nil
		}
		if s.handlers.Reset != nil {
			s.handlers.Reset(f.ErrCode)
		}
		return t.closeStream(f.StreamID)
	case *http2.GoAwayFrame:
		t.goAway = true
		// Streams above LastStreamID were never processed by the gateway.
		var refused []uint32
		for id := range t.streams {
			if id > f.LastStreamID {
				refused = append(refused, id)
			}
		}
		slices.Sort(refused)
		for _, id := range refused {
			s := t.streams[id]
			if s.handlers.Reset != nil {
				s.handlers.Reset(http2.ErrCodeRefusedStream)
			}
			if err := t.closeStream(id); err != nil {
				return err
			}
		}
		return nil
	}
	return nil
}

func (t *framerTransport) handleSettings(f *http2.SettingsFrame) error {
	if f.IsAck() {
		return nil
	}
	err := f.ForeachSetting(func(s http2.Setting) error {
		switch s.ID {
		case http2.SettingInitialWindowSize:
			delta := int64(s.Val) - t.initialWindow
			t.initialWindow = int64(s.Val)
			for _, st := range t.streams {
				st.window += delta
			}
		case http2.SettingMaxFrameSize:
			t.maxFrameSize = int(s.Val)
		case http2.SettingHeaderTableSize:
			t.enc.SetMaxDynamicTableSizeLimit(s.Val)
		case http2.SettingMaxConcurrentStreams:
			t.maxConcurrent = int(min(s.Val, maxStreamID))
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := t.framer.WriteSettingsAck(); err != nil {
		return err
	}
	return t.openWaiting()
}

func (t *framerTransport) handleWindowUpdate(f *http2.WindowUpdateFrame) error {
	id := f.Header().StreamID
	if id == 0 {
		t.connWindow += int64(f.Increment)
	} else if s, ok := t.streams[id]; ok {
		s.window += int64(f.Increment)
	}
	return t.flushPending()
}

func (t *framerTransport) handleHeaders(f *http2.MetaHeadersFrame) error {
	id := f.Header().StreamID
	s, ok := t.streams[id]
	if !ok {
		return nil
	}

	// A second header block on a stream carries its trailers.
	if s.gotResponse {
		if !f.StreamEnded() {
			return &ProtocolDecodeError{Err: fmt.Errorf("stream %d: trailers without END_STREAM", id)}
		}
		if s.handlers.Data != nil {
			s.handlers.Data(nil, true)
		}
		return t.closeStream(id)
	}

	status, err := strconv.Atoi(f.PseudoValue("status"))
	if err != nil {
		return &ProtocolDecodeError{Err: fmt.Errorf("stream %d: bad :status %q", id, f.PseudoValue("status"))}
	}
	s.gotResponse = true
	header := make(http.Header, len(f.RegularFields()))
	for _, hf := range f.RegularFields() {
		header.Add(hf.Name, hf.Value)
	}
	if s.handlers.Headers != nil {
		s.handlers.Headers(status, header, f.StreamEnded())
	}
	if f.StreamEnded() {
		return t.closeStream(id)
	}
	return nil
}

func (t *framerTransport) handleData(f *http2.DataFrame) error {
	id := f.Header().StreamID
	// Give the flow controlled bytes back so the gateway never stalls on us.
	if n := f.Header().Length; n > 0 {
		if err := t.framer.WriteWindowUpdate(0, n); err != nil {
			return err
		}
		if !f.StreamEnded() {
			if _, ok := t.streams[id]; ok {
				if err := t.framer.WriteWindowUpdate(id, n); err != nil {
					return err
				}
			}
		}
	}

	s, ok := t.streams[id]
	if !ok {
		return nil
	}
	if s.handlers.Data != nil {
		data := append([]byte(nil), f.Data()...)
		s.handlers.Data(data, f.StreamEnded())
	}
	if f.StreamEnded() {
		return t.closeStream(id)
	}
	return nil
}
