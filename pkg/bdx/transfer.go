package bdx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/embermesh/matter/pkg/exchange"
	"github.com/pion/logging"
)

// Limits.
const (
	// IdleTimeout closes a transfer with no progress (Spec: 5 min).
	IdleTimeout = 5 * time.Minute

	// DefaultMaxBlockSize is used when the initiator does not
	// constrain block size.
	DefaultMaxBlockSize = 1024
)

var (
	// ErrStatus wraps a peer status report; use errors.As on
	// *StatusError for the code.
	ErrStatus = errors.New("bdx: peer reported status")

	// ErrBadCounter indicates a block counter out of sequence.
	ErrBadCounter = errors.New("bdx: bad block counter")

	// ErrAsyncUnsupported indicates the peer required asynchronous
	// mode.
	ErrAsyncUnsupported = errors.New("bdx: asynchronous transfer not supported")
)

// StatusError carries a peer-reported BdxStatusCode.
type StatusError struct {
	Code StatusCode
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("bdx: peer status 0x%04X", uint16(e.Code))
}

func (e *StatusError) Is(target error) bool { return target == ErrStatus }

// ProgressState is the externally visible transfer phase.
type ProgressState uint8

const (
	StateQuerying ProgressState = iota
	StateDownloading
	StateWaitForApply
	StateApplying
	StateDone
)

func (s ProgressState) String() string {
	switch s {
	case StateQuerying:
		return "querying"
	case StateDownloading:
		return "downloading"
	case StateWaitForApply:
		return "wait-for-apply"
	case StateApplying:
		return "applying"
	}
	return "done"
}

// Progress is one progress event.
type Progress struct {
	State    ProgressState
	Received uint64
	Total    uint64
}

// ProgressSink consumes progress events; nil is allowed everywhere.
type ProgressSink func(Progress)

func notify(sink ProgressSink, p Progress) {
	if sink != nil {
		sink(p)
	}
}

// abort sends a status report and closes the exchange.
func abort(ex *exchange.Exchange, code StatusCode) {
	ex.Send(uint8(OpcodeStatusReport), EncodeStatus(code), true)
	ex.Close()
}

func recvStep(ctx context.Context, ex *exchange.Exchange) (*exchange.Received, error) {
	stepCtx, cancel := context.WithTimeout(ctx, IdleTimeout)
	defer cancel()
	return ex.Recv(stepCtx)
}

// statusOf converts an inbound status report to an error.
func statusOf(msg *exchange.Received) error {
	code, err := DecodeStatus(msg.Payload)
	if err != nil {
		return err
	}
	return &StatusError{Code: code}
}

// DownloadOptions configures an initiator-receiver transfer.
type DownloadOptions struct {
	FileDesignator string
	MaxBlockSize   uint16

	// DriverModes lists the modes the receiver supports, preferred
	// first; both are offered when empty.
	DriverModes []DriverMode

	Progress      ProgressSink
	LoggerFactory logging.LoggerFactory
}

// Download runs the initiator-receiver role: ReceiveInit, negotiated
// accept, then blocks until BlockEOF. It returns the reassembled
// payload.
func Download(ctx context.Context, ex *exchange.Exchange, opts DownloadOptions) ([]byte, error) {
	if opts.MaxBlockSize == 0 {
		opts.MaxBlockSize = DefaultMaxBlockSize
	}
	modes := opts.DriverModes
	if len(modes) == 0 {
		modes = []DriverMode{ReceiverDrive, SenderDrive}
	}

	init := &Init{
		Version:        ProtocolVersion,
		MaxBlockSize:   opts.MaxBlockSize,
		FileDesignator: opts.FileDesignator,
	}
	for _, m := range modes {
		if m == SenderDrive {
			init.SenderDrive = true
		} else {
			init.ReceiverDrive = true
		}
	}

	notify(opts.Progress, Progress{State: StateQuerying})
	if err := ex.Send(uint8(OpcodeReceiveInit), init.Encode(), true); err != nil {
		return nil, err
	}
	msg, err := recvStep(ctx, ex)
	if err != nil {
		return nil, err
	}
	if Opcode(msg.Header.Opcode) == OpcodeStatusReport {
		return nil, statusOf(msg)
	}
	if Opcode(msg.Header.Opcode) != OpcodeReceiveAccept {
		abort(ex, StatusUnexpectedMessage)
		return nil, ErrStatus
	}
	accept, err := DecodeAccept(msg.Payload)
	if err != nil {
		abort(ex, StatusBadMessageContents)
		return nil, err
	}
	blockSize := accept.MaxBlockSize
	if blockSize == 0 || blockSize > opts.MaxBlockSize {
		blockSize = opts.MaxBlockSize
	}

	notify(opts.Progress, Progress{State: StateDownloading, Total: accept.Length})

	var out []byte
	var counter uint32
	for {
		if accept.Mode == ReceiverDrive {
			if err := ex.Send(uint8(OpcodeBlockQuery), EncodeCounter(counter), true); err != nil {
				return nil, err
			}
		}
		msg, err := recvStep(ctx, ex)
		if err != nil {
			return nil, err
		}
		op := Opcode(msg.Header.Opcode)
		if op == OpcodeStatusReport {
			return nil, statusOf(msg)
		}
		if op != OpcodeBlock && op != OpcodeBlockEOF {
			abort(ex, StatusUnexpectedMessage)
			return nil, ErrStatus
		}
		gotCounter, data, err := DecodeBlock(msg.Payload)
		if err != nil {
			abort(ex, StatusBadMessageContents)
			return nil, err
		}
		if gotCounter != counter {
			abort(ex, StatusBadBlockCounter)
			return nil, ErrBadCounter
		}
		if len(data) > int(blockSize) {
			abort(ex, StatusOverflow)
			return nil, ErrStatus
		}
		out = append(out, data...)
		notify(opts.Progress, Progress{State: StateDownloading, Received: uint64(len(out)), Total: accept.Length})

		if op == OpcodeBlockEOF {
			if err := ex.Send(uint8(OpcodeBlockAckEOF), EncodeCounter(counter), true); err != nil {
				return nil, err
			}
			break
		}
		// Non-final blocks must carry data.
		if len(data) == 0 {
			abort(ex, StatusBadMessageContents)
			return nil, ErrStatus
		}
		if accept.Mode == SenderDrive {
			if err := ex.Send(uint8(OpcodeBlockAck), EncodeCounter(counter), true); err != nil {
				return nil, err
			}
		}
		counter++
	}
	notify(opts.Progress, Progress{State: StateDone, Received: uint64(len(out)), Total: accept.Length})
	return out, nil
}

// ServerConfig configures the responder side.
type ServerConfig struct {
	// Storage resolves file designators.
	Storage *ScopedStorage

	// PreferredModes orders the responder's driver-mode preference;
	// the chosen mode is the first preference both sides support.
	PreferredModes []DriverMode

	// MaxBlockSize caps the negotiated block size.
	MaxBlockSize uint16

	Progress      ProgressSink
	LoggerFactory logging.LoggerFactory
}

// Server answers inbound BDX exchanges: ReceiveInit serves a blob from
// storage, SendInit accepts an upload into storage.
type Server struct {
	config ServerConfig
	log    logging.LeveledLogger
}

// NewServer creates a BDX responder; register it for ProtocolID.
func NewServer(config ServerConfig) *Server {
	if config.MaxBlockSize == 0 {
		config.MaxBlockSize = DefaultMaxBlockSize
	}
	if len(config.PreferredModes) == 0 {
		config.PreferredModes = []DriverMode{ReceiverDrive, SenderDrive}
	}
	s := &Server{config: config}
	if config.LoggerFactory != nil {
		s.log = config.LoggerFactory.NewLogger("bdx")
	}
	return s
}

// HandleExchange serves one inbound BDX exchange.
func (s *Server) HandleExchange(ex *exchange.Exchange, first *exchange.Received) {
	defer ex.Close()
	ctx := context.Background()

	switch Opcode(first.Header.Opcode) {
	case OpcodeReceiveInit:
		s.serveDownload(ctx, ex, first)
	case OpcodeSendInit:
		s.serveUpload(ctx, ex, first)
	default:
		abort(ex, StatusUnexpectedMessage)
	}
}

// negotiate picks the driver mode: the responder's first preference
// the initiator also advertised. Async is rejected outright.
func (s *Server) negotiate(init *Init) (DriverMode, *StatusError) {
	if init.Async {
		return 0, &StatusError{Code: StatusMethodNotSupported}
	}
	if init.Version < ProtocolVersion {
		return 0, &StatusError{Code: StatusVersionNotSupported}
	}
	for _, pref := range s.config.PreferredModes {
		if pref == SenderDrive && init.SenderDrive {
			return SenderDrive, nil
		}
		if pref == ReceiverDrive && init.ReceiverDrive {
			return ReceiverDrive, nil
		}
	}
	return 0, &StatusError{Code: StatusMethodNotSupported}
}

// serveDownload is the responder-sender path: stream a stored blob.
func (s *Server) serveDownload(ctx context.Context, ex *exchange.Exchange, first *exchange.Received) {
	init, err := DecodeInit(first.Payload)
	if err != nil {
		abort(ex, StatusBadMessageContents)
		return
	}
	mode, serr := s.negotiate(init)
	if serr != nil {
		abort(ex, serr.Code)
		return
	}
	blob, err := s.config.Storage.Resolve(init.FileDesignator)
	if err != nil {
		abort(ex, StatusFileDesignatorUnknown)
		return
	}
	if init.StartOffset > 0 {
		if init.StartOffset >= uint64(len(blob)) {
			abort(ex, StatusStartOffsetUnsupported)
			return
		}
		blob = blob[init.StartOffset:]
	}
	if init.MaxLength > 0 && init.MaxLength < uint64(len(blob)) {
		blob = blob[:init.MaxLength]
	}

	blockSize := s.config.MaxBlockSize
	if init.MaxBlockSize > 0 && init.MaxBlockSize < blockSize {
		blockSize = init.MaxBlockSize
	}
	accept := &Accept{
		Version:      ProtocolVersion,
		Mode:         mode,
		MaxBlockSize: blockSize,
		Length:       uint64(len(blob)),
		HasLength:    true,
	}
	if err := ex.Send(uint8(OpcodeReceiveAccept), accept.Encode(), true); err != nil {
		return
	}

	var counter uint32
	offset := 0
	for {
		if mode == ReceiverDrive {
			msg, err := recvStep(ctx, ex)
			if err != nil {
				return
			}
			op := Opcode(msg.Header.Opcode)
			if op == OpcodeStatusReport {
				return
			}
			if op != OpcodeBlockQuery {
				abort(ex, StatusUnexpectedMessage)
				return
			}
			want, err := DecodeCounter(msg.Payload)
			if err != nil || want != counter {
				abort(ex, StatusBadBlockCounter)
				return
			}
		}

		end := offset + int(blockSize)
		final := end >= len(blob)
		if final {
			end = len(blob)
		}
		op := OpcodeBlock
		if final {
			op = OpcodeBlockEOF
		}
		if err := ex.Send(uint8(op), EncodeBlock(counter, blob[offset:end]), true); err != nil {
			return
		}
		notify(s.config.Progress, Progress{State: StateDownloading, Received: uint64(end), Total: uint64(len(blob))})

		msgOrAck := func(expect Opcode) bool {
			msg, err := recvStep(ctx, ex)
			if err != nil {
				return false
			}
			if Opcode(msg.Header.Opcode) != expect {
				return false
			}
			got, err := DecodeCounter(msg.Payload)
			return err == nil && got == counter
		}

		if final {
			if msgOrAck(OpcodeBlockAckEOF) {
				notify(s.config.Progress, Progress{State: StateDone, Received: uint64(len(blob)), Total: uint64(len(blob))})
			}
			return
		}
		if mode == SenderDrive && !msgOrAck(OpcodeBlockAck) {
			return
		}
		offset = end
		counter++
	}
}

// serveUpload is the responder-receiver path: accept a pushed blob
// into storage.
func (s *Server) serveUpload(ctx context.Context, ex *exchange.Exchange, first *exchange.Received) {
	init, err := DecodeInit(first.Payload)
	if err != nil {
		abort(ex, StatusBadMessageContents)
		return
	}
	mode, serr := s.negotiate(init)
	if serr != nil {
		abort(ex, serr.Code)
		return
	}
	if _, err := s.config.Storage.name(init.FileDesignator); err != nil {
		abort(ex, StatusFileDesignatorUnknown)
		return
	}

	blockSize := s.config.MaxBlockSize
	if init.MaxBlockSize > 0 && init.MaxBlockSize < blockSize {
		blockSize = init.MaxBlockSize
	}
	accept := &Accept{Version: ProtocolVersion, Mode: mode, MaxBlockSize: blockSize}
	if err := ex.Send(uint8(OpcodeSendAccept), accept.Encode(), true); err != nil {
		return
	}

	var out []byte
	var counter uint32
	for {
		if mode == ReceiverDrive {
			if err := ex.Send(uint8(OpcodeBlockQuery), EncodeCounter(counter), true); err != nil {
				return
			}
		}
		msg, err := recvStep(ctx, ex)
		if err != nil {
			return
		}
		op := Opcode(msg.Header.Opcode)
		if op == OpcodeStatusReport {
			return
		}
		if op != OpcodeBlock && op != OpcodeBlockEOF {
			abort(ex, StatusUnexpectedMessage)
			return
		}
		got, data, err := DecodeBlock(msg.Payload)
		if err != nil || got != counter {
			abort(ex, StatusBadBlockCounter)
			return
		}
		out = append(out, data...)

		if op == OpcodeBlockEOF {
			if init.MaxLength > 0 && uint64(len(out)) != init.MaxLength {
				abort(ex, StatusLengthMismatch)
				return
			}
			if err := s.config.Storage.Store(init.FileDesignator, out); err != nil {
				abort(ex, StatusTransferFailedUnknown)
				return
			}
			ex.Send(uint8(OpcodeBlockAckEOF), EncodeCounter(counter), true)
			notify(s.config.Progress, Progress{State: StateDone, Received: uint64(len(out))})
			return
		}
		if mode == SenderDrive {
			if err := ex.Send(uint8(OpcodeBlockAck), EncodeCounter(counter), true); err != nil {
				return
			}
		}
		counter++
	}
}

// Upload runs the initiator-sender role: SendInit then blocks.
func Upload(ctx context.Context, ex *exchange.Exchange, designator string, blob []byte, maxBlockSize uint16, progress ProgressSink) error {
	if maxBlockSize == 0 {
		maxBlockSize = DefaultMaxBlockSize
	}
	init := &Init{
		Version:        ProtocolVersion,
		SenderDrive:    true,
		ReceiverDrive:  true,
		MaxBlockSize:   maxBlockSize,
		MaxLength:      uint64(len(blob)),
		FileDesignator: designator,
	}
	if err := ex.Send(uint8(OpcodeSendInit), init.Encode(), true); err != nil {
		return err
	}
	msg, err := recvStep(ctx, ex)
	if err != nil {
		return err
	}
	if Opcode(msg.Header.Opcode) == OpcodeStatusReport {
		return statusOf(msg)
	}
	if Opcode(msg.Header.Opcode) != OpcodeSendAccept {
		abort(ex, StatusUnexpectedMessage)
		return ErrStatus
	}
	accept, err := DecodeAccept(msg.Payload)
	if err != nil {
		abort(ex, StatusBadMessageContents)
		return err
	}
	blockSize := accept.MaxBlockSize
	if blockSize == 0 || blockSize > maxBlockSize {
		blockSize = maxBlockSize
	}

	var counter uint32
	offset := 0
	for {
		if accept.Mode == ReceiverDrive {
			msg, err := recvStep(ctx, ex)
			if err != nil {
				return err
			}
			if Opcode(msg.Header.Opcode) == OpcodeStatusReport {
				return statusOf(msg)
			}
			if Opcode(msg.Header.Opcode) != OpcodeBlockQuery {
				abort(ex, StatusUnexpectedMessage)
				return ErrStatus
			}
			want, err := DecodeCounter(msg.Payload)
			if err != nil || want != counter {
				abort(ex, StatusBadBlockCounter)
				return ErrBadCounter
			}
		}

		end := offset + int(blockSize)
		final := end >= len(blob)
		if final {
			end = len(blob)
		}
		op := OpcodeBlock
		if final {
			op = OpcodeBlockEOF
		}
		if err := ex.Send(uint8(op), EncodeBlock(counter, blob[offset:end]), true); err != nil {
			return err
		}
		notify(progress, Progress{State: StateDownloading, Received: uint64(end), Total: uint64(len(blob))})

		expect := OpcodeBlockAck
		if final {
			expect = OpcodeBlockAckEOF
		}
		if final || accept.Mode == SenderDrive {
			msg, err := recvStep(ctx, ex)
			if err != nil {
				return err
			}
			if Opcode(msg.Header.Opcode) == OpcodeStatusReport {
				return statusOf(msg)
			}
			if Opcode(msg.Header.Opcode) != expect {
				abort(ex, StatusUnexpectedMessage)
				return ErrStatus
			}
		}
		if final {
			notify(progress, Progress{State: StateDone, Received: uint64(len(blob)), Total: uint64(len(blob))})
			return nil
		}
		offset = end
		counter++
	}
}
