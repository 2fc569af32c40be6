package securechannel

import (
	"context"
	"crypto/rand"

	"github.com/embermesh/matter/pkg/crypto"
	"github.com/embermesh/matter/pkg/crypto/spake2p"
	"github.com/embermesh/matter/pkg/exchange"
	"github.com/embermesh/matter/pkg/session"
	"github.com/embermesh/matter/pkg/tlv"
)

// paseContextPrefix seeds the SPAKE2+ transcript context (Spec 4.14.1.2).
const paseContextPrefix = "CHIP PAKE V1 Commissioning"

// forbiddenPasscodes are the setup codes a device must refuse
// (Spec 5.1.7.1).
var forbiddenPasscodes = map[uint32]bool{
	0:        true,
	11111111: true,
	22222222: true,
	33333333: true,
	44444444: true,
	55555555: true,
	66666666: true,
	77777777: true,
	88888888: true,
	99999999: true,
	12345678: true,
	87654321: true,
}

// ValidPasscode reports whether a setup passcode is usable: inside
// 1..99999998 and not on the forbidden list.
func ValidPasscode(passcode uint32) bool {
	if passcode == 0 || passcode > 99999998 {
		return false
	}
	return !forbiddenPasscodes[passcode]
}

// PaseVerifier is the responder-side registration record plus its
// PBKDF parameters, created at commissioning-window open.
type PaseVerifier struct {
	Record     *spake2p.Record
	Salt       []byte
	Iterations uint32
}

// NewPaseVerifier derives the verifier for a passcode, rejecting
// forbidden codes.
func NewPaseVerifier(passcode uint32, iterations uint32) (*PaseVerifier, error) {
	if !ValidPasscode(passcode) {
		return nil, ErrInvalidPasscode
	}
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	rec, err := spake2p.GenerateRecord(passcode, salt, iterations)
	if err != nil {
		return nil, err
	}
	return &PaseVerifier{Record: rec, Salt: salt, Iterations: iterations}, nil
}

// EstablishResult carries the outputs of a completed PASE or CASE
// handshake, ready for session.NewSecure.
type EstablishResult struct {
	Keys           *SessionKeys
	LocalSessionID uint16
	PeerSessionID  uint16
	Params         session.Params
	SharedSecret   []byte // CASE only
	ResumptionID   []byte // CASE only
	PeerNodeID     uint64 // CASE only
	FabricIndex    uint8  // CASE only
}

// PASE message tags.
const (
	tagPBKDFInitiatorRandom = 1
	tagPBKDFInitiatorSID    = 2
	tagPBKDFPasscodeID      = 3
	tagPBKDFHasParams       = 4

	tagPBKDFRespInitRandom = 1
	tagPBKDFRespRespRandom = 2
	tagPBKDFRespSID        = 3
	tagPBKDFRespParams     = 4

	tagParamsIterations = 1
	tagParamsSalt       = 2

	tagPakePA = 1
	tagPakePB = 1
	tagPakeCB = 2
	tagPakeCA = 1
)

func encodePBKDFParamRequest(initRandom []byte, sid uint16) []byte {
	w := tlv.NewWriter()
	w.StartStruct(tlv.Anonymous())
	w.PutBytes(tlv.ContextTag(tagPBKDFInitiatorRandom), initRandom)
	w.PutUint(tlv.ContextTag(tagPBKDFInitiatorSID), uint64(sid))
	w.PutUint(tlv.ContextTag(tagPBKDFPasscodeID), 0)
	w.PutBool(tlv.ContextTag(tagPBKDFHasParams), false)
	w.EndContainer()
	return append([]byte(nil), w.Bytes()...)
}

func encodePBKDFParamResponse(initRandom, respRandom []byte, sid uint16, v *PaseVerifier) []byte {
	w := tlv.NewWriter()
	w.StartStruct(tlv.Anonymous())
	w.PutBytes(tlv.ContextTag(tagPBKDFRespInitRandom), initRandom)
	w.PutBytes(tlv.ContextTag(tagPBKDFRespRespRandom), respRandom)
	w.PutUint(tlv.ContextTag(tagPBKDFRespSID), uint64(sid))
	w.StartStruct(tlv.ContextTag(tagPBKDFRespParams))
	w.PutUint(tlv.ContextTag(tagParamsIterations), uint64(v.Iterations))
	w.PutBytes(tlv.ContextTag(tagParamsSalt), v.Salt)
	w.EndContainer()
	w.EndContainer()
	return append([]byte(nil), w.Bytes()...)
}

// decodePBKDFParamResponse pulls the responder session id, iterations
// and salt out of a PBKDFParamResponse.
func decodePBKDFParamResponse(data []byte) (sid uint16, iterations uint32, salt []byte, err error) {
	r := tlv.NewReader(data)
	if err = r.Next(); err != nil {
		return 0, 0, nil, ErrMalformedMessage
	}
	if err = r.EnterContainer(); err != nil {
		return 0, 0, nil, ErrMalformedMessage
	}
	for {
		e := r.Next()
		if e == tlv.ErrEnd {
			break
		}
		if e != nil {
			return 0, 0, nil, ErrMalformedMessage
		}
		switch r.Tag().Number() {
		case tagPBKDFRespSID:
			v, _ := r.Uint()
			sid = uint16(v)
		case tagPBKDFRespParams:
			if e := r.EnterContainer(); e != nil {
				return 0, 0, nil, ErrMalformedMessage
			}
			for {
				pe := r.Next()
				if pe == tlv.ErrEnd {
					break
				}
				if pe != nil {
					return 0, 0, nil, ErrMalformedMessage
				}
				switch r.Tag().Number() {
				case tagParamsIterations:
					v, _ := r.Uint()
					iterations = uint32(v)
				case tagParamsSalt:
					b, _ := r.Bytes()
					salt = append([]byte(nil), b...)
				}
			}
			if e := r.ExitContainer(); e != nil {
				return 0, 0, nil, ErrMalformedMessage
			}
		}
	}
	if iterations == 0 || len(salt) == 0 {
		return 0, 0, nil, ErrMalformedMessage
	}
	return sid, iterations, salt, nil
}

func encodeSingleBytes(tag uint8, value []byte) []byte {
	w := tlv.NewWriter()
	w.StartStruct(tlv.Anonymous())
	w.PutBytes(tlv.ContextTag(tag), value)
	w.EndContainer()
	return append([]byte(nil), w.Bytes()...)
}

func decodeStructBytes(data []byte, want map[uint32]*[]byte) error {
	r := tlv.NewReader(data)
	if err := r.Next(); err != nil {
		return ErrMalformedMessage
	}
	if err := r.EnterContainer(); err != nil {
		return ErrMalformedMessage
	}
	for {
		err := r.Next()
		if err == tlv.ErrEnd {
			break
		}
		if err != nil {
			return ErrMalformedMessage
		}
		if dst, ok := want[r.Tag().Number()]; ok {
			b, err := r.Bytes()
			if err != nil {
				return ErrMalformedMessage
			}
			*dst = append([]byte(nil), b...)
		}
	}
	for _, dst := range want {
		if len(*dst) == 0 {
			return ErrMalformedMessage
		}
	}
	return nil
}

// paseTranscriptContext hashes the protocol prefix plus both PBKDF
// parameter messages.
func paseTranscriptContext(reqBytes, respBytes []byte) []byte {
	buf := append([]byte(paseContextPrefix), reqBytes...)
	buf = append(buf, respBytes...)
	return crypto.Hash(buf)
}

// PaseInitiate runs the initiator (commissioner) side of PASE over an
// unsecured exchange.
func PaseInitiate(ctx context.Context, ex *exchange.Exchange, passcode uint32, localSessionID uint16) (*EstablishResult, error) {
	initRandom := make([]byte, 32)
	if _, err := rand.Read(initRandom); err != nil {
		return nil, err
	}

	reqBytes := encodePBKDFParamRequest(initRandom, localSessionID)
	if err := ex.Send(uint8(OpcodePBKDFParamRequest), reqBytes, true); err != nil {
		return nil, err
	}
	resp, err := ex.Recv(ctx)
	if err != nil {
		return nil, err
	}
	if Opcode(resp.Header.Opcode) != OpcodePBKDFParamResponse {
		return nil, ErrUnexpectedMessage
	}
	peerSID, iterations, salt, err := decodePBKDFParamResponse(resp.Payload)
	if err != nil {
		return nil, err
	}

	transcript := paseTranscriptContext(reqBytes, resp.Payload)
	w0, w1 := spake2p.DeriveSecrets(passcode, salt, iterations)
	prover, err := spake2p.NewProver(transcript, w0, w1)
	if err != nil {
		return nil, err
	}

	pA, err := prover.Share()
	if err != nil {
		return nil, err
	}
	if err := ex.Send(uint8(OpcodePake1), encodeSingleBytes(tagPakePA, pA), true); err != nil {
		return nil, err
	}

	pake2, err := ex.Recv(ctx)
	if err != nil {
		return nil, err
	}
	if Opcode(pake2.Header.Opcode) != OpcodePake2 {
		return nil, ErrUnexpectedMessage
	}
	var pB, cB []byte
	if err := decodeStructBytes(pake2.Payload, map[uint32]*[]byte{tagPakePB: &pB, tagPakeCB: &cB}); err != nil {
		return nil, err
	}
	if err := prover.Complete(pB); err != nil {
		return nil, err
	}
	if err := prover.VerifyConfirmation(cB); err != nil {
		return nil, err
	}
	cA, err := prover.Confirmation()
	if err != nil {
		return nil, err
	}
	if err := ex.Send(uint8(OpcodePake3), encodeSingleBytes(tagPakeCA, cA), true); err != nil {
		return nil, err
	}

	status, err := ex.Recv(ctx)
	if err != nil {
		return nil, err
	}
	if Opcode(status.Header.Opcode) != OpcodeStatusReport {
		return nil, ErrUnexpectedMessage
	}
	report, err := DecodeStatusReport(status.Payload)
	if err != nil {
		return nil, err
	}
	if !report.IsSuccess() {
		return nil, ErrEstablishmentFailed
	}

	keys, err := deriveSessionKeys(prover.SessionSecret(), nil)
	if err != nil {
		return nil, err
	}
	return &EstablishResult{
		Keys:           keys,
		LocalSessionID: localSessionID,
		PeerSessionID:  peerSID,
		Params:         session.DefaultParams(),
	}, nil
}

// PaseRespond runs the responder (commissionee) side of PASE. first is
// the PBKDFParamRequest that opened the exchange.
func PaseRespond(ctx context.Context, ex *exchange.Exchange, first *exchange.Received, verifier *PaseVerifier, localSessionID uint16) (*EstablishResult, error) {
	if Opcode(first.Header.Opcode) != OpcodePBKDFParamRequest {
		return nil, ErrUnexpectedMessage
	}

	// Pull initiator random and session id from the request.
	var initRandom []byte
	var peerSID uint16
	r := tlv.NewReader(first.Payload)
	if err := r.Next(); err != nil {
		return nil, ErrMalformedMessage
	}
	if err := r.EnterContainer(); err != nil {
		return nil, ErrMalformedMessage
	}
	for {
		err := r.Next()
		if err == tlv.ErrEnd {
			break
		}
		if err != nil {
			return nil, ErrMalformedMessage
		}
		switch r.Tag().Number() {
		case tagPBKDFInitiatorRandom:
			b, _ := r.Bytes()
			initRandom = append([]byte(nil), b...)
		case tagPBKDFInitiatorSID:
			v, _ := r.Uint()
			peerSID = uint16(v)
		}
	}
	if len(initRandom) != 32 {
		return nil, ErrMalformedMessage
	}

	respRandom := make([]byte, 32)
	if _, err := rand.Read(respRandom); err != nil {
		return nil, err
	}
	respBytes := encodePBKDFParamResponse(initRandom, respRandom, localSessionID, verifier)
	if err := ex.Send(uint8(OpcodePBKDFParamResponse), respBytes, true); err != nil {
		return nil, err
	}

	transcript := paseTranscriptContext(first.Payload, respBytes)
	vf, err := spake2p.NewVerifier(transcript, verifier.Record)
	if err != nil {
		return nil, err
	}

	pake1, err := ex.Recv(ctx)
	if err != nil {
		return nil, err
	}
	if Opcode(pake1.Header.Opcode) != OpcodePake1 {
		return nil, ErrUnexpectedMessage
	}
	var pA []byte
	if err := decodeStructBytes(pake1.Payload, map[uint32]*[]byte{tagPakePA: &pA}); err != nil {
		return nil, err
	}

	pB, err := vf.Share()
	if err != nil {
		return nil, err
	}
	if err := vf.Complete(pA); err != nil {
		return nil, err
	}
	cB, err := vf.Confirmation()
	if err != nil {
		return nil, err
	}

	w := tlv.NewWriter()
	w.StartStruct(tlv.Anonymous())
	w.PutBytes(tlv.ContextTag(tagPakePB), pB)
	w.PutBytes(tlv.ContextTag(tagPakeCB), cB)
	w.EndContainer()
	if err := ex.Send(uint8(OpcodePake2), append([]byte(nil), w.Bytes()...), true); err != nil {
		return nil, err
	}

	pake3, err := ex.Recv(ctx)
	if err != nil {
		return nil, err
	}
	if Opcode(pake3.Header.Opcode) != OpcodePake3 {
		return nil, ErrUnexpectedMessage
	}
	var cA []byte
	if err := decodeStructBytes(pake3.Payload, map[uint32]*[]byte{tagPakeCA: &cA}); err != nil {
		return nil, err
	}
	if err := vf.VerifyConfirmation(cA); err != nil {
		ex.Send(uint8(OpcodeStatusReport), failureReport(StatusInvalidParameter), true)
		return nil, err
	}

	if err := ex.Send(uint8(OpcodeStatusReport), successReport(), true); err != nil {
		return nil, err
	}

	keys, err := deriveSessionKeys(vf.SessionSecret(), nil)
	if err != nil {
		return nil, err
	}
	return &EstablishResult{
		Keys:           keys,
		LocalSessionID: localSessionID,
		PeerSessionID:  peerSID,
		Params:         session.DefaultParams(),
	}, nil
}
