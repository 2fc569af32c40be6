package securechannel

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"

	"github.com/embermesh/matter/pkg/credentials"
	"github.com/embermesh/matter/pkg/crypto"
	"github.com/embermesh/matter/pkg/exchange"
	"github.com/embermesh/matter/pkg/fabric"
	"github.com/embermesh/matter/pkg/session"
	"github.com/embermesh/matter/pkg/tlv"
)

// Sigma message tags.
const (
	tagS1InitiatorRandom = 1
	tagS1InitiatorSID    = 2
	tagS1DestinationID   = 3
	tagS1EphPubKey       = 4
	tagS1ResumptionID    = 6
	tagS1ResumeMIC       = 7

	tagS2ResponderRandom = 1
	tagS2ResponderSID    = 2
	tagS2EphPubKey       = 3
	tagS2Encrypted       = 4

	tagS3Encrypted = 1

	tagTBENOC          = 1
	tagTBEICAC         = 2
	tagTBESignature    = 3
	tagTBEResumptionID = 4

	tagResumeResumptionID = 1
	tagResumeMIC          = 2
	tagResumeResponderSID = 3
)

var (
	sigma2Nonce = []byte("NCASE_Sigma2N")
	sigma3Nonce = []byte("NCASE_Sigma3N")
)

// ResumeLookup resolves a peer-offered resumption id to the stored
// shared secret and peer identity.
type ResumeLookup func(resumptionID []byte) (secret []byte, peer fabric.NodeID, index fabric.Index, ok bool)

// destinationID binds Sigma1 to one fabric+node (Spec 4.14.2.3).
func destinationID(ipk, initiatorRandom, rootPublicKey []byte, fabricID fabric.ID, nodeID fabric.NodeID) []byte {
	msg := make([]byte, 0, len(initiatorRandom)+len(rootPublicKey)+16)
	msg = append(msg, initiatorRandom...)
	msg = append(msg, rootPublicKey...)
	msg = binary.LittleEndian.AppendUint64(msg, uint64(fabricID))
	msg = binary.LittleEndian.AppendUint64(msg, uint64(nodeID))
	return crypto.HMAC(ipk, msg)
}

// sigmaSalt builds the per-step KDF salt: ipk || transcript hash.
func sigmaSalt(ipk []byte, transcript ...[]byte) []byte {
	var all []byte
	for _, t := range transcript {
		all = append(all, t...)
	}
	return append(append([]byte(nil), ipk...), crypto.Hash(all)...)
}

// encodeTBE encrypts the NOC/signature payload for Sigma2/Sigma3.
func encodeTBE(key, nonce, noc, icac, signature, resumptionID []byte) ([]byte, error) {
	w := tlv.NewWriter()
	w.StartStruct(tlv.Anonymous())
	w.PutBytes(tlv.ContextTag(tagTBENOC), noc)
	if len(icac) > 0 {
		w.PutBytes(tlv.ContextTag(tagTBEICAC), icac)
	}
	w.PutBytes(tlv.ContextTag(tagTBESignature), signature)
	if len(resumptionID) > 0 {
		w.PutBytes(tlv.ContextTag(tagTBEResumptionID), resumptionID)
	}
	w.EndContainer()

	aead, err := crypto.NewAEAD(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nonce, w.Bytes(), nil)
}

type tbe struct {
	noc, icac, signature, resumptionID []byte
}

func decodeTBE(key, nonce, sealed []byte) (*tbe, error) {
	aead, err := crypto.NewAEAD(key)
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nonce, sealed, nil)
	if err != nil {
		return nil, err
	}
	out := &tbe{}
	r := tlv.NewReader(plain)
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
		b, err := r.Bytes()
		if err != nil {
			return nil, ErrMalformedMessage
		}
		switch r.Tag().Number() {
		case tagTBENOC:
			out.noc = append([]byte(nil), b...)
		case tagTBEICAC:
			out.icac = append([]byte(nil), b...)
		case tagTBESignature:
			out.signature = append([]byte(nil), b...)
		case tagTBEResumptionID:
			out.resumptionID = append([]byte(nil), b...)
		}
	}
	if len(out.noc) == 0 || len(out.signature) == 0 {
		return nil, ErrMalformedMessage
	}
	return out, nil
}

// sigmaSignedMessage is the byte string each side signs: its own cert
// chain plus both ephemeral keys.
func sigmaSignedMessage(noc, icac, ownEph, peerEph []byte) []byte {
	msg := append([]byte(nil), noc...)
	msg = append(msg, icac...)
	msg = append(msg, ownEph...)
	msg = append(msg, peerEph...)
	return msg
}

// CaseInitiate runs the initiator side of CASE against peerNodeID on
// the given fabric. When resumption state is available it is offered;
// the responder may still force a full handshake.
func CaseInitiate(ctx context.Context, ex *exchange.Exchange, fab *fabric.Info, peerNodeID fabric.NodeID, localSessionID uint16, resumptionID, resumptionSecret []byte) (*EstablishResult, error) {
	rootCert, err := credentials.Decode(fab.RootCert)
	if err != nil {
		return nil, err
	}

	eph, err := crypto.GenerateKeypair()
	if err != nil {
		return nil, err
	}
	initRandom := make([]byte, 32)
	if _, err := rand.Read(initRandom); err != nil {
		return nil, err
	}

	w := tlv.NewWriter()
	w.StartStruct(tlv.Anonymous())
	w.PutBytes(tlv.ContextTag(tagS1InitiatorRandom), initRandom)
	w.PutUint(tlv.ContextTag(tagS1InitiatorSID), uint64(localSessionID))
	w.PutBytes(tlv.ContextTag(tagS1DestinationID),
		destinationID(fab.IPK, initRandom, rootCert.PublicKey, fab.FabricID, peerNodeID))
	w.PutBytes(tlv.ContextTag(tagS1EphPubKey), eph.PublicKey())
	if len(resumptionID) == session.ResumptionIDSize && len(resumptionSecret) > 0 {
		w.PutBytes(tlv.ContextTag(tagS1ResumptionID), resumptionID)
		w.PutBytes(tlv.ContextTag(tagS1ResumeMIC),
			crypto.HMAC(resumptionSecret, append(initRandom, resumptionID...)))
	}
	w.EndContainer()
	sigma1 := append([]byte(nil), w.Bytes()...)

	if err := ex.Send(uint8(OpcodeSigma1), sigma1, true); err != nil {
		return nil, err
	}
	resp, err := ex.Recv(ctx)
	if err != nil {
		return nil, err
	}

	switch Opcode(resp.Header.Opcode) {
	case OpcodeSigma2Resume:
		return caseInitiatorResume(ex, resp.Payload, sigma1, initRandom, resumptionSecret, fab, peerNodeID, localSessionID)
	case OpcodeSigma2:
		// fall through to the full handshake below
	case OpcodeStatusReport:
		return nil, ErrEstablishmentFailed
	default:
		return nil, ErrUnexpectedMessage
	}

	var respRandom, respEph, encrypted2 []byte
	var peerSID uint16
	r := tlv.NewReader(resp.Payload)
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
		case tagS2ResponderRandom:
			b, _ := r.Bytes()
			respRandom = append([]byte(nil), b...)
		case tagS2ResponderSID:
			v, _ := r.Uint()
			peerSID = uint16(v)
		case tagS2EphPubKey:
			b, _ := r.Bytes()
			respEph = append([]byte(nil), b...)
		case tagS2Encrypted:
			b, _ := r.Bytes()
			encrypted2 = append([]byte(nil), b...)
		}
	}
	if len(respEph) == 0 || len(encrypted2) == 0 {
		return nil, ErrMalformedMessage
	}

	shared, err := eph.ECDH(respEph)
	if err != nil {
		return nil, err
	}
	secret := append(append([]byte(nil), fab.IPK...), shared...)

	s2k, err := crypto.KDF(secret, sigmaSalt(fab.IPK, sigma1, respRandom, respEph), []byte("Sigma2"), crypto.SymmetricKeySize)
	if err != nil {
		return nil, err
	}
	tbe2, err := decodeTBE(s2k, sigma2Nonce, encrypted2)
	if err != nil {
		return nil, err
	}
	peerNOC, err := credentials.VerifyChain(tbe2.noc, tbe2.icac, fab.RootCert)
	if err != nil {
		return nil, err
	}
	if peerNOC.NodeID != peerNodeID || peerNOC.FabricID != fab.FabricID {
		return nil, credentials.ErrWrongSubject
	}
	if err := crypto.Verify(peerNOC.PublicKey,
		sigmaSignedMessage(tbe2.noc, tbe2.icac, respEph, eph.PublicKey()), tbe2.signature); err != nil {
		return nil, err
	}

	// Sigma3: prove our own identity.
	sig, err := fab.Keys.Sign(sigmaSignedMessage(fab.NOCert, fab.ICACert, eph.PublicKey(), respEph))
	if err != nil {
		return nil, err
	}
	s3k, err := crypto.KDF(secret, sigmaSalt(fab.IPK, sigma1, resp.Payload), []byte("Sigma3"), crypto.SymmetricKeySize)
	if err != nil {
		return nil, err
	}
	encrypted3, err := encodeTBE(s3k, sigma3Nonce, fab.NOCert, fab.ICACert, sig, nil)
	if err != nil {
		return nil, err
	}
	w3 := tlv.NewWriter()
	w3.StartStruct(tlv.Anonymous())
	w3.PutBytes(tlv.ContextTag(tagS3Encrypted), encrypted3)
	w3.EndContainer()
	sigma3 := append([]byte(nil), w3.Bytes()...)
	if err := ex.Send(uint8(OpcodeSigma3), sigma3, true); err != nil {
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
	if err != nil || !report.IsSuccess() {
		return nil, ErrEstablishmentFailed
	}

	keys, err := deriveSessionKeys(secret, sigmaSalt(fab.IPK, sigma1, resp.Payload, sigma3))
	if err != nil {
		return nil, err
	}
	return &EstablishResult{
		Keys:           keys,
		LocalSessionID: localSessionID,
		PeerSessionID:  peerSID,
		Params:         session.DefaultParams(),
		SharedSecret:   shared,
		ResumptionID:   tbe2.resumptionID,
		PeerNodeID:     uint64(peerNodeID),
		FabricIndex:    uint8(fab.Index),
	}, nil
}

// caseInitiatorResume finishes an abbreviated handshake.
func caseInitiatorResume(ex *exchange.Exchange, payload, sigma1, initRandom, secret []byte, fab *fabric.Info, peerNodeID fabric.NodeID, localSessionID uint16) (*EstablishResult, error) {
	if len(secret) == 0 {
		return nil, ErrUnexpectedMessage
	}
	var newID, mic []byte
	var peerSID uint16
	r := tlv.NewReader(payload)
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
		case tagResumeResumptionID:
			b, _ := r.Bytes()
			newID = append([]byte(nil), b...)
		case tagResumeMIC:
			b, _ := r.Bytes()
			mic = append([]byte(nil), b...)
		case tagResumeResponderSID:
			v, _ := r.Uint()
			peerSID = uint16(v)
		}
	}
	want := crypto.HMAC(secret, append(append([]byte(nil), initRandom...), newID...))
	if !bytes.Equal(mic, want) {
		return nil, ErrEstablishmentFailed
	}
	if err := ex.Send(uint8(OpcodeStatusReport), successReport(), true); err != nil {
		return nil, err
	}
	keys, err := deriveSessionKeys(secret, sigmaSalt(fab.IPK, sigma1, payload))
	if err != nil {
		return nil, err
	}
	return &EstablishResult{
		Keys:           keys,
		LocalSessionID: localSessionID,
		PeerSessionID:  peerSID,
		Params:         session.DefaultParams(),
		SharedSecret:   secret,
		ResumptionID:   newID,
		PeerNodeID:     uint64(peerNodeID),
		FabricIndex:    uint8(fab.Index),
	}, nil
}

// CaseRespond runs the responder side of CASE. first is the Sigma1
// that opened the exchange.
func CaseRespond(ctx context.Context, ex *exchange.Exchange, first *exchange.Received, fabrics *fabric.Table, resume ResumeLookup, localSessionID uint16) (*EstablishResult, error) {
	if Opcode(first.Header.Opcode) != OpcodeSigma1 {
		return nil, ErrUnexpectedMessage
	}

	var initRandom, destID, initEph, offerID, offerMIC []byte
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
		case tagS1InitiatorRandom:
			b, _ := r.Bytes()
			initRandom = append([]byte(nil), b...)
		case tagS1InitiatorSID:
			v, _ := r.Uint()
			peerSID = uint16(v)
		case tagS1DestinationID:
			b, _ := r.Bytes()
			destID = append([]byte(nil), b...)
		case tagS1EphPubKey:
			b, _ := r.Bytes()
			initEph = append([]byte(nil), b...)
		case tagS1ResumptionID:
			b, _ := r.Bytes()
			offerID = append([]byte(nil), b...)
		case tagS1ResumeMIC:
			b, _ := r.Bytes()
			offerMIC = append([]byte(nil), b...)
		}
	}
	if len(initRandom) != 32 || len(destID) == 0 || len(initEph) == 0 {
		return nil, ErrMalformedMessage
	}

	// Abbreviated handshake when the offered resumption record checks
	// out.
	if len(offerID) == session.ResumptionIDSize && resume != nil {
		if secret, peer, index, ok := resume(offerID); ok {
			want := crypto.HMAC(secret, append(append([]byte(nil), initRandom...), offerID...))
			if bytes.Equal(offerMIC, want) {
				fab := fabrics.Get(index)
				if fab != nil {
					return caseResponderResume(ctx, ex, first.Payload, initRandom, secret, fab, peer, localSessionID)
				}
			}
		}
	}

	// Locate the fabric the destination id addresses.
	var fab *fabric.Info
	fabrics.ForEach(func(info *fabric.Info) error {
		rootCert, err := credentials.Decode(info.RootCert)
		if err != nil {
			return nil
		}
		want := destinationID(info.IPK, initRandom, rootCert.PublicKey, info.FabricID, info.NodeID)
		if bytes.Equal(want, destID) {
			fab = info
		}
		return nil
	})
	if fab == nil {
		ex.Send(uint8(OpcodeStatusReport), failureReport(StatusNoSharedTrustRoots), true)
		return nil, ErrNoSharedTrustRoots
	}

	eph, err := crypto.GenerateKeypair()
	if err != nil {
		return nil, err
	}
	shared, err := eph.ECDH(initEph)
	if err != nil {
		return nil, err
	}
	secret := append(append([]byte(nil), fab.IPK...), shared...)

	respRandom := make([]byte, 32)
	if _, err := rand.Read(respRandom); err != nil {
		return nil, err
	}
	newResumptionID := make([]byte, session.ResumptionIDSize)
	rand.Read(newResumptionID)

	sig, err := fab.Keys.Sign(sigmaSignedMessage(fab.NOCert, fab.ICACert, eph.PublicKey(), initEph))
	if err != nil {
		return nil, err
	}
	s2k, err := crypto.KDF(secret, sigmaSalt(fab.IPK, first.Payload, respRandom, eph.PublicKey()), []byte("Sigma2"), crypto.SymmetricKeySize)
	if err != nil {
		return nil, err
	}
	encrypted2, err := encodeTBE(s2k, sigma2Nonce, fab.NOCert, fab.ICACert, sig, newResumptionID)
	if err != nil {
		return nil, err
	}

	w := tlv.NewWriter()
	w.StartStruct(tlv.Anonymous())
	w.PutBytes(tlv.ContextTag(tagS2ResponderRandom), respRandom)
	w.PutUint(tlv.ContextTag(tagS2ResponderSID), uint64(localSessionID))
	w.PutBytes(tlv.ContextTag(tagS2EphPubKey), eph.PublicKey())
	w.PutBytes(tlv.ContextTag(tagS2Encrypted), encrypted2)
	w.EndContainer()
	sigma2 := append([]byte(nil), w.Bytes()...)
	if err := ex.Send(uint8(OpcodeSigma2), sigma2, true); err != nil {
		return nil, err
	}

	s3msg, err := ex.Recv(ctx)
	if err != nil {
		return nil, err
	}
	if Opcode(s3msg.Header.Opcode) != OpcodeSigma3 {
		return nil, ErrUnexpectedMessage
	}
	var encrypted3 []byte
	if err := decodeStructBytes(s3msg.Payload, map[uint32]*[]byte{tagS3Encrypted: &encrypted3}); err != nil {
		return nil, err
	}
	s3k, err := crypto.KDF(secret, sigmaSalt(fab.IPK, first.Payload, sigma2), []byte("Sigma3"), crypto.SymmetricKeySize)
	if err != nil {
		return nil, err
	}
	tbe3, err := decodeTBE(s3k, sigma3Nonce, encrypted3)
	if err != nil {
		ex.Send(uint8(OpcodeStatusReport), failureReport(StatusInvalidParameter), true)
		return nil, err
	}
	peerNOC, err := credentials.VerifyChain(tbe3.noc, tbe3.icac, fab.RootCert)
	if err != nil {
		ex.Send(uint8(OpcodeStatusReport), failureReport(StatusInvalidParameter), true)
		return nil, err
	}
	if peerNOC.FabricID != fab.FabricID {
		ex.Send(uint8(OpcodeStatusReport), failureReport(StatusNoSharedTrustRoots), true)
		return nil, ErrNoSharedTrustRoots
	}
	if err := crypto.Verify(peerNOC.PublicKey,
		sigmaSignedMessage(tbe3.noc, tbe3.icac, initEph, eph.PublicKey()), tbe3.signature); err != nil {
		ex.Send(uint8(OpcodeStatusReport), failureReport(StatusInvalidParameter), true)
		return nil, err
	}

	if err := ex.Send(uint8(OpcodeStatusReport), successReport(), true); err != nil {
		return nil, err
	}

	keys, err := deriveSessionKeys(secret, sigmaSalt(fab.IPK, first.Payload, sigma2, s3msg.Payload))
	if err != nil {
		return nil, err
	}
	return &EstablishResult{
		Keys:           keys,
		LocalSessionID: localSessionID,
		PeerSessionID:  peerSID,
		Params:         session.DefaultParams(),
		SharedSecret:   shared,
		ResumptionID:   newResumptionID,
		PeerNodeID:     uint64(peerNOC.NodeID),
		FabricIndex:    uint8(fab.Index),
	}, nil
}

// caseResponderResume answers Sigma1 with Sigma2Resume.
func caseResponderResume(ctx context.Context, ex *exchange.Exchange, sigma1, initRandom, secret []byte, fab *fabric.Info, peer fabric.NodeID, localSessionID uint16) (*EstablishResult, error) {
	newID := make([]byte, session.ResumptionIDSize)
	rand.Read(newID)

	w := tlv.NewWriter()
	w.StartStruct(tlv.Anonymous())
	w.PutBytes(tlv.ContextTag(tagResumeResumptionID), newID)
	w.PutBytes(tlv.ContextTag(tagResumeMIC),
		crypto.HMAC(secret, append(append([]byte(nil), initRandom...), newID...)))
	w.PutUint(tlv.ContextTag(tagResumeResponderSID), uint64(localSessionID))
	w.EndContainer()
	payload := append([]byte(nil), w.Bytes()...)
	if err := ex.Send(uint8(OpcodeSigma2Resume), payload, true); err != nil {
		return nil, err
	}

	status, err := ex.Recv(ctx)
	if err != nil {
		return nil, err
	}
	report, err := DecodeStatusReport(status.Payload)
	if err != nil || !report.IsSuccess() {
		return nil, ErrEstablishmentFailed
	}

	keys, err := deriveSessionKeys(secret, sigmaSalt(fab.IPK, sigma1, payload))
	if err != nil {
		return nil, err
	}
	var peerSID uint16
	// The initiator session id came in Sigma1; re-parse just that tag.
	r := tlv.NewReader(sigma1)
	if r.Next() == nil && r.EnterContainer() == nil {
		for r.Next() == nil {
			if r.Tag().Number() == tagS1InitiatorSID {
				v, _ := r.Uint()
				peerSID = uint16(v)
			}
		}
	}
	return &EstablishResult{
		Keys:           keys,
		LocalSessionID: localSessionID,
		PeerSessionID:  peerSID,
		Params:         session.DefaultParams(),
		SharedSecret:   secret,
		ResumptionID:   newID,
		PeerNodeID:     uint64(peer),
		FabricIndex:    uint8(fab.Index),
	}, nil
}
