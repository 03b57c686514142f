package zrtp

import (
	"bytes"
	"crypto/rand"
	"time"

	"github.com/opd-ai/securemedia/crypto"
	"github.com/sirupsen/logrus"
)

// randRead fills nonces, IVs and random ids. Tests replace it.
var randRead = rand.Read

func (e *Engine) handleHello(msg []byte) {
	switch e.state {
	case StateDetect, StateAckDetected:
	case StateAckSent:
		if bytes.Equal(msg, e.peerHelloMsg) {
			e.send(newAckMessage(MsgHelloACK))
		}
		return
	default:
		// Commit already acknowledged the peer Hello.
		return
	}

	hello, err := ParseHello(msg)
	if err != nil {
		e.sendError(ErrMalformedPacket)
		return
	}
	if !versionCompatible(hello.Version) {
		e.sendError(ErrUnsupportedVersion)
		return
	}
	if hello.ZID == e.ownZID {
		e.sendError(ErrEqualZIDHello)
		return
	}

	e.peerHello = hello
	e.peerHelloMsg = msg
	e.peerZID = hello.ZID
	e.chain.anchor(hello.H3[:], msg)

	rec, err := e.cache.Load(hello.ZID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Engine.handleHello",
			"peer":     hello.ZID.String(),
			"error":    err.Error(),
		}).Warn("Failed to load ZID cache record")
	}
	e.record = rec

	logrus.WithFields(logrus.Fields{
		"function":  "Engine.handleHello",
		"peer":      hello.ZID.String(),
		"client_id": hello.ClientID,
		"cached":    rec != nil,
	}).Debug("Received peer Hello")
	e.cb.SendInfo(Info, InfoHelloReceived)

	if e.state == StateAckDetected {
		e.sendCommit()
		return
	}
	e.send(newAckMessage(MsgHelloACK))
	e.setState(StateAckSent)
}

func (e *Engine) handleHelloACK() {
	switch e.state {
	case StateDetect:
		e.cancelTimer()
		e.setState(StateAckDetected)
	case StateAckSent:
		e.cancelTimer()
		e.sendCommit()
	}
}

// negotiate picks the algorithms from the peer Hello in our preference
// order.
func (e *Engine) negotiate() {
	p := e.peerHello
	e.hash = choose(e.cfg.Hashes, p.Hashes, HashS256)
	e.cipher = choose(e.cfg.Ciphers, p.Ciphers, CipherAES1)
	e.authTag = choose(e.cfg.AuthTags, p.AuthTags, AuthHS32)
	e.sasAlgo = choose(e.cfg.SASTypes, p.SASTypes, SASB32)

	if e.multi.Valid() && contains(p.KeyAgreements, KeyAgreementMult) {
		e.keyAgreement = KeyAgreementMult
		return
	}
	var dh []KeyAgreementAlgo
	for _, k := range e.cfg.KeyAgreements {
		if k.IsDH() {
			dh = append(dh, k)
		}
	}
	e.keyAgreement = choose(dh, p.KeyAgreements, KeyAgreementX255)
}

func (e *Engine) sendCommit() {
	e.negotiate()
	e.role = Initiator

	c := &Commit{
		ZID:          e.ownZID,
		Hash:         e.hash,
		Cipher:       e.cipher,
		AuthTag:      e.authTag,
		KeyAgreement: e.keyAgreement,
		SAS:          e.sasAlgo,
	}
	copy(c.H2[:], e.h2)

	if e.keyAgreement.IsDH() {
		if e.dhKey == nil {
			e.sendError(ErrUnsuppPKExchange)
			return
		}
		// hvi commits to DHPart2 before the responder's public value is seen.
		e.dhPartMsg = e.buildDHPart(MsgDHPart2)
		copy(c.HVI[:], hashOf(e.dhPartMsg, e.peerHelloMsg))
	} else if _, err := randRead(c.Nonce[:]); err != nil {
		e.sendError(ErrCriticalSWError)
		return
	}

	e.commit = c
	e.commitMsg = c.Marshal()
	setMAC(e.commitMsg, e.h1)

	e.setState(StateCommitSent)
	e.send(e.commitMsg)
	e.startTimer(&e.t2)
	e.cb.SendInfo(Info, InfoCommitDHGenerated)
}

// buildDHPart creates our DHPart with retained secret ids for our role.
func (e *Engine) buildDHPart(t MessageType) []byte {
	role := Responder
	if t == MsgDHPart2 {
		role = Initiator
	}
	d := &DHPart{Type: t, PV: append([]byte(nil), e.dhKey.Public[:]...)}
	copy(d.H1[:], e.h1)

	rs1, rs2 := e.record.validSecrets(e.clock.Now())
	fillRandom := func(dst []byte, field string) {
		if _, err := randRead(dst); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Engine.buildDHPart",
				"field":    field,
				"error":    err.Error(),
			}).Error("Failed to generate random id")
		}
	}
	fillID := func(dst *[rsIDLength]byte, rs []byte, field string) {
		if rs != nil {
			*dst = rsID(rs, role)
			return
		}
		fillRandom(dst[:], field)
	}
	fillID(&d.RS1ID, rs1, "rs1_id")
	fillID(&d.RS2ID, rs2, "rs2_id")
	fillRandom(d.AuxID[:], "aux_id")
	fillRandom(d.PBXID[:], "pbx_id")

	msg := d.Marshal()
	setMAC(msg, e.h0)
	return msg
}

func (e *Engine) validateCommit(c *Commit) (ErrorCode, bool) {
	switch {
	case !contains(e.cfg.Hashes, c.Hash):
		return ErrUnsuppHashType, false
	case !contains(e.cfg.Ciphers, c.Cipher):
		return ErrUnsuppCipherType, false
	case !contains(e.cfg.AuthTags, c.AuthTag):
		return ErrUnsuppSRTPAuthTag, false
	case !contains(e.cfg.KeyAgreements, c.KeyAgreement):
		return ErrUnsuppPKExchange, false
	case !contains(e.cfg.SASTypes, c.SAS):
		return ErrUnsuppSASScheme, false
	case c.ZID != e.peerZID:
		return ErrMalformedPacket, false
	}
	return 0, true
}

func (e *Engine) handleCommit(msg []byte) {
	switch e.state {
	case StateAckSent, StateAckDetected:
	case StateCommitSent:
	case StateWaitDHPart2:
		if bytes.Equal(msg, e.peerCommitMsg) {
			e.send(e.dhPartMsg)
		}
		return
	case StateWaitConfirm2:
		if bytes.Equal(msg, e.peerCommitMsg) {
			e.send(e.confirmMsg)
		}
		return
	default:
		return
	}
	if e.peerHello == nil {
		return
	}

	c, err := ParseCommit(msg)
	if err != nil {
		e.sendError(ErrMalformedPacket)
		return
	}
	if code, ok := e.validateCommit(c); !ok {
		e.sendError(code)
		return
	}

	if e.state == StateCommitSent && !e.yieldCommit(c) {
		logrus.WithFields(logrus.Fields{
			"function": "Engine.handleCommit",
		}).Debug("Commit contention won, ignoring peer Commit")
		return
	}
	e.cancelTimer()
	e.respondToCommit(c, msg)
}

// yieldCommit resolves Commit contention. It reports whether we give up
// our own Commit and become responder.
func (e *Engine) yieldCommit(peer *Commit) bool {
	ownDH := e.commit.KeyAgreement.IsDH()
	peerDH := peer.KeyAgreement.IsDH()
	if ownDH != peerDH {
		// A non-DH Commit beats a DH Commit.
		return ownDH
	}
	if ownDH {
		return bytes.Compare(e.commit.HVI[:], peer.HVI[:]) < 0
	}
	return bytes.Compare(e.commit.Nonce[:], peer.Nonce[:]) < 0
}

func (e *Engine) respondToCommit(c *Commit, msg []byte) {
	if res, level := e.chain.learn(2, c.H2[:]); res != chainOK {
		e.chainFailure(res, level)
		return
	}
	e.chain.expect(1, msg)

	e.role = Responder
	e.peerCommit = c
	e.peerCommitMsg = msg
	e.hash = c.Hash
	e.cipher = c.Cipher
	e.authTag = c.AuthTag
	e.keyAgreement = c.KeyAgreement
	e.sasAlgo = c.SAS
	e.commit, e.commitMsg = nil, nil
	e.cb.SendInfo(Info, InfoRespCommitReceived)

	if c.KeyAgreement.IsDH() {
		if e.dhKey == nil {
			e.sendError(ErrUnsuppPKExchange)
			return
		}
		e.dhPartMsg = e.buildDHPart(MsgDHPart1)
		e.setState(StateWaitDHPart2)
		e.send(e.dhPartMsg)
		e.cb.SendInfo(Info, InfoDH1DHGenerated)
		return
	}

	if !e.multi.Valid() {
		e.sendError(ErrNoSharedSecret)
		return
	}
	totalHash := hashOf(e.helloMsg, msg)
	ctx := kdfContext(e.peerZID, e.ownZID, totalHash)
	e.keys = deriveKeys(computeS0Multi(e.multi.SessionKey, ctx), ctx, e.cipher)
	e.sendConfirm(MsgConfirm1)
}

func (e *Engine) handleDHPart1(msg []byte) {
	if e.state != StateCommitSent || e.commit == nil || !e.commit.KeyAgreement.IsDH() {
		return
	}
	d, err := ParseDHPart(msg)
	if err != nil {
		e.sendError(ErrMalformedPacket)
		return
	}
	if len(d.PV) != e.keyAgreement.PublicValueLength() {
		e.sendError(ErrDHErrorWrongPV)
		return
	}
	if res, level := e.chain.learn(1, d.H1[:]); res != chainOK {
		e.chainFailure(res, level)
		return
	}
	e.chain.expect(0, msg)
	e.cancelTimer()
	e.peerDHPartMsg = msg
	e.cb.SendInfo(Info, InfoInitDH1Received)

	dh, ok := e.dhResult(d.PV)
	if !ok {
		return
	}
	defer crypto.ZeroBytes(dh)

	s1 := e.matchRetainedSecret(d.RS1ID, d.RS2ID)
	totalHash := hashOf(e.peerHelloMsg, e.commitMsg, msg, e.dhPartMsg)
	s0 := computeS0DH(dh, e.ownZID, e.peerZID, totalHash, s1, nil, nil)
	defer crypto.ZeroBytes(s0)
	e.keys = deriveKeys(s0, kdfContext(e.ownZID, e.peerZID, totalHash), e.cipher)
	e.sas = RenderSAS(e.keys.sasValue)

	e.setState(StateWaitConfirm1)
	e.send(e.dhPartMsg)
	e.startTimer(&e.t2)
}

func (e *Engine) handleDHPart2(msg []byte) {
	switch e.state {
	case StateWaitDHPart2:
	case StateWaitConfirm2:
		if bytes.Equal(msg, e.peerDHPartMsg) {
			e.send(e.confirmMsg)
		}
		return
	default:
		return
	}
	d, err := ParseDHPart(msg)
	if err != nil {
		e.sendError(ErrMalformedPacket)
		return
	}
	if len(d.PV) != e.keyAgreement.PublicValueLength() {
		e.sendError(ErrDHErrorWrongPV)
		return
	}
	if res, level := e.chain.learn(1, d.H1[:]); res != chainOK {
		e.chainFailure(res, level)
		return
	}
	if !bytes.Equal(hashOf(msg, e.helloMsg), e.peerCommit.HVI[:]) {
		e.sendError(ErrDHErrorWrongHVI)
		return
	}
	e.chain.expect(0, msg)
	e.peerDHPartMsg = msg
	e.cb.SendInfo(Info, InfoRespDH2Received)

	dh, ok := e.dhResult(d.PV)
	if !ok {
		return
	}
	defer crypto.ZeroBytes(dh)

	s1 := e.matchRetainedSecret(d.RS1ID, d.RS2ID)
	totalHash := hashOf(e.helloMsg, e.peerCommitMsg, e.dhPartMsg, msg)
	s0 := computeS0DH(dh, e.peerZID, e.ownZID, totalHash, s1, nil, nil)
	defer crypto.ZeroBytes(s0)
	e.keys = deriveKeys(s0, kdfContext(e.peerZID, e.ownZID, totalHash), e.cipher)
	e.sas = RenderSAS(e.keys.sasValue)

	e.sendConfirm(MsgConfirm1)
}

func (e *Engine) dhResult(pv []byte) ([]byte, bool) {
	var peer [32]byte
	copy(peer[:], pv)
	shared, err := crypto.DeriveSharedSecret(peer, e.dhKey.Private)
	if err != nil {
		e.sendError(ErrDHErrorWrongPV)
		return nil, false
	}
	return shared[:], true
}

// matchRetainedSecret returns the retained secret both sides share, chosen
// in the initiator's order so that both ends pick the same one.
func (e *Engine) matchRetainedSecret(peerRS1, peerRS2 [rsIDLength]byte) []byte {
	rs1, rs2 := e.record.validSecrets(e.clock.Now())
	var s1 []byte
	if e.role == Initiator {
		for _, rs := range [][]byte{rs1, rs2} {
			if rs == nil {
				continue
			}
			if id := rsID(rs, Responder); id == peerRS1 || id == peerRS2 {
				s1 = rs
				break
			}
		}
	} else {
	outer:
		for _, pid := range [][rsIDLength]byte{peerRS1, peerRS2} {
			for _, rs := range [][]byte{rs1, rs2} {
				if rs != nil && rsID(rs, Initiator) == pid {
					s1 = rs
					break outer
				}
			}
		}
	}

	switch {
	case s1 != nil:
		e.rsMatched = true
		e.cb.SendInfo(Info, InfoRSMatchFound)
	case rs1 != nil || rs2 != nil:
		e.rsMatched = false
		e.cb.SendInfo(Warning, WarningNoExpectedRSMatch)
	default:
		e.rsMatched = false
		e.cb.SendInfo(Warning, WarningNoRSMatch)
	}
	return s1
}

// ownVerified is the verified flag we advertise in Confirm.
func (e *Engine) ownVerified() bool {
	if e.cfg.Paranoid || e.keyAgreement == KeyAgreementMult {
		return false
	}
	return e.rsMatched && e.record != nil && e.record.SASVerified
}

func (e *Engine) sendConfirm(t MessageType) {
	body := &Confirm{
		Verified:   e.ownVerified(),
		AllowClear: e.cfg.AllowClear,
		Expiry:     e.cfg.expirySeconds(),
	}
	copy(body.H0[:], e.h0)

	iv := make([]byte, cfbIVLength)
	if _, err := randRead(iv); err != nil {
		e.sendError(ErrCriticalSWError)
		return
	}
	zrtpKey, hmacKey := e.keys.zrtpKeyR, e.keys.hmacKeyR
	if t == MsgConfirm2 {
		zrtpKey, hmacKey = e.keys.zrtpKeyI, e.keys.hmacKeyI
	}
	msg, err := sealConfirm(t, body, zrtpKey, hmacKey, iv)
	if err != nil {
		e.sendError(ErrCriticalSWError)
		return
	}
	e.confirmMsg = msg

	if t == MsgConfirm1 {
		e.setState(StateWaitConfirm2)
		e.send(msg)
		return
	}
	e.setState(StateWaitConfAck)
	e.send(msg)
	e.startTimer(&e.t2)
}

func (e *Engine) handleConfirm1(msg []byte) {
	switch e.state {
	case StateWaitConfirm1:
	case StateCommitSent:
		if e.commit == nil || e.commit.KeyAgreement != KeyAgreementMult {
			return
		}
		totalHash := hashOf(e.peerHelloMsg, e.commitMsg)
		ctx := kdfContext(e.ownZID, e.peerZID, totalHash)
		e.keys = deriveKeys(computeS0Multi(e.multi.SessionKey, ctx), ctx, e.cipher)
	case StateWaitConfAck:
		e.send(e.confirmMsg)
		return
	default:
		return
	}

	c, macOK, err := openConfirm(msg, e.keys.zrtpKeyR, e.keys.hmacKeyR)
	if err != nil {
		e.sendError(ErrMalformedPacket)
		return
	}
	if !macOK {
		e.sendError(ErrConfirmHMACWrong)
		return
	}
	if res, level := e.chain.learn(0, c.H0[:]); res != chainOK {
		e.chainFailure(res, level)
		return
	}
	e.cancelTimer()
	e.peerVerified = c.Verified
	e.peerClear = c.AllowClear
	e.cb.SendInfo(Info, InfoInitConf1Received)

	e.sendConfirm(MsgConfirm2)
	if e.state != StateWaitConfAck {
		return
	}
	if !e.srtpReady(ForReceiver) {
		e.sendError(ErrCriticalSWError)
	}
}

func (e *Engine) handleConfirm2(msg []byte) {
	switch e.state {
	case StateWaitConfirm2:
	case StateSecure:
		if e.role == Responder {
			e.send(newAckMessage(MsgConf2ACK))
		}
		return
	default:
		return
	}

	c, macOK, err := openConfirm(msg, e.keys.zrtpKeyI, e.keys.hmacKeyI)
	if err != nil {
		e.sendError(ErrMalformedPacket)
		return
	}
	if !macOK {
		e.sendError(ErrConfirmHMACWrong)
		return
	}
	if res, level := e.chain.learn(0, c.H0[:]); res != chainOK {
		e.chainFailure(res, level)
		return
	}
	e.peerVerified = c.Verified
	e.peerClear = c.AllowClear
	e.cb.SendInfo(Info, InfoRespConf2Received)

	e.send(newAckMessage(MsgConf2ACK))
	if !e.srtpReady(ForReceiver | ForSender) {
		e.sendError(ErrCriticalSWError)
		return
	}
	e.enterSecure()
}

func (e *Engine) handleConf2ACK() {
	if e.state != StateWaitConfAck {
		return
	}
	e.cancelTimer()
	if !e.srtpReady(ForSender) {
		e.sendError(ErrCriticalSWError)
		return
	}
	e.enterSecure()
}

func (e *Engine) enterSecure() {
	e.setState(StateSecure)

	verified := false
	if e.keyAgreement != KeyAgreementMult {
		verified = e.updateCache()
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Engine.enterSecure",
		"role":        e.role.String(),
		"cipher":      e.cipherString(),
		"multistream": e.keyAgreement == KeyAgreementMult,
		"verified":    verified,
	}).Info("ZRTP session secure")

	e.cb.SendInfo(Info, InfoSecureStateOn)
	e.cb.SRTPSecretsOn(e.cipherString(), e.sas, verified)
}

// updateCache rotates the retained secrets and returns the effective SAS
// verified state.
func (e *Engine) updateCache() bool {
	rec := e.record
	if rec == nil {
		rec = &CacheRecord{}
	}
	if !e.rsMatched {
		rec.SASVerified = false
	}
	verified := !e.cfg.Paranoid && rec.SASVerified && e.peerVerified

	now := e.clock.Now()
	rec.RS2, rec.RS2Expiry = rec.RS1, rec.RS1Expiry
	rec.RS1 = append([]byte(nil), e.keys.newRS1...)
	rec.RS1Expiry = timeAfter(now, e.cfg.expirySeconds())
	rec.MitM = e.peerHello != nil && e.peerHello.MitM
	rec.LastUse = now
	e.record = rec

	if err := e.cache.Save(e.peerZID, rec); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Engine.updateCache",
			"peer":     e.peerZID.String(),
			"error":    err.Error(),
		}).Warn("Failed to save ZID cache record")
	}
	return verified
}

func (e *Engine) chainFailure(res chainResult, level int) {
	dhCode := SevereDH2HMACFailed
	if e.role == Initiator {
		dhCode = SevereDH1HMACFailed
	}

	code := SevereProtocolError
	switch res {
	case chainMACFailed:
		switch level {
		case 2:
			code = SevereHelloHMACFailed
		case 1:
			code = SevereCommitHMACFailed
		case 0:
			code = dhCode
		}
	case chainMismatch:
		// The image at level was carried by Commit, DHPart or Confirm.
		switch level {
		case 2:
			code = SevereCommitHMACFailed
		case 1:
			code = dhCode
		}
	}
	e.fail(Severe, code)
}

func (e *Engine) handleError(msg []byte) {
	code, err := parseErrorCode(msg)
	if err != nil {
		return
	}
	e.send(newAckMessage(MsgErrorACK))
	if e.state == StateWaitErrorAck {
		return
	}
	e.cancelTimer()
	e.secretsOff()
	e.setState(StateInitial)
	logrus.WithFields(logrus.Fields{
		"function": "Engine.handleError",
		"code":     code.String(),
	}).Warn("Peer reported ZRTP error")
	e.cb.NegotiationFailed(ZrtpError, int(code))
}

func (e *Engine) handleErrorACK() {
	if e.state != StateWaitErrorAck {
		return
	}
	e.cancelTimer()
	e.setState(StateInitial)
}

func (e *Engine) handleGoClear(msg []byte) {
	if e.state != StateSecure || e.keys == nil {
		return
	}
	if !e.cfg.AllowClear {
		e.sendError(ErrGoClearNotAllowed)
		return
	}
	if len(msg) != headerLength+macLength || !bytes.Equal(msg[headerLength:], clearMAC(e.peerHMACKey())) {
		logrus.WithFields(logrus.Fields{
			"function": "Engine.handleGoClear",
		}).Warn("Dropping GoClear with bad clear_mac")
		return
	}
	e.send(newAckMessage(MsgClearACK))
	e.secretsOff()
	e.setState(StateInitial)
	e.cb.SendInfo(Warning, WarningGoClearReceived)
	e.cb.HandleGoClear()
}

func (e *Engine) handleClearACK() {
	if e.state != StateWaitClearAck {
		return
	}
	e.cancelTimer()
	e.secretsOff()
	e.setState(StateInitial)
	e.cb.SendInfo(Info, InfoSecureStateOff)
}

func (e *Engine) handlePing(msg []byte) {
	ep, err := parsePing(msg)
	if err != nil {
		return
	}
	e.send(newPingACKMessage(e.endpointHash(), ep, e.peerSSRC))
}

func timeAfter(now time.Time, seconds uint32) time.Time {
	if seconds == 0xffffffff {
		return time.Time{}
	}
	return now.Add(time.Duration(seconds) * time.Second)
}
