package zrtp

// Callback is implemented by the host of an Engine. All methods are called
// with the engine lock held and must not block or re-enter the engine.
type Callback interface {
	// SendDataZRTP transmits one ZRTP message. The host adds packet
	// framing. It returns false if the message could not be sent.
	SendDataZRTP(data []byte) bool

	// ActivateTimer arms the single protocol timer. A pending timer is
	// replaced. When it fires the host calls Engine.ProcessTimeout.
	ActivateTimer(ms int) bool

	// CancelTimer disarms the protocol timer.
	CancelTimer() bool

	// SRTPSecretsReady hands over the SRTP keys for the given directions.
	SRTPSecretsReady(secrets *SRTPSecrets, part EnableSecurity) bool

	// SRTPSecretsOff tears down the SRTP contexts for the given directions.
	SRTPSecretsOff(part EnableSecurity)

	// SRTPSecretsOn reports that the session is secure.
	SRTPSecretsOn(cipher, sas string, verified bool)

	// SendInfo reports a non-fatal status change.
	SendInfo(severity Severity, subCode int)

	// NegotiationFailed reports a fatal error. For ZrtpError the sub code
	// is an ErrorCode.
	NegotiationFailed(severity Severity, subCode int)

	// NoSupportOtherZRTP reports that the peer never answered a Hello.
	NoSupportOtherZRTP()

	// HandleGoClear reports that the peer switched the stream to clear.
	HandleGoClear()
}
