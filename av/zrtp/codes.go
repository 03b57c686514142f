package zrtp

import "fmt"

// Severity classifies a status report sent through Callback.SendInfo or
// Callback.NegotiationFailed.
type Severity int

const (
	Info Severity = iota + 1
	Warning
	Severe
	ZrtpError
)

// String returns the severity name.
func (s Severity) String() string {
	switch s {
	case Info:
		return "info"
	case Warning:
		return "warning"
	case Severe:
		return "severe"
	case ZrtpError:
		return "zrtp-error"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// Info sub codes.
const (
	InfoHelloReceived = iota + 1
	InfoCommitDHGenerated
	InfoRespCommitReceived
	InfoDH1DHGenerated
	InfoInitDH1Received
	InfoRespDH2Received
	InfoInitConf1Received
	InfoRespConf2Received
	InfoRSMatchFound
	InfoSecureStateOn
	InfoSecureStateOff
)

// Warning sub codes.
const (
	WarningDHAESMismatch = iota + 1
	WarningGoClearReceived
	WarningDHShort
	WarningNoRSMatch
	WarningCRCMismatch
	WarningSRTPAuthError
	WarningSRTPReplayError
	WarningNoExpectedRSMatch
)

// Severe sub codes.
const (
	SevereHelloHMACFailed = iota + 1
	SevereCommitHMACFailed
	SevereDH1HMACFailed
	SevereDH2HMACFailed
	SevereCannotSend
	SevereProtocolError
	SevereNoTimer
	SevereTooMuchRetries
)

// ErrorCode is the code carried in a ZRTP Error message.
type ErrorCode uint32

const (
	ErrMalformedPacket    ErrorCode = 0x10
	ErrCriticalSWError    ErrorCode = 0x20
	ErrUnsupportedVersion ErrorCode = 0x30
	ErrHelloCompMismatch  ErrorCode = 0x40
	ErrUnsuppHashType     ErrorCode = 0x51
	ErrUnsuppCipherType   ErrorCode = 0x52
	ErrUnsuppPKExchange   ErrorCode = 0x53
	ErrUnsuppSRTPAuthTag  ErrorCode = 0x54
	ErrUnsuppSASScheme    ErrorCode = 0x55
	ErrNoSharedSecret     ErrorCode = 0x56
	ErrDHErrorWrongPV     ErrorCode = 0x61
	ErrDHErrorWrongHVI    ErrorCode = 0x62
	ErrSASUntrustedMitM   ErrorCode = 0x63
	ErrConfirmHMACWrong   ErrorCode = 0x70
	ErrNonceReused        ErrorCode = 0x80
	ErrEqualZIDHello      ErrorCode = 0x90
	ErrSSRCCollision      ErrorCode = 0x91
	ErrServiceUnavailable ErrorCode = 0xa0
	ErrProtocolTimeout    ErrorCode = 0xb0
	ErrGoClearNotAllowed  ErrorCode = 0x100
)

// String describes the error code.
func (c ErrorCode) String() string {
	switch c {
	case ErrMalformedPacket:
		return "malformed packet"
	case ErrCriticalSWError:
		return "critical software error"
	case ErrUnsupportedVersion:
		return "unsupported ZRTP version"
	case ErrHelloCompMismatch:
		return "hello components mismatch"
	case ErrUnsuppHashType:
		return "hash type not supported"
	case ErrUnsuppCipherType:
		return "cipher type not supported"
	case ErrUnsuppPKExchange:
		return "public key exchange not supported"
	case ErrUnsuppSRTPAuthTag:
		return "SRTP auth tag not supported"
	case ErrUnsuppSASScheme:
		return "SAS scheme not supported"
	case ErrNoSharedSecret:
		return "no shared secret available"
	case ErrDHErrorWrongPV:
		return "bad DH public value"
	case ErrDHErrorWrongHVI:
		return "hvi does not match hashed data"
	case ErrSASUntrustedMitM:
		return "relayed SAS from untrusted MitM"
	case ErrConfirmHMACWrong:
		return "bad Confirm MAC"
	case ErrNonceReused:
		return "nonce reuse"
	case ErrEqualZIDHello:
		return "equal ZIDs in Hello"
	case ErrSSRCCollision:
		return "SSRC collision"
	case ErrServiceUnavailable:
		return "service unavailable"
	case ErrProtocolTimeout:
		return "protocol timeout"
	case ErrGoClearNotAllowed:
		return "GoClear not allowed"
	default:
		return fmt.Sprintf("error code 0x%x", uint32(c))
	}
}
