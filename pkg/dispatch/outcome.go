package dispatch

import (
	"fmt"
)

// OutcomeKind tags the variant held by an Outcome.
type OutcomeKind int

const (
	// OutcomeDelivered means the gateway accepted the message.
	OutcomeDelivered OutcomeKind = iota
	// OutcomeCanonical means the message was accepted, but the device now has a newer identifier.
	OutcomeCanonical
	// OutcomeFailed means the gateway rejected the message for this recipient.
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeCanonical:
		return "delivered_with_canonical_id"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
}

// ErrorKind enumerates the per-recipient failure reasons a gateway can report.
type ErrorKind string

const (
	KindNotRegistered             ErrorKind = "NotRegistered"
	KindInvalidRegistration       ErrorKind = "InvalidRegistration"
	KindMissingRegistration       ErrorKind = "MissingRegistration"
	KindMismatchSenderID          ErrorKind = "MismatchSenderId"
	KindMessageTooBig             ErrorKind = "MessageTooBig"
	KindInvalidTTL                ErrorKind = "InvalidTtl"
	KindUnavailable               ErrorKind = "Unavailable"
	KindInternalServerError       ErrorKind = "InternalServerError"
	KindDeviceMessageRateExceeded ErrorKind = "DeviceMessageRateExceeded"
	KindUnknown                   ErrorKind = "Unknown"
)

var knownKinds = map[string]ErrorKind{
	string(KindNotRegistered):             KindNotRegistered,
	string(KindInvalidRegistration):       KindInvalidRegistration,
	string(KindMissingRegistration):       KindMissingRegistration,
	string(KindMismatchSenderID):          KindMismatchSenderID,
	string(KindMessageTooBig):             KindMessageTooBig,
	string(KindInvalidTTL):                KindInvalidTTL,
	string(KindUnavailable):               KindUnavailable,
	string(KindInternalServerError):       KindInternalServerError,
	string(KindDeviceMessageRateExceeded): KindDeviceMessageRateExceeded,
}

// ParseErrorKind maps a gateway error code onto a known kind, or KindUnknown.
func ParseErrorKind(code string) ErrorKind {
	if k, ok := knownKinds[code]; ok {
		return k
	}
	return KindUnknown
}

// IsTerminal reports whether the recipient must be removed from the registry.
func (k ErrorKind) IsTerminal() bool {
	return k == KindNotRegistered
}

// Outcome is the result of attempting delivery to one recipient.
type Outcome struct {
	Kind OutcomeKind

	// MessageID is set for OutcomeDelivered and OutcomeCanonical.
	MessageID string
	// CanonicalID is set for OutcomeCanonical only.
	CanonicalID Recipient
	// Err is set for OutcomeFailed only.
	Err ErrorKind
	// Detail keeps the gateway's raw reason for failures mapped to KindUnknown.
	Detail string
}

func Delivered(messageID string) Outcome {
	return Outcome{Kind: OutcomeDelivered, MessageID: messageID}
}

func DeliveredWithCanonicalID(messageID string, canonical Recipient) Outcome {
	return Outcome{Kind: OutcomeCanonical, MessageID: messageID, CanonicalID: canonical}
}

func Failed(kind ErrorKind) Outcome {
	return Outcome{Kind: OutcomeFailed, Err: kind}
}

// FailedWithDetail records a failure together with the gateway's raw reason.
func FailedWithDetail(kind ErrorKind, detail string) Outcome {
	return Outcome{Kind: OutcomeFailed, Err: kind, Detail: detail}
}

// Unsent pads outcomes up to total with Unavailable failures for the
// recipients a unary gateway never reached before its deadline.
func Unsent(outcomes []Outcome, total int, cause error) []Outcome {
	detail := "not sent"
	if cause != nil {
		detail = "not sent: " + cause.Error()
	}
	for len(outcomes) < total {
		outcomes = append(outcomes, FailedWithDetail(KindUnavailable, detail))
	}
	return outcomes
}

func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeDelivered:
		return fmt.Sprintf("[ messageId=%s ]", o.MessageID)
	case OutcomeCanonical:
		return fmt.Sprintf("[ messageId=%s canonicalRegistrationId=%s ]", o.MessageID, o.CanonicalID)
	default:
		if o.Detail != "" {
			return fmt.Sprintf("[ errorCode=%s (%s) ]", o.Err, o.Detail)
		}
		return fmt.Sprintf("[ errorCode=%s ]", o.Err)
	}
}
