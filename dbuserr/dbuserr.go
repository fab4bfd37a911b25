// Package dbuserr implements the closed error taxonomy of spec §7 and its
// two-way mapping to and from wire-format error names (§4.2), including a
// lossless fallback encoding for locally-defined errors unknown to the
// receiving peer.
//
// The enumeration and its String method are grounded on the teacher's
// asdu.TypeID pattern (rob-gra-go-iecp5/asdu/identifier.go): a small
// integer type, a big const block of named values, and a String method
// used for log messages rather than wire encoding.
package dbuserr

import "fmt"

// Kind is the closed taxonomy of structured error kinds this library
// produces and recognises.
type Kind int

const (
	KindUnknown Kind = iota
	KindFailed
	KindCancelled
	KindConversionFailed
	KindRemoteException

	// One kind per well-known org.freedesktop.DBus.Error.* name (§7).
	KindServiceUnknown
	KindNameHasNoOwner
	KindNoReply
	KindIOError
	KindBadAddress
	KindNotSupported
	KindLimitsExceeded
	KindAccessDenied
	KindAuthFailed
	KindNoServer
	KindTimeout
	KindNoNetwork
	KindAddressInUse
	KindDisconnected
	KindInvalidArgs
	KindFileNotFound
	KindFileExists
	KindUnknownMethod
	KindUnknownObject
	KindUnknownInterface
	KindUnknownProperty
	KindPropertyReadOnly
	KindTimedOut
	KindMatchRuleNotFound
	KindMatchRuleInvalid
	KindSpawnExecFailed
	KindSpawnForkFailed
	KindSpawnChildExited
	KindSpawnChildSignaled
	KindSpawnFailed
	KindUnixProcessIDUnknown
	KindInvalidSignature
	KindInvalidFileContent
	KindSELinuxSecurityContextUnknown
	KindAdtAuditDataUnknown
	KindObjectPathInUse
	KindInconsistentMessage
	KindInteractiveAuthorizationRequired
)

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "Unknown"
}

var kindNames = map[Kind]string{
	KindUnknown:                           "Unknown",
	KindFailed:                            "Failed",
	KindCancelled:                         "Cancelled",
	KindConversionFailed:                  "ConversionFailed",
	KindRemoteException:                   "RemoteException",
	KindServiceUnknown:                    "ServiceUnknown",
	KindNameHasNoOwner:                    "NameHasNoOwner",
	KindNoReply:                           "NoReply",
	KindIOError:                           "IOError",
	KindBadAddress:                        "BadAddress",
	KindNotSupported:                      "NotSupported",
	KindLimitsExceeded:                    "LimitsExceeded",
	KindAccessDenied:                      "AccessDenied",
	KindAuthFailed:                        "AuthFailed",
	KindNoServer:                          "NoServer",
	KindTimeout:                           "Timeout",
	KindNoNetwork:                         "NoNetwork",
	KindAddressInUse:                      "AddressInUse",
	KindDisconnected:                      "Disconnected",
	KindInvalidArgs:                       "InvalidArgs",
	KindFileNotFound:                      "FileNotFound",
	KindFileExists:                        "FileExists",
	KindUnknownMethod:                     "UnknownMethod",
	KindUnknownObject:                     "UnknownObject",
	KindUnknownInterface:                  "UnknownInterface",
	KindUnknownProperty:                   "UnknownProperty",
	KindPropertyReadOnly:                  "PropertyReadOnly",
	KindTimedOut:                          "TimedOut",
	KindMatchRuleNotFound:                 "MatchRuleNotFound",
	KindMatchRuleInvalid:                  "MatchRuleInvalid",
	KindSpawnExecFailed:                   "SpawnExecFailed",
	KindSpawnForkFailed:                   "SpawnForkFailed",
	KindSpawnChildExited:                  "SpawnChildExited",
	KindSpawnChildSignaled:                "SpawnChildSignaled",
	KindSpawnFailed:                       "SpawnFailed",
	KindUnixProcessIDUnknown:              "UnixProcessIdUnknown",
	KindInvalidSignature:                  "InvalidSignature",
	KindInvalidFileContent:                "InvalidFileContent",
	KindSELinuxSecurityContextUnknown:     "SELinuxSecurityContextUnknown",
	KindAdtAuditDataUnknown:               "AdtAuditDataUnknown",
	KindObjectPathInUse:                   "ObjectPathInUse",
	KindInconsistentMessage:               "InconsistentMessage",
	KindInteractiveAuthorizationRequired:  "InteractiveAuthorizationRequired",
}

// Error is this library's structured error type; callers recover it with
// errors.As from an error that is or wraps one. Not every error this
// module returns carries one: argument validation in package value,
// proxy.Options.Valid and some transport failures return plain errors.
type Error struct {
	Kind    Kind
	Message string

	// Set only when Kind == KindRemoteException and the wire name/message
	// could not be classified by the built-in or caller-supplied tables;
	// recovered via WireName/WireMessage.
	wireName    string
	wireMessage string
	hasWire     bool

	// ConversionFailed carries the offending signature (§4.1).
	Signature string

	// Set when this error was constructed via LocalError: a
	// locally-defined domain/code pair that may need the reversible
	// unmapped-GError wire encoding if the peer doesn't recognise it.
	localDomain string
	localCode   int
	isLocal     bool

	cause error
}

// New constructs a plain error of the given kind.
func New(k Kind, message string) *Error {
	return &Error{Kind: k, Message: message}
}

// Newf is New with fmt.Sprintf-style formatting.
func Newf(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates an existing error without discarding it; Unwrap exposes
// the original.
func Wrap(k Kind, cause error, message string) *Error {
	return &Error{Kind: k, Message: message, cause: cause}
}

// ConversionFailed builds the error §4.1 mandates for a Value that cannot
// be produced from, or written to, the wire for the demanded signature.
func ConversionFailed(signature, reason string) *Error {
	return &Error{
		Kind:      KindConversionFailed,
		Message:   fmt.Sprintf("cannot convert for signature %q: %s", signature, reason),
		Signature: signature,
	}
}

// RemoteException builds the generic fallback kind for a peer error this
// receiver could not classify. The wire name and message remain
// recoverable via WireName/WireMessage.
func RemoteException(wireName, wireMessage string) *Error {
	return &Error{
		Kind:        KindRemoteException,
		Message:     wireMessage,
		wireName:    wireName,
		wireMessage: wireMessage,
		hasWire:     true,
	}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is reports equality by Kind, matching errors.Is(err, dbuserr.New(KindX, "")) usage.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.isLocal || t.isLocal {
		return e.isLocal == t.isLocal && e.localDomain == t.localDomain && e.localCode == t.localCode
	}
	return e.Kind == t.Kind
}

// Domain and Code recover a locally-defined error's domain/code pair, as
// reconstituted by ErrorMap.Classify from the unmapped-GError wire
// encoding; ok is false for any error not built via LocalError/Classify's
// unmapped-encoding path.
func (e *Error) Domain() (domain string, code int, ok bool) {
	if !e.isLocal {
		return "", 0, false
	}
	return e.localDomain, e.localCode, true
}

// WireName returns the original wire error name for a RemoteException,
// and ok=false for any other kind.
func (e *Error) WireName() (string, bool) {
	if e.Kind != KindRemoteException || !e.hasWire {
		return "", false
	}
	return e.wireName, true
}

// WireMessage returns the original wire error message for a
// RemoteException, and ok=false for any other kind.
func (e *Error) WireMessage() (string, bool) {
	if e.Kind != KindRemoteException || !e.hasWire {
		return "", false
	}
	return e.wireMessage, true
}
