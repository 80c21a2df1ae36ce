package types

import (
	"errors"
	"fmt"
)

// Kind classifies every failure the bot can surface. The controller
// decides disposition from the kind alone; lower layers never swallow
// errors, they wrap them with a kind and pass them up.
type Kind string

const (
	// KindConfigIncomplete: a required effective-config key is absent.
	// Fatal at startup.
	KindConfigIncomplete Kind = "ConfigIncomplete"
	// KindRpcTransient: network-level failure reading chain state.
	// Retryable next tick.
	KindRpcTransient Kind = "RpcTransient"
	// KindPoolDecode: pool state unparseable. Fatal for the tick.
	KindPoolDecode Kind = "PoolDecodeError"
	// KindMinProfitNotMet: the executor reverted on its profit guard.
	// Informational skip.
	KindMinProfitNotMet Kind = "MinProfitNotMet"
	// KindSimulationFailed: gas estimation reverted.
	KindSimulationFailed Kind = "SimulationFailed"
	// KindSendReverted: receipt observed with a failure status.
	KindSendReverted Kind = "SendReverted"
	// KindTimedOut: receipt not observed within the window.
	KindTimedOut Kind = "TimedOut"
	// KindPrefundFailed: the preparatory transfer reverted or timed out.
	KindPrefundFailed Kind = "PrefundFailed"
	// KindSignerUnavailable: the wallet key is not accessible.
	KindSignerUnavailable Kind = "SignerUnavailable"
)

// KindError is an error carrying a Kind, an operator-facing message, and
// an optional wrapped cause.
type KindError struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *KindError) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
}

func (e *KindError) Unwrap() error { return e.Err }

// WrapKind wraps err with a kind and message. Returns nil if err is nil
// and msg is empty.
func WrapKind(kind Kind, msg string, err error) error {
	if err == nil && msg == "" {
		return nil
	}
	return &KindError{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind from an error chain, or "" if none is present.
func KindOf(err error) Kind {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return ""
}

// IsKind reports whether any error in the chain carries the given kind.
func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }

// OperatorHint suggests an operator action for a failure kind, included
// in user-facing reports.
func OperatorHint(kind Kind) string {
	switch kind {
	case KindConfigIncomplete:
		return "fill in the missing configuration keys and restart"
	case KindRpcTransient:
		return "check RPC endpoint health; the bot retries next tick"
	case KindPoolDecode:
		return "verify the pool addresses and family tags in the proposal config"
	case KindMinProfitNotMet:
		return "no action needed; lower --min-profit to trade through"
	case KindSimulationFailed:
		return "inspect the executor call off-chain, or pass --force-send to use the default gas limit"
	case KindSendReverted:
		return "inspect the transaction on an explorer before the next tick trades again"
	case KindTimedOut:
		return "the next tick reconciles balances; check the mempool for the pending transaction"
	case KindPrefundFailed:
		return "check wallet base-currency balance and allowances"
	case KindSignerUnavailable:
		return "check PRIVATE_KEY; the bot cannot sign without it"
	}
	return ""
}
