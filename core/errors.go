package core

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	// ErrInvalidPreState marks a transaction that cannot execute against the
	// state it meets. Such transactions are excluded from the block.
	ErrInvalidPreState = errors.New("invalid transaction pre-state")

	ErrNonceTooLow       = errors.New("nonce too low")
	ErrNonceTooHigh      = errors.New("nonce too high")
	ErrInsufficientFunds = errors.New("insufficient funds for gas * price + value")
	ErrFeeCapTooLow      = errors.New("max fee per gas less than block base fee")
	ErrIntrinsicGas      = errors.New("intrinsic gas too low")

	// ErrReverted is matched by every *RevertError.
	ErrReverted = errors.New("execution reverted")
	// ErrOutOfGas is returned by interpreters that ran out of gas.
	ErrOutOfGas = errors.New("out of gas")
	// ErrNoInterpreter fails calls into code when no interpreter is wired.
	ErrNoInterpreter = errors.New("no interpreter configured")
)

// invalid wraps cause as an ErrInvalidPreState.
func invalid(cause error, format string, args ...any) error {
	return fmt.Errorf("%w: %w: %s", ErrInvalidPreState, cause, fmt.Sprintf(format, args...))
}

// RevertError carries the data returned by a reverting contract.
type RevertError struct {
	Reason []byte
}

// NewRevertError returns a revert error with a copy of data.
func NewRevertError(data []byte) *RevertError {
	return &RevertError{Reason: append([]byte(nil), data...)}
}

func (e *RevertError) Error() string {
	if msg, err := abi.UnpackRevert(e.Reason); err == nil {
		return ErrReverted.Error() + ": " + msg
	}
	if len(e.Reason) == 0 {
		return ErrReverted.Error()
	}
	return ErrReverted.Error() + ": " + hexutil.Encode(e.Reason)
}

// Is lets errors.Is(err, ErrReverted) match.
func (e *RevertError) Is(target error) bool { return target == ErrReverted }
