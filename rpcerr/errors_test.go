package rpcerr

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestTypedErrorsMatchSentinels(t *testing.T) {
	assert.ErrorIs(t, &ContractNotFoundError{Contract: "Chat"}, ErrContractNotFound)
	assert.ErrorIs(t, &MethodNotFoundError{Contract: "Chat", Method: "Add"}, ErrMethodNotFound)
	assert.ErrorIs(t, ErrHeaderTooLarge, ErrFrame)

	remote := &RemoteOperationError{Message: "boom"}
	assert.ErrorIs(t, remote, ErrRemoteOperation)
	assert.NotErrorIs(t, remote, ErrContractNotFound)
}

func TestRemoteOperationErrorCarriesDispatchCode(t *testing.T) {
	err := error(&RemoteOperationError{Message: "contract implementation not found: X", Code: CodeContractNotFound})
	assert.ErrorIs(t, err, ErrContractNotFound)
	assert.ErrorIs(t, err, ErrRemoteOperation)

	err = &RemoteOperationError{Message: "nope", Code: CodeMethodNotFound}
	assert.ErrorIs(t, err, ErrMethodNotFound)
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeContractNotFound, CodeOf(errors.Wrap(&ContractNotFoundError{Contract: "A"}, "resolve")))
	assert.Equal(t, CodeMethodNotFound, CodeOf(&MethodNotFoundError{}))
	assert.Equal(t, "", CodeOf(errors.New("plain")))
}

func TestInnermost(t *testing.T) {
	root := errors.New("disk on fire")
	wrapped := fmt.Errorf("outer: %w", errors.Wrap(errors.WithMessage(root, "middle"), "inner"))

	assert.Equal(t, "disk on fire", Innermost(wrapped).Error())
	assert.Nil(t, Innermost(nil))
	assert.Equal(t, root, Innermost(root))
}
