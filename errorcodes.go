package dsbroker

import (
	"fmt"

	"github.com/dsbroker/dsbroker/errors"
)

const (
	ErrConfigInvalid errors.Code = "ErrConfigInvalid"

	// ErrParseError means a transaction envelope could not be decoded as
	// JSON or as XML.
	ErrParseError errors.Code = "ErrParseError"

	// ErrResubmit is the soft signal raised when an RPC call arrives with
	// an empty _transaction; the formatter answers with the browser retry
	// trampoline instead of an error body.
	ErrResubmit errors.Code = "ErrResubmit"

	ErrDescriptorNotFound errors.Code = "ErrDescriptorNotFound"
	ErrDescriptorParse    errors.Code = "ErrDescriptorParse"
	ErrTypeMismatch       errors.Code = "ErrTypeMismatch"
	ErrUnknownServerType  errors.Code = "ErrUnknownServerType"

	ErrResourceAcquisition errors.Code = "ErrResourceAcquisition"
	ErrTransactionBegin    errors.Code = "ErrTransactionBegin"
	ErrTransactionFailed   errors.Code = "ErrTransactionFailed"
	ErrBackend             errors.Code = "ErrBackend"

	ErrRowNotFound       errors.Code = "ErrRowNotFound"
	ErrMissingPrimaryKey errors.Code = "ErrMissingPrimaryKey"
	ErrUnimplemented     errors.Code = "ErrUnimplemented"
	ErrUnknownField      errors.Code = "ErrUnknownField"

	ErrUnknownServerObject errors.Code = "ErrUnknownServerObject"
	ErrUnknownMethod       errors.Code = "ErrUnknownMethod"
)

func NewErrParseError(err error) error {
	return errors.New(
		ErrParseError,
		fmt.Sprintf("transaction is not parsable as JSON or XML: %v", err),
	)
}

func NewErrResubmit() error {
	return errors.New(
		ErrResubmit,
		"empty transaction, client should resubmit",
	)
}

func NewErrDescriptorNotFound(id string) error {
	return errors.New(
		ErrDescriptorNotFound,
		fmt.Sprintf("no descriptor file found for data source '%s'", id),
	)
}

func NewErrDescriptorParse(id string, err error) error {
	return errors.New(
		ErrDescriptorParse,
		fmt.Sprintf("parsing descriptor for data source '%s': %v", id, err),
	)
}

func NewErrTypeMismatch(requested, found string) error {
	return errors.New(
		ErrTypeMismatch,
		fmt.Sprintf("descriptor loaded for data source '%s' declares ID '%s'", requested, found),
	)
}

func NewErrUnknownServerType(serverType string) error {
	return errors.New(
		ErrUnknownServerType,
		fmt.Sprintf("no data source implementation registered for server type '%s'", serverType),
	)
}

func NewErrResourceAcquisition(id string, err error) error {
	return errors.New(
		ErrResourceAcquisition,
		fmt.Sprintf("acquiring back end resources for data source '%s': %v", id, err),
	)
}

func NewErrTransactionBegin(err error) error {
	return errors.New(
		ErrTransactionBegin,
		fmt.Sprintf("beginning back end transaction: %v", err),
	)
}

func NewErrTransactionFailed(err error) error {
	return errors.New(
		ErrTransactionFailed,
		fmt.Sprintf("committing back end transaction: %v", err),
	)
}

func NewErrBackend(err error) error {
	return errors.New(
		ErrBackend,
		fmt.Sprintf("back end failure: %v", err),
	)
}

// NewErrRowNotFound keeps the row-not-found wording clients of the
// original servlet match on, grammar wart included.
func NewErrRowNotFound(id string, pk map[string]interface{}) error {
	return errors.New(
		ErrRowNotFound,
		fmt.Sprintf("Row does not exists in data source '%s' for primary key %v", id, pk),
	)
}

func NewErrMissingPrimaryKey(id, field string) error {
	return errors.New(
		ErrMissingPrimaryKey,
		fmt.Sprintf("data source '%s' has no value for primary key field '%s'", id, field),
	)
}

func NewErrUnimplemented(id, opType string) error {
	return errors.New(
		ErrUnimplemented,
		fmt.Sprintf("data source '%s' does not implement operation type '%s'", id, opType),
	)
}

func NewErrUnknownField(id, field string) error {
	return errors.New(
		ErrUnknownField,
		fmt.Sprintf("data source '%s' has no field named '%s'", id, field),
	)
}

func NewErrUnknownServerObject(className string) error {
	return errors.New(
		ErrUnknownServerObject,
		fmt.Sprintf("no server object registered as '%s'", className),
	)
}

func NewErrUnknownMethod(className, method string) error {
	return errors.New(
		ErrUnknownMethod,
		fmt.Sprintf("server object '%s' has no callable method '%s'", className, method),
	)
}
