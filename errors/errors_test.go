package errors_test

import (
	"fmt"
	"testing"

	"github.com/dsbroker/dsbroker/errors"
	"github.com/stretchr/testify/assert"
)

const (
	errUncoded     errors.Code = "Uncoded"
	errRowNotFound errors.Code = "ErrRowNotFound"
	errBackend     errors.Code = "ErrBackend"
)

func newUncoded(msg string) error {
	return errors.Errorf("%s", msg)
}

func newErrRowNotFound(table string) error {
	return errors.New(errRowNotFound, fmt.Sprintf("row does not exist in '%s'", table))
}

func newErrBackend(msg string) error {
	return errors.New(errBackend, msg)
}

func TestErrors(t *testing.T) {
	t.Run("Is", func(t *testing.T) {
		uncoded := newUncoded("uncoded error")
		rnf := newErrRowNotFound("country")
		be := newErrBackend("driver exploded")

		tests := []struct {
			err    error
			target errors.Code
			exp    bool
		}{
			{
				err:    uncoded,
				target: errUncoded,
				exp:    false,
			},
			{
				err:    rnf,
				target: errRowNotFound,
				exp:    true,
			},
			{
				err:    rnf,
				target: errBackend,
				exp:    false,
			},
			{
				err:    be,
				target: errBackend,
				exp:    true,
			},
			{
				err:    errors.Wrap(rnf, "executing update"),
				target: errRowNotFound,
				exp:    true,
			},
			{
				err:    errors.WithMessage(errors.Wrap(be, "inner"), "outer"),
				target: errBackend,
				exp:    true,
			},
		}

		for i, test := range tests {
			t.Run(fmt.Sprintf("test-%d", i), func(t *testing.T) {
				got := errors.Is(test.err, test.target)
				assert.Equal(t, test.exp, got)
			})
		}
	})

	t.Run("CodeOf", func(t *testing.T) {
		assert.Equal(t, errRowNotFound, errors.CodeOf(errors.Wrap(newErrRowNotFound("t"), "ctx")))
		assert.Equal(t, errors.ErrUncoded, errors.CodeOf(newUncoded("nope")))
	})

	t.Run("MessageSurvivesWrap", func(t *testing.T) {
		err := errors.Wrap(newErrRowNotFound("country"), "executing update")
		assert.Contains(t, err.Error(), "row does not exist in 'country'")
		assert.Contains(t, err.Error(), "executing update")
	})
}
