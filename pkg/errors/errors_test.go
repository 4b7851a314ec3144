package errors_test

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/casewatch/pkg/errors"
)

func TestNew_FieldsAreSetCorrectly(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		code    errors.ErrorCode
		message string
	}{
		{"internal error", errors.CodeInternal, "unexpected failure"},
		{"case not found", errors.ErrCodeCaseNotFound, "case c-1 not found"},
		{"invalid param", errors.CodeInvalidParam, "tenant id must not be empty"},
		{"sweep running", errors.ErrCodeSweepAlreadyRunning, "another sweep holds the lock"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ae := errors.New(tc.code, tc.message)

			require.NotNil(t, ae)
			assert.Equal(t, tc.code, ae.Code)
			assert.Equal(t, tc.message, ae.Message)
			assert.Empty(t, ae.Detail)
			assert.Nil(t, ae.Cause)
			assert.NotEmpty(t, ae.Stack)
		})
	}
}

func TestError_Format(t *testing.T) {
	t.Parallel()

	ae := errors.New(errors.ErrCodeCaseNotFound, "case not found")
	assert.Equal(t, "[CASE_001] case not found", ae.Error())

	withDetail := ae.WithDetail("id=c-1")
	assert.Equal(t, "[CASE_001] case not found: id=c-1", withDetail.Error())

	wrapped := errors.Wrap(stderrors.New("conn refused"), errors.ErrCodeDatabaseError, "load case")
	assert.Equal(t, "[COMMON_012] load case: conn refused", wrapped.Error())
}

func TestWrap_NilErrReturnsNil(t *testing.T) {
	t.Parallel()
	assert.Nil(t, errors.Wrap(nil, errors.CodeInternal, "should not matter"))
}

func TestWrap_CauseChainIsPreserved(t *testing.T) {
	t.Parallel()

	root := stderrors.New("root cause")
	wrapped := errors.Wrap(root, errors.ErrCodeSweepQueryFailed, "list overdue cases")

	assert.True(t, stderrors.Is(wrapped, root))
	assert.True(t, errors.IsCode(wrapped, errors.ErrCodeSweepQueryFailed))

	outer := fmt.Errorf("sweep: %w", wrapped)
	assert.True(t, errors.IsCode(outer, errors.ErrCodeSweepQueryFailed))
	assert.Equal(t, errors.ErrCodeSweepQueryFailed, errors.GetCode(outer))
}

func TestWrap_PreservesOriginalCodeWhenCodeUnknown(t *testing.T) {
	t.Parallel()

	inner := errors.New(errors.ErrCodeCaseNotFound, "missing")
	outer := errors.Wrap(inner, errors.CodeUnknown, "loading case")

	assert.Equal(t, errors.ErrCodeCaseNotFound, outer.Code)
}

func TestIsNotFound(t *testing.T) {
	t.Parallel()

	assert.True(t, errors.IsNotFound(errors.New(errors.CodeNotFound, "x")))
	assert.True(t, errors.IsNotFound(errors.New(errors.ErrCodeCaseNotFound, "x")))
	assert.True(t, errors.IsNotFound(fmt.Errorf("wrap: %w", errors.New(errors.ErrCodeRuleNotFound, "x"))))
	assert.False(t, errors.IsNotFound(errors.New(errors.CodeInternal, "x")))
	assert.False(t, errors.IsNotFound(nil))
}

func TestGetCode(t *testing.T) {
	t.Parallel()

	assert.Equal(t, errors.CodeOK, errors.GetCode(nil))
	assert.Equal(t, errors.CodeUnknown, errors.GetCode(stderrors.New("plain")))
	assert.Equal(t, errors.ErrCodeCaseClosed, errors.GetCode(fmt.Errorf("close: %w", errors.New(errors.ErrCodeCaseClosed, "closed"))))
}

func TestWithReasons_CopiesSlice(t *testing.T) {
	t.Parallel()

	reasons := []string{"parental advice missing"}
	ae := errors.New(errors.ErrCodeTransitionBlocked, "blocked").WithReasons(reasons)
	reasons[0] = "mutated"

	assert.Equal(t, []string{"parental advice missing"}, ae.Reasons)
}

func TestBuilders_NilSafe(t *testing.T) {
	t.Parallel()

	var ae *errors.AppError
	assert.Nil(t, ae.WithDetail("x"))
	assert.Nil(t, ae.WithCause(stderrors.New("x")))
	assert.Nil(t, ae.WithReasons([]string{"x"}))
}
