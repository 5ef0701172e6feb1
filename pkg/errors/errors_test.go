package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Format(t *testing.T) {
	plain := New(ErrCodeValidation, "bad input")
	assert.Equal(t, "[VALIDATION_ERROR] bad input", plain.Error())

	cause := stderrors.New("disk full")
	wrapped := Wrap(ErrCodeStorage, "write failed", cause)
	assert.Equal(t, "[STORAGE_ERROR] write failed: disk full", wrapped.Error())
	assert.Same(t, cause, stderrors.Unwrap(wrapped))
}

func TestIs(t *testing.T) {
	conflict := VersionConflict("web_1", 1, 2)
	assert.True(t, Is(conflict, ErrCodeConflict))
	assert.False(t, Is(conflict, ErrCodeNotFound))

	// Codes are found through fmt wrapping and nested causes.
	outer := fmt.Errorf("update: %w", conflict)
	assert.True(t, Is(outer, ErrCodeConflict))

	nested := StorageError("local", "read", NotFoundError("node instance", "web_1"))
	assert.True(t, Is(nested, ErrCodeStorage))
	assert.True(t, Is(nested, ErrCodeNotFound))

	assert.False(t, Is(nil, ErrCodeConflict))
	assert.False(t, Is(stderrors.New("plain"), ErrCodeConflict))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrCodeParse, CodeOf(fmt.Errorf("load: %w", ParseError("a.yaml", stderrors.New("eof")))))
	assert.Equal(t, ErrorCode(""), CodeOf(stderrors.New("plain")))
	assert.Equal(t, ErrorCode(""), CodeOf(nil))
}

func TestVersionConflict(t *testing.T) {
	err := VersionConflict("web_1", 1, 3)
	assert.Equal(t, ErrCodeConflict, err.Code)
	assert.Contains(t, err.Message, "version 1 does not match current version of node instance web_1 which is 3")
	assert.Equal(t, 1, err.Details["expected_version"])
	assert.Equal(t, 3, err.Details["actual_version"])
}

func TestParameterErrors(t *testing.T) {
	missing := MissingParameters("install", []string{"b", "a"})
	assert.Equal(t, ErrCodeInvalidParameters, missing.Code)
	assert.Contains(t, missing.Message, `Workflow "install" must be provided with the following parameters to execute: a,b`)
	assert.Equal(t, []string{"a", "b"}, missing.Details["missing"])

	custom := UndeclaredParameters("install", []string{"z", "y"})
	assert.Equal(t, ErrCodeInvalidParameters, custom.Code)
	assert.Contains(t, custom.Message, "does not have the following parameters declared: y,z")
}

func TestUnknownWorkflow(t *testing.T) {
	in := []string{"uninstall", "install"}
	err := UnknownWorkflow("scale", in)
	assert.Equal(t, ErrCodeUnknownWorkflow, err.Code)
	assert.Equal(t, "'scale' workflow does not exist. existing workflows are: install, uninstall", err.Message)
	assert.Equal(t, []string{"uninstall", "install"}, in)
}

func TestMappingErrors(t *testing.T) {
	err := MappingNotFound("plugin.ops", "web", "operations")
	assert.Equal(t, ErrCodeMappingNotFound, err.Code)
	assert.Equal(t, "mapping error: No module named plugin.ops [node=web, type=operations]", err.Message)

	attr := MappingAttributeNotFound("plugin.ops", "create", "web", "source_operations")
	assert.Equal(t, ErrCodeMappingAttributeNotFound, attr.Code)
	assert.Equal(t, "mapping error: plugin.ops has no attribute 'create' [node=web, type=source_operations]", attr.Message)
}

func TestWithDetail(t *testing.T) {
	err := New(ErrCodeNotFound, "missing").WithDetail("name", "web")
	require.NotNil(t, err.Details)
	assert.Equal(t, "web", err.Details["name"])

	v := ValidationError("bad", nil).WithDetail("field", "id")
	assert.Equal(t, "id", v.Details["field"])
}
